package suite

import (
	"fmt"
	"strings"

	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/locate"
	"github.com/hazyhaar/storeprobe/scenario"
	"github.com/hazyhaar/storeprobe/verify"
)

// maxFlowDepth bounds flow inlining so a flow cycle is an error, not a hang.
const maxFlowDepth = 8

// Compile expands placeholders and flows and returns runnable scenarios,
// in file order. Scenario IDs must be unique.
func (c *Config) Compile() ([]scenario.Scenario, error) {
	seen := make(map[string]bool, len(c.Scenarios))
	out := make([]scenario.Scenario, 0, len(c.Scenarios))
	for _, sc := range c.Scenarios {
		if seen[sc.ID] {
			return nil, fmt.Errorf("suite: duplicate scenario id %q", sc.ID)
		}
		seen[sc.ID] = true
		compiled, err := c.compileScenario(sc)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

func (c *Config) compileScenario(sc ScenarioConfig) (scenario.Scenario, error) {
	vars, err := c.vars(sc.Persona)
	if err != nil {
		return scenario.Scenario{}, fmt.Errorf("suite: scenario %s: %w", sc.ID, err)
	}
	out := scenario.Scenario{
		ID:          sc.ID,
		Name:        sc.Name,
		Description: sc.Description,
		Tags:        sc.Tags,
	}
	if sc.StartURL != "" {
		u, err := expand(sc.StartURL, vars)
		if err != nil {
			return out, fmt.Errorf("suite: scenario %s: start_url: %w", sc.ID, err)
		}
		out.StartURL = c.absURL(u)
	}
	out.Steps, err = c.compileSteps(sc.Steps, vars, 0)
	if err != nil {
		return out, fmt.Errorf("suite: scenario %s: %w", sc.ID, err)
	}
	for i, a := range sc.Assertions {
		compiled, err := compileAssertion(a, vars)
		if err != nil {
			return out, fmt.Errorf("suite: scenario %s: assertion %d: %w", sc.ID, i, err)
		}
		out.Assertions = append(out.Assertions, compiled)
	}
	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Config) compileSteps(steps []StepConfig, vars map[string]string, depth int) ([]scenario.Step, error) {
	var out []scenario.Step
	for i, st := range steps {
		if st.Flow != "" {
			if depth >= maxFlowDepth {
				return nil, fmt.Errorf("flow %q: nested too deep", st.Flow)
			}
			body, ok := c.Flows[st.Flow]
			if !ok {
				return nil, fmt.Errorf("step %d: unknown flow %q", i, st.Flow)
			}
			fv := vars
			if st.Persona != "" {
				var err error
				if fv, err = c.vars(st.Persona); err != nil {
					return nil, fmt.Errorf("step %d: flow %s: %w", i, st.Flow, err)
				}
			}
			inlined, err := c.compileSteps(body, fv, depth+1)
			if err != nil {
				return nil, fmt.Errorf("flow %s: %w", st.Flow, err)
			}
			out = append(out, inlined...)
			continue
		}
		compiled, err := c.compileStep(st, vars)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out = append(out, compiled)
	}
	return out, nil
}

func (c *Config) compileStep(st StepConfig, vars map[string]string) (scenario.Step, error) {
	var out scenario.Step
	set := 0
	for _, v := range []bool{st.Navigate != "", st.Click != "", st.Fill != "", st.Wait > 0, st.WaitLoad != ""} {
		if v {
			set++
		}
	}
	if set != 1 {
		return out, fmt.Errorf("want exactly one of navigate, click, fill, wait, wait_load; got %d", set)
	}

	switch {
	case st.Navigate != "":
		u, err := expand(st.Navigate, vars)
		if err != nil {
			return out, err
		}
		out = scenario.Navigate(c.absURL(u))
		out.NewPage = st.NewPage
		if st.WaitUntil != "" {
			if out.WaitUntil, err = driver.ParseLoadState(st.WaitUntil); err != nil {
				return out, err
			}
		}
	case st.Click != "":
		loc, err := parseLocator(st.Click, st.Nth, vars)
		if err != nil {
			return out, err
		}
		out = scenario.Click(loc)
	case st.Fill != "":
		loc, err := parseLocator(st.Fill, st.Nth, vars)
		if err != nil {
			return out, err
		}
		value, err := expand(st.Value, vars)
		if err != nil {
			return out, err
		}
		out = scenario.Fill(loc, value)
	case st.Wait > 0:
		out = scenario.Wait(st.Wait)
	case st.WaitLoad != "":
		state, err := driver.ParseLoadState(st.WaitLoad)
		if err != nil {
			return out, err
		}
		out = scenario.WaitLoad(state)
	}
	out.Label = st.Label
	out.Timeout = st.Timeout
	return out, nil
}

func compileAssertion(a AssertionConfig, vars map[string]string) (scenario.Assertion, error) {
	var out scenario.Assertion
	loc, err := parseLocator(a.Expect, a.Nth, vars)
	if err != nil {
		return out, err
	}
	out.Locator = loc
	out.Timeout = a.Timeout
	if a.Polarity != "" {
		if out.Polarity, err = verify.ParsePolarity(a.Polarity); err != nil {
			return out, err
		}
	}
	out.Message, err = expand(a.Message, vars)
	return out, err
}

func parseLocator(raw string, nth *int, vars map[string]string) (locate.Locator, error) {
	s, err := expand(raw, vars)
	if err != nil {
		return locate.Locator{}, err
	}
	loc, err := locate.Parse(s)
	if err != nil {
		return loc, err
	}
	if nth != nil {
		loc = loc.At(*nth)
	}
	return loc, nil
}

// absURL resolves a path against base_url.
func (c *Config) absURL(u string) string {
	if strings.HasPrefix(u, "/") && c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/") + u
	}
	return u
}

// vars builds the placeholder table, binding ${persona.*} to the named persona.
func (c *Config) vars(persona string) (map[string]string, error) {
	vars := map[string]string{"base_url": strings.TrimRight(c.BaseURL, "/")}
	for name, p := range c.Personas {
		vars["personas."+name+".email"] = p.Email
		vars["personas."+name+".password"] = p.Password
	}
	if persona != "" {
		p, ok := c.Personas[persona]
		if !ok {
			return nil, fmt.Errorf("unknown persona %q", persona)
		}
		vars["persona.email"] = p.Email
		vars["persona.password"] = p.Password
	}
	return vars, nil
}

// expand replaces ${name} placeholders. An unknown name is an error; a
// lone "$" is left alone so prices like "R$ 10" survive.
func expand(s string, vars map[string]string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		j := strings.IndexByte(s[i:], '}')
		if j < 0 {
			return "", fmt.Errorf("unterminated placeholder in %q", s)
		}
		name := s[i+2 : i+j]
		v, ok := vars[name]
		if !ok {
			return "", fmt.Errorf("unknown placeholder ${%s}", name)
		}
		b.WriteString(s[:i])
		b.WriteString(v)
		s = s[i+j+1:]
	}
}
