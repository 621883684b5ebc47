package suite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/storeprobe/dbopen"
	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/driver/drivertest"
	"github.com/hazyhaar/storeprobe/driver/htmldriver"
	"github.com/hazyhaar/storeprobe/internal/demostore"
	"github.com/hazyhaar/storeprobe/runlog"
	"github.com/hazyhaar/storeprobe/scenario"
)

// demoConfig returns a config pointing at a fresh seeded demo store, with
// short timeouts so failing expectations fail fast.
func demoConfig(t *testing.T, extra string) *Config {
	t.Helper()
	return demoConfigWith(t, demostore.Options{}, extra)
}

func demoConfigWith(t *testing.T, opts demostore.Options, extra string) *Config {
	t.Helper()
	opts.SeedOrders = true
	opts.BcryptCost = bcrypt.MinCost
	st, err := demostore.New(opts)
	if err != nil {
		t.Fatalf("demostore: %v", err)
	}
	srv := httptest.NewServer(st.Handler())
	t.Cleanup(srv.Close)

	cfg, err := ParseConfig([]byte(`
base_url: ` + srv.URL + `
driver: {kind: http}
parallel: 3
timeouts:
  assertion: 2s
  action: 2s
  load_state: 300ms
  poll_interval: 20ms
` + extra))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.AddCatalogData("demo", demostore.Catalog); err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return cfg
}

func newSuite(t *testing.T, cfg *Config, opts Options) *Suite {
	t.Helper()
	if opts.Driver == nil {
		opts.Driver = htmldriver.New(nil)
	}
	s, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("suite: %v", err)
	}
	return s
}

func outcomeByID(t *testing.T, rep Report, id string) scenario.Outcome {
	t.Helper()
	for _, o := range rep.Outcomes {
		if o.ScenarioID == id {
			return o
		}
	}
	t.Fatalf("no outcome for %s", id)
	return scenario.Outcome{}
}

func TestRun_DemoCatalogPasses(t *testing.T) {
	cfg := demoConfig(t, "")
	s := newSuite(t, cfg, Options{})

	rep, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Outcomes) != len(s.Scenarios()) {
		t.Fatalf("outcomes = %d, scenarios = %d", len(rep.Outcomes), len(s.Scenarios()))
	}
	for _, o := range rep.Outcomes {
		if !o.Passed() {
			t.Errorf("%s: %s (%s) at %s", o.ScenarioID, o.Status, o.Kind, o.Cause)
		}
		if o.Driver != "http" {
			t.Errorf("%s: driver = %q", o.ScenarioID, o.Driver)
		}
	}
	if !rep.OK() || rep.Failed != 0 || rep.Passed != len(rep.Outcomes) {
		t.Errorf("report = %d passed, %d failed", rep.Passed, rep.Failed)
	}
}

func TestRun_CartBadgeAndSubtotal(t *testing.T) {
	cfg := demoConfig(t, `
scenarios:
  - id: cart-badge
    persona: cliente
    steps:
      - flow: login
      - click: text=Adicionar
    assertions:
      - expect: xpath=//a[@class='cart-link']/span[text()='1']
        message: badge should count one item
      - expect: text=Seu carrinho está vazio
        polarity: absent
`)
	s := newSuite(t, cfg, Options{})

	rep, err := s.Run(context.Background(), "cart-badge", "cart-subtotal")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, o := range rep.Outcomes {
		if !o.Passed() {
			t.Errorf("%s: %s", o.ScenarioID, o.Cause)
		}
	}
	if o := outcomeByID(t, rep, "cart-subtotal"); !strings.HasSuffix(o.FinalURL, "/cart") {
		t.Errorf("final url = %q", o.FinalURL)
	}
}

func TestRun_StalledFrameDoesNotHoldSteps(t *testing.T) {
	cfg := demoConfigWith(t, demostore.Options{StalledFrame: true}, "")
	s := newSuite(t, cfg, Options{})

	start := time.Now()
	rep, err := s.Run(context.Background(), "login-customer", "cart-subtotal")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, o := range rep.Outcomes {
		if !o.Passed() {
			t.Errorf("%s: %s %s: %s", o.ScenarioID, o.Status, o.Kind, o.Cause)
		}
	}
	// A stalled frame is only waited on by the short best-effort settle,
	// never by the navigations and clicks that render it.
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("run took %s with a stalled frame", elapsed)
	}
}

func TestRun_RoleGuardFailsOnAdminMarker(t *testing.T) {
	cfg := demoConfig(t, `
scenarios:
  - id: customer-sees-admin
    persona: cliente
    steps:
      - flow: login
      - navigate: /admin/orders
    assertions:
      - expect: text=Gerenciar Pedidos
        timeout: 300ms
        message: admin-only marker for a customer
`)
	s := newSuite(t, cfg, Options{})

	rep, err := s.Run(context.Background(), "customer-sees-admin")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	o := outcomeByID(t, rep, "customer-sees-admin")
	if o.Status != scenario.Fail || o.Kind != scenario.KindAssertionTimeout {
		t.Fatalf("outcome = %s/%s: %s", o.Status, o.Kind, o.Cause)
	}
	if o.FailedAssertion != 0 || o.FailedStep != -1 {
		t.Errorf("failed step/assertion = %d/%d", o.FailedStep, o.FailedAssertion)
	}
	if !strings.Contains(o.Cause, "admin-only marker for a customer") {
		t.Errorf("cause = %q", o.Cause)
	}
	if !strings.Contains(o.Diagnostic, "Acesso negado") {
		t.Errorf("diagnostic should show the denial page, got %q", o.Diagnostic)
	}
	if rep.OK() {
		t.Error("report should not be OK")
	}
}

func TestRun_StaleStatusAfterReloginFails(t *testing.T) {
	cfg := demoConfig(t, `
scenarios:
  - id: stale-status
    steps:
      - flow: login
        persona: loja
      - click: text=Avançar Status
      - flow: logout
      - flow: login
        persona: loja
    assertions:
      - expect: xpath=//tr[@id='order-1']/td[text()='Pendente']
        timeout: 300ms
        message: order 1 still pending
`)
	s := newSuite(t, cfg, Options{})

	rep, err := s.Run(context.Background(), "stale-status")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	stale := outcomeByID(t, rep, "stale-status")
	if stale.Status != scenario.Fail || stale.Kind != scenario.KindAssertionTimeout {
		t.Errorf("stale-status = %s/%s: %s", stale.Status, stale.Kind, stale.Cause)
	}
	if stale.StepsRun != 10 {
		t.Errorf("steps run = %d, want all 10", stale.StepsRun)
	}
}

func TestRun_RecordsHistoryAndSinks(t *testing.T) {
	cfg := demoConfig(t, `
scenarios:
  - id: always-fails
    start_url: /
    assertions:
      - expect: text=Nada disso existe
        timeout: 100ms
`)
	store := runlog.New(dbopen.OpenMemory(t, dbopen.WithSchema(runlog.Schema)))

	var (
		mu   sync.Mutex
		seen []string
	)
	var buf bytes.Buffer
	sink := NewRouter(nil,
		NewStdout(&buf),
		NewCallback(func(_ context.Context, o scenario.Outcome) error {
			mu.Lock()
			seen = append(seen, o.ScenarioID)
			mu.Unlock()
			return nil
		}),
	)
	s := newSuite(t, cfg, Options{History: store, Sink: sink})

	rep, err := s.Run(context.Background(), "tag:smoke", "always-fails")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rep.Outcomes) != 3 || rep.Passed != 2 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if len(seen) != 3 {
		t.Errorf("callback saw %v", seen)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("stdout lines = %d", len(lines))
	}
	for _, line := range lines {
		var o scenario.Outcome
		if err := json.Unmarshal([]byte(line), &o); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if o.RunID == "" || o.ScenarioID == "" {
			t.Errorf("incomplete outcome line %q", line)
		}
	}

	runs, err := store.Recent(context.Background(), runlog.Filter{Status: "fail"})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 || runs[0].ScenarioID != "always-fails" || runs[0].Kind != string(scenario.KindAssertionTimeout) {
		t.Errorf("failed runs = %+v", runs)
	}
	sums, err := store.Summaries(context.Background())
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 3 {
		t.Errorf("summaries = %+v", sums)
	}
}

func TestNew_ConfigLiteralGetsDefaults(t *testing.T) {
	drv := drivertest.New()
	drv.Routes["http://shop.test/"] = func(d *drivertest.Doc) {
		d.Set(driver.Query{Strategy: driver.Text, Expr: "Oi"}, &drivertest.Elem{Text: "Oi"})
	}
	cfg := &Config{
		BaseURL: "http://shop.test",
		Scenarios: []ScenarioConfig{{
			ID:         "home",
			StartURL:   "/",
			Assertions: []AssertionConfig{{Expect: "text=Oi", Timeout: time.Second}},
		}},
	}
	s := newSuite(t, cfg, Options{Driver: drv})
	if cfg.Parallel != 1 {
		t.Errorf("parallel = %d, want 1", cfg.Parallel)
	}

	done := make(chan Report, 1)
	go func() {
		rep, err := s.Run(context.Background())
		if err != nil {
			t.Errorf("Run: %v", err)
		}
		done <- rep
	}()
	select {
	case rep := <-done:
		if rep.Passed != 1 {
			t.Errorf("report = %+v", rep)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSelect(t *testing.T) {
	cfg := demoConfig(t, "")
	s := newSuite(t, cfg, Options{})

	all, err := s.Select()
	if err != nil || len(all) != len(s.Scenarios()) {
		t.Fatalf("select all = %d, %v", len(all), err)
	}

	got, err := s.Select("tag:smoke")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "login-customer" || got[1].ID != "cart-subtotal" {
		t.Errorf("tag:smoke = %+v", got)
	}

	// Catalog order wins over selector order; duplicates collapse.
	got, err = s.Select("super-dashboard", "login-customer", "tag:auth")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, sc := range got {
		ids = append(ids, sc.ID)
	}
	if strings.Join(ids, ",") != "login-customer,role-guard-customer,super-dashboard" {
		t.Errorf("ids = %v", ids)
	}

	for _, bad := range []string{"nope", "tag:nope"} {
		if _, err := s.Select(bad); err == nil {
			t.Errorf("Select(%q) should fail", bad)
		}
	}
	if _, err := s.Run(context.Background(), "nope"); err == nil {
		t.Error("Run with an unknown selector should fail")
	}
}

func TestNewDriver(t *testing.T) {
	for kind, want := range map[string]string{"": "rod", "rod": "rod", "Chrome": "rod", "http": "http"} {
		d, err := NewDriver(kind, nil)
		if err != nil {
			t.Fatalf("NewDriver(%q): %v", kind, err)
		}
		if d.Name() != want {
			t.Errorf("NewDriver(%q).Name() = %q", kind, d.Name())
		}
	}
	if _, err := NewDriver("selenium", nil); err == nil {
		t.Error("expected error for unknown driver")
	}
}

type failingSink struct{ closed bool }

func (f *failingSink) Send(context.Context, scenario.Outcome) error { return errors.New("down") }
func (f *failingSink) Close() error                                 { f.closed = true; return nil }

func TestRouter_FanOutDespiteErrors(t *testing.T) {
	bad := &failingSink{}
	var got int
	good := NewCallback(func(context.Context, scenario.Outcome) error { got++; return nil })
	r := NewRouter(nil, bad, good)

	err := r.Send(context.Background(), scenario.Outcome{RunID: "run_1"})
	if err == nil || err.Error() != "down" {
		t.Errorf("err = %v", err)
	}
	if got != 1 {
		t.Errorf("good sink calls = %d", got)
	}
	if err := r.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if !bad.closed {
		t.Error("failing sink not closed")
	}
	if err := NewCallback(nil).Send(context.Background(), scenario.Outcome{}); err != nil {
		t.Errorf("nil callback: %v", err)
	}
}
