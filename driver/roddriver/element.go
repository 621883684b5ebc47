package roddriver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/storeprobe/driver"
)

type element struct {
	el *rod.Element
}

// Fill replaces the control's value. Selects pick the option by text.
func (e *element) Fill(ctx context.Context, value string) error {
	el := e.el.Context(ctx)
	tag, err := el.Eval(`() => this.tagName.toLowerCase()`)
	if err != nil {
		return mapErr(err)
	}
	if tag.Value.Str() == "select" {
		return mapErr(el.Select([]string{value}, true, rod.SelectorTypeText))
	}
	if _, err := el.Interactable(); err != nil {
		return mapErr(err)
	}
	if err := el.SelectAllText(); err != nil {
		return mapErr(err)
	}
	// Input on a full selection replaces it; an empty value clears.
	return mapErr(el.Input(value))
}

func (e *element) Click(ctx context.Context) error {
	el := e.el.Context(ctx)
	if _, err := el.Interactable(); err != nil {
		return mapErr(err)
	}
	return mapErr(el.Click(proto.InputMouseButtonLeft, 1))
}

func (e *element) Visible(ctx context.Context) (bool, error) {
	v, err := e.el.Context(ctx).Visible()
	return v, mapErr(err)
}

func (e *element) Text(ctx context.Context) (string, error) {
	s, err := e.el.Context(ctx).Text()
	return s, mapErr(err)
}

// mapErr translates rod failures into the driver taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var (
		notInteractable *rod.NotInteractableError
		invisible       *rod.InvisibleShapeError
		covered         *rod.CoveredError
	)
	switch {
	case errors.As(err, &notInteractable), errors.As(err, &invisible), errors.As(err, &covered):
		return fmt.Errorf("%w: %v", driver.ErrNotInteractable, err)
	case isDetached(err):
		return fmt.Errorf("%w: %v", driver.ErrDetached, err)
	}
	return err
}

// isDetached reports errors Chrome raises for nodes or execution contexts
// that no longer exist, typically after a navigation.
func isDetached(err error) bool {
	var notFound *rod.ObjectNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	var ce *cdp.Error
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.Message)
	for _, s := range []string{"detached", "does not belong to the document", "could not find node", "cannot find context", "no node with given id"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
