package scenario

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hazyhaar/storeprobe/driver"
)

// BestEffort runs fn and swallows load-state failures, logging them at
// debug level. Any other error is returned unchanged.
func BestEffort(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrLoadState) {
		if log == nil {
			log = slog.Default()
		}
		log.Debug("runner: best-effort wait skipped", "op", op, "error", err)
		return nil
	}
	return err
}
