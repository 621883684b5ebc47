package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/storeprobe/poll"
)

// busyRetry bounds how long a writer keeps retrying a locked database on top
// of SQLite's own busy_timeout.
var busyRetry = poll.Options{Timeout: 600 * time.Millisecond, Interval: 100 * time.Millisecond}

// IsBusy reports whether err is SQLite refusing a lock.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// retryBusy calls fn until it succeeds or fails with something other than
// a lock error.
func retryBusy(ctx context.Context, fn func() error) error {
	err := poll.Until(ctx, busyRetry, func(context.Context) error {
		err := fn()
		if err != nil && !IsBusy(err) {
			return poll.Stop(err)
		}
		return err
	})
	return unwrapStop(err)
}

// RunTx runs fn in a transaction, retrying the whole transaction while the
// database is locked. fn's error rolls back and is returned as is.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return retryBusy(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs a single statement, retrying while the database is locked.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryBusy(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// unwrapStop strips the poll.Stop marker so callers see fn's own error.
func unwrapStop(err error) error {
	type multi interface{ Unwrap() []error }
	if m, ok := err.(multi); ok {
		if errs := m.Unwrap(); len(errs) == 2 && errs[0] == poll.ErrStop {
			return errs[1]
		}
	}
	return err
}
