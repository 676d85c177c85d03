package db

import (
	"context"

	"github.com/pkg/errors"
	errs "github.com/techagentng/expertchat/errors"
	"gorm.io/gorm"
)

// storeError maps a gorm/driver error onto the service taxonomy. Errors that already
// belong to the taxonomy pass through untouched.
func storeError(err error, what string) error {
	if err == nil {
		return nil
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.NotFound("%s not found", what)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Transient(err, what+": request cancelled")
	}
	return errs.Transient(errors.Wrap(err, what), "store temporarily unavailable")
}
