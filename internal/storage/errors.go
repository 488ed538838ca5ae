package storage

import (
	"errors"

	dErrors "cardvault/pkg/domain-errors"
	"cardvault/pkg/platform/sentinel"
)

// Translate maps a store sentinel onto a coded domain error. Unknown errors are
// wrapped as internal failures with msg as context.
func Translate(err error, notFound, msg string) error {
	switch {
	case err == nil:
		return nil
	case dErrors.CodeOf(err) != dErrors.CodeInternal:
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, notFound)
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "concurrent modification, retry the request")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
