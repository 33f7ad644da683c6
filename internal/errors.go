package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared across tiers. Callers should match with errors.Is
// rather than comparing directly, because tiers wrap these with context.
var (
	// errNotFound means no tier had data for the identifier. It is a
	// terminal non-error for most read paths.
	errNotFound = statusErr(http.StatusNotFound)

	// errDisabled means the tier is configured off. Terminal non-error.
	errDisabled = errors.New("tier disabled")

	// errTransient marks failures that are safe to retry.
	errTransient = errors.New("transient failure")

	// errPermanent marks failures that must not be retried.
	errPermanent = errors.New("permanent failure")

	// errParse means a payload existed but could not be interpreted.
	errParse = errors.New("unparseable payload")

	// errConflict is returned on unique-constraint violations (slug,
	// external ID).
	errConflict = errors.New("conflict")

	errBadRequest = statusErr(http.StatusBadRequest)
)

// statusErr is an error carrying an upstream HTTP status code.
type statusErr int

func (s statusErr) Error() string {
	return fmt.Sprintf("status %d", int(s))
}

// Status returns the underlying status code.
func (s statusErr) Status() int {
	return int(s)
}

// transient reports whether err is worth retrying. Upstream 5XX, timeouts
// and cancellations short of the caller's own deadline count; 4XX does not.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var status statusErr
	if errors.As(err, &status) {
		return status.Status() >= 500 || status.Status() == http.StatusTooManyRequests
	}
	return false
}
