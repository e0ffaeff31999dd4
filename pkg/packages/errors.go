package packages

import (
	"errors"
	"fmt"

	"github.com/google/go-github/v57/github"
)

// LastTaggedVersionMessage is the exact message the API returns when asked to
// delete the only tagged version left in a package.
const LastTaggedVersionMessage = "You cannot delete the last tagged version of a package. You must delete the package instead."

// TransportError is returned when a request never produced an API response:
// dial failures, TLS errors, timeouts and cancellations.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsLastTaggedVersion reports whether err is the API's refusal to delete the
// last tagged version of a package. The API offers no error code for this, so
// the match is on the literal message.
func IsLastTaggedVersion(err error) bool {
	var apiErr *github.ErrorResponse
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Message == LastTaggedVersionMessage
}

// IsNotFound reports whether the API answered 404.
func IsNotFound(err error) bool {
	var apiErr *github.ErrorResponse
	if !errors.As(err, &apiErr) || apiErr.Response == nil {
		return false
	}
	return apiErr.Response.StatusCode == 404
}

// classify keeps API answers as they are and wraps everything else as a
// TransportError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var (
		apiErr   *github.ErrorResponse
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
	)
	switch {
	case errors.As(err, &apiErr), errors.As(err, &rateErr), errors.As(err, &abuseErr):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return &TransportError{Op: op, Err: err}
	}
}
