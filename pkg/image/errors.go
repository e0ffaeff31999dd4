package image

import (
	"errors"
	"fmt"
)

// ErrNotManifestList is returned when a tag resolves to something other than
// a multi-platform manifest list.
var ErrNotManifestList = errors.New("not a manifest list")

// ManifestFetchError is returned when the child digests of a tag cannot be
// determined.
type ManifestFetchError struct {
	Reference string
	Err       error
}

func (e *ManifestFetchError) Error() string {
	return fmt.Sprintf("could not fetch manifest list %s: %v", e.Reference, e.Err)
}

func (e *ManifestFetchError) Unwrap() error {
	return e.Err
}
