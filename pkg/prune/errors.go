package prune

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Run when at least one package failed.
var ErrIncomplete = errors.New("some package versions could not be deleted")

// ListingError means the versions of a package could not be enumerated; the
// package is skipped.
type ListingError struct {
	Package string
	Err     error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("could not list versions of package %s: %v", e.Package, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }

// NotFoundError means no version of the package holds the tag.
type NotFoundError struct {
	Package string
	Tag     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s:%s was not found", e.Package, e.Tag)
}

// DeleteError is a failed version delete.
type DeleteError struct {
	Target Target
	Err    error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("could not delete %s: %v", e.Target, e.Err)
}

func (e *DeleteError) Unwrap() error { return e.Err }

// LastTaggedVersionConflict is the API's refusal to delete the only tagged
// version left in a package.
type LastTaggedVersionConflict struct {
	Target Target
	Err    error
}

func (e *LastTaggedVersionConflict) Error() string {
	return fmt.Sprintf("%s is the last tagged version of its package", e.Target)
}

func (e *LastTaggedVersionConflict) Unwrap() error { return e.Err }

// PackageDeleteError is a failed whole-package delete after a
// LastTaggedVersionConflict.
type PackageDeleteError struct {
	Package  string
	Conflict *LastTaggedVersionConflict
	Err      error
}

func (e *PackageDeleteError) Error() string {
	return fmt.Sprintf("could not delete package %s: %v", e.Package, e.Err)
}

func (e *PackageDeleteError) Unwrap() error { return e.Err }

// TagMovedError means the tag pointed at another version when ownership was
// re-checked right before the delete.
type TagMovedError struct {
	Target    Target
	CurrentID int64
}

func (e *TagMovedError) Error() string {
	return fmt.Sprintf("%s moved to version %d before it could be deleted", e.Target, e.CurrentID)
}
