package prune

import (
	"context"
	"time"

	"github.com/nextstrain/ghcr-prune/pkg/packages"
)

// Policy decides what happens when the API refuses to delete the last tagged
// version of a package.
type Policy string

const (
	// PolicyKeepOne leaves the version in place and does not count it as a
	// failure. Deleting the whole package instead has been seen to cause
	// transient 403s for workflows that push to it right after.
	PolicyKeepOne Policy = "keep-one"
	// PolicyDeletePackage deletes the whole package instead.
	PolicyDeletePackage Policy = "delete-package"
)

// DefaultRequestTimeout bounds an API round trip when Options.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// VersionService is the part of the management API the pruner drives.
type VersionService interface {
	ListVersions(ctx context.Context, packageName string) ([]packages.Version, error)
	DeleteVersion(ctx context.Context, packageName string, versionID int64) error
	DeletePackage(ctx context.Context, packageName string) error
}

// Options configures one run.
type Options struct {
	Organization string
	Packages     []string
	Tag          string
	Policy       Policy

	// RequestTimeout bounds every API round trip. Zero uses DefaultRequestTimeout.
	RequestTimeout time.Duration
	// Concurrency is the number of packages processed at once. Values below
	// one mean one.
	Concurrency int
	// VerifyTagOwnership re-lists versions right before deleting the tagged
	// version and skips the delete if the tag has moved.
	VerifyTagOwnership bool
	// DryRun lists and resolves but issues no delete calls.
	DryRun bool
}

func (o Options) withDefaults() Options {
	if o.Policy == "" {
		o.Policy = PolicyKeepOne
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	return o
}
