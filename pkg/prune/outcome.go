package prune

import (
	"errors"
	"fmt"
)

// Target is one version selected for deletion, with the tag or digest it was
// matched by.
type Target struct {
	Package   string
	VersionID int64
	Label     string
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s (version %d)", t.Package, t.Label, t.VersionID)
}

// PackageOutcome records everything that happened to one package.
type PackageOutcome struct {
	Package string

	// Deleted holds children first, then the tagged version.
	Deleted []Target
	// Retained holds the tagged version when it was kept under PolicyKeepOne.
	Retained []Target
	// Planned holds the deletes a dry run would have issued.
	Planned []Target
	// PackageDeleted is set when the whole package was deleted.
	PackageDeleted bool

	Errors []error
}

// Failed reports whether any step for the package failed.
func (o *PackageOutcome) Failed() bool {
	return len(o.Errors) > 0
}

// Err joins the package's errors, nil when it succeeded.
func (o *PackageOutcome) Err() error {
	return errors.Join(o.Errors...)
}

func (o *PackageOutcome) fail(err error) {
	o.Errors = append(o.Errors, err)
}

// Result holds one outcome per configured package, in configured order.
type Result struct {
	Tag      string
	Outcomes []PackageOutcome
}

// Failed returns the outcomes of packages that failed.
func (r *Result) Failed() []PackageOutcome {
	var failed []PackageOutcome
	for _, o := range r.Outcomes {
		if o.Failed() {
			failed = append(failed, o)
		}
	}
	return failed
}

// Outcome returns the outcome of packageName.
func (r *Result) Outcome(packageName string) (PackageOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Package == packageName {
			return o, true
		}
	}
	return PackageOutcome{}, false
}

// Err wraps ErrIncomplete around every package error, nil when all
// packages succeeded.
func (r *Result) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}

	errs := make([]error, 0, len(failed))
	for _, o := range failed {
		errs = append(errs, o.Err())
	}
	return fmt.Errorf("%w: %d of %d packages failed: %w", ErrIncomplete, len(failed), len(r.Outcomes), errors.Join(errs...))
}
