// Package prune deletes a tag and its per-platform children from every
// configured container package.
package prune

import (
	"context"
	"sync/atomic"

	"github.com/nextstrain/ghcr-prune/pkg/image"
	"github.com/nextstrain/ghcr-prune/pkg/logging"
	"github.com/nextstrain/ghcr-prune/pkg/packages"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pruner deletes one tag across a fixed list of packages.
type Pruner struct {
	versions VersionService
	children image.ChildResolver
	opts     Options
}

// New creates a pruner. children decides which versions are deleted ahead of
// the tagged one.
func New(versions VersionService, children image.ChildResolver, opts Options) *Pruner {
	if children == nil {
		children = image.NoChildren{}
	}
	return &Pruner{
		versions: versions,
		children: children,
		opts:     opts.withDefaults(),
	}
}

// Run processes every package, even after failures, and returns their
// outcomes in configured order. The error wraps ErrIncomplete when any
// package failed.
func (p *Pruner) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		Tag:      p.opts.Tag,
		Outcomes: make([]PackageOutcome, len(p.opts.Packages)),
	}

	logging.Logger.Info("Deleting tag from packages",
		zap.String("org", p.opts.Organization),
		zap.String("tag", p.opts.Tag),
		zap.Strings("packages", p.opts.Packages),
		zap.String("resolution", string(p.children.Mode())),
		zap.String("policy", string(p.opts.Policy)),
		zap.Bool("dry_run", p.opts.DryRun))

	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, name := range p.opts.Packages {
		g.Go(func() error {
			result.Outcomes[i] = p.prunePackage(ctx, name)
			if result.Outcomes[i].Failed() {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := failed.Load(); n > 0 {
		logging.Logger.Error("Some package versions could not be deleted",
			zap.String("tag", p.opts.Tag),
			zap.Int32("failed_packages", n),
			zap.Int("packages", len(p.opts.Packages)))
		return result, result.Err()
	}

	logging.Logger.Info("Tag deleted from all packages",
		zap.String("tag", p.opts.Tag),
		zap.Int("packages", len(p.opts.Packages)))
	return result, nil
}

func (p *Pruner) prunePackage(ctx context.Context, packageName string) PackageOutcome {
	out := PackageOutcome{Package: packageName}
	log := logging.ForPackage(p.opts.Organization, packageName, p.opts.Tag)

	// Step 1: List versions
	versions, err := p.listVersions(ctx, packageName)
	if err != nil {
		log.Error("Could not list versions of package", zap.Error(err))
		out.fail(&ListingError{Package: packageName, Err: err})
		return out
	}
	log.Debug("Listed package versions", zap.Int("count", len(versions)))

	// Step 2: Find the tagged version; nothing is deleted without it
	primary, ok := packages.FindTagged(versions, p.opts.Tag)
	if !ok {
		log.Error("Tag was not found")
		out.fail(&NotFoundError{Package: packageName, Tag: p.opts.Tag})
		return out
	}
	target := Target{Package: packageName, VersionID: primary.ID, Label: p.opts.Tag}
	log.Info("Found tagged version", zap.Int64("version_id", primary.ID), zap.String("digest", primary.Name))

	// Step 3: Delete children ahead of the version that references them
	children, err := p.resolveChildren(ctx, packageName, versions)
	if err != nil {
		log.Error("Could not resolve platform versions, deleting tagged version only", zap.Error(err))
		out.fail(err)
	}
	for _, child := range children {
		p.deleteChild(ctx, log, &out, Target{Package: packageName, VersionID: child.ID, Label: childLabel(child)})
	}

	if p.opts.VerifyTagOwnership {
		if err := p.verifyOwnership(ctx, target); err != nil {
			log.Error("Tag ownership check failed", zap.Int64("version_id", primary.ID), zap.Error(err))
			out.fail(err)
			return out
		}
	}

	// Step 4: Delete the tagged version, falling back per policy
	p.deletePrimary(ctx, log, &out, target)
	return out
}

func (p *Pruner) resolveChildren(ctx context.Context, packageName string, versions []packages.Version) ([]packages.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()
	return p.children.ResolveChildren(ctx, packageName, p.opts.Tag, versions)
}

func (p *Pruner) deleteChild(ctx context.Context, log *zap.Logger, out *PackageOutcome, target Target) {
	log = log.With(zap.Int64("version_id", target.VersionID), zap.String("version", target.Label))

	if p.opts.DryRun {
		log.Info("Would delete platform version")
		out.Planned = append(out.Planned, target)
		return
	}

	log.Info("Deleting platform version")
	if err := p.deleteVersion(ctx, target); err != nil {
		log.Error("Could not delete platform version", zap.Error(err))
		out.fail(&DeleteError{Target: target, Err: err})
		return
	}
	log.Info("Deleted platform version")
	out.Deleted = append(out.Deleted, target)
}

func (p *Pruner) deletePrimary(ctx context.Context, log *zap.Logger, out *PackageOutcome, target Target) {
	log = log.With(zap.Int64("version_id", target.VersionID))

	if p.opts.DryRun {
		log.Info("Would delete tagged version")
		out.Planned = append(out.Planned, target)
		return
	}

	log.Info("Deleting tagged version")
	err := p.deleteVersion(ctx, target)
	switch {
	case err == nil:
		log.Info("Deleted tagged version")
		out.Deleted = append(out.Deleted, target)

	case packages.IsLastTaggedVersion(err):
		conflict := &LastTaggedVersionConflict{Target: target, Err: err}
		p.resolveConflict(ctx, log, out, conflict)

	default:
		log.Error("Could not delete tagged version", zap.Error(err))
		out.fail(&DeleteError{Target: target, Err: err})
	}
}

func (p *Pruner) resolveConflict(ctx context.Context, log *zap.Logger, out *PackageOutcome, conflict *LastTaggedVersionConflict) {
	switch p.opts.Policy {
	case PolicyDeletePackage:
		log.Info("Tagged version is the last one, deleting the package instead")
		if err := p.deletePackage(ctx, conflict.Target.Package); err != nil {
			log.Error("Could not delete package", zap.Error(err))
			out.fail(&PackageDeleteError{Package: conflict.Target.Package, Conflict: conflict, Err: err})
			return
		}
		log.Info("Deleted package")
		out.PackageDeleted = true
		out.Deleted = append(out.Deleted, conflict.Target)

	default:
		log.Info("Not deleting tagged version since that requires deleting the package")
		out.Retained = append(out.Retained, conflict.Target)
	}
}

// verifyOwnership re-lists versions and checks the tag still points at the
// version about to be deleted.
func (p *Pruner) verifyOwnership(ctx context.Context, target Target) error {
	versions, err := p.listVersions(ctx, target.Package)
	if err != nil {
		return &ListingError{Package: target.Package, Err: err}
	}
	current, ok := packages.FindTagged(versions, target.Label)
	if !ok {
		return &NotFoundError{Package: target.Package, Tag: target.Label}
	}
	if current.ID != target.VersionID {
		return &TagMovedError{Target: target, CurrentID: current.ID}
	}
	return nil
}

func (p *Pruner) listVersions(ctx context.Context, packageName string) ([]packages.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()
	return p.versions.ListVersions(ctx, packageName)
}

func (p *Pruner) deleteVersion(ctx context.Context, target Target) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()
	return p.versions.DeleteVersion(ctx, target.Package, target.VersionID)
}

func (p *Pruner) deletePackage(ctx context.Context, packageName string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	defer cancel()
	return p.versions.DeletePackage(ctx, packageName)
}

func childLabel(v packages.Version) string {
	if len(v.Tags) > 0 {
		return v.Tags[0]
	}
	return v.Name
}
