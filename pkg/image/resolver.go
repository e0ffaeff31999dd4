package image

import (
	"context"
	"fmt"

	"github.com/nextstrain/ghcr-prune/pkg/logging"
	"github.com/nextstrain/ghcr-prune/pkg/packages"
	"go.uber.org/zap"
)

// Mode selects how the per-platform children of a tag are found.
type Mode string

const (
	// ModeManifestList reads the tag's manifest list from the registry and
	// matches child digests against version names.
	ModeManifestList Mode = "manifest-list"
	// ModeDerivedTag matches versions tagged <tag>-<platform>.
	ModeDerivedTag Mode = "derived-tag"
	// ModeNone resolves no children.
	ModeNone Mode = "none"
)

// ChildResolver selects the versions that must be deleted before the version
// holding tag itself.
type ChildResolver interface {
	Mode() Mode
	ResolveChildren(ctx context.Context, packageName, tag string, versions []packages.Version) ([]packages.Version, error)
}

// NewResolver returns the resolver for mode.
func NewResolver(mode Mode, fetcher DigestFetcher, platforms []string) (ChildResolver, error) {
	switch mode {
	case ModeManifestList:
		if fetcher == nil {
			return nil, fmt.Errorf("mode %s requires a manifest fetcher", mode)
		}
		return &ManifestListResolver{fetcher: fetcher}, nil
	case ModeDerivedTag:
		if len(platforms) == 0 {
			return nil, fmt.Errorf("mode %s requires at least one platform", mode)
		}
		return &DerivedTagResolver{platforms: platforms}, nil
	case ModeNone, "":
		return NoChildren{}, nil
	default:
		return nil, fmt.Errorf("unknown resolution mode %q", mode)
	}
}

// ManifestListResolver selects the versions named by the digests in the
// tag's manifest list.
type ManifestListResolver struct {
	fetcher DigestFetcher
}

func (r *ManifestListResolver) Mode() Mode {
	return ModeManifestList
}

// ResolveChildren fetches the manifest list and returns the versions whose
// name is one of its child digests. Digests without a version are logged and
// skipped.
func (r *ManifestListResolver) ResolveChildren(ctx context.Context, packageName, tag string, versions []packages.Version) ([]packages.Version, error) {
	digests, err := r.fetcher.ChildDigests(ctx, packageName, tag)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(digests))
	for _, d := range digests {
		wanted[d] = true
	}

	children := selectChildren(versions, tag, func(v packages.Version) bool {
		return wanted[v.Name]
	})

	if len(children) < len(wanted) {
		found := make(map[string]bool, len(children))
		for _, c := range children {
			found[c.Name] = true
		}
		for _, d := range digests {
			if !found[d] {
				logging.Logger.Debug("Child manifest has no package version",
					zap.String("package", packageName),
					zap.String("tag", tag),
					zap.String("digest", d))
			}
		}
	}

	return children, nil
}

// DerivedTagResolver selects versions tagged <tag>-<platform> for a fixed
// list of platform suffixes.
type DerivedTagResolver struct {
	platforms []string
}

func (r *DerivedTagResolver) Mode() Mode {
	return ModeDerivedTag
}

// ResolveChildren never touches the network.
func (r *DerivedTagResolver) ResolveChildren(_ context.Context, _ string, tag string, versions []packages.Version) ([]packages.Version, error) {
	candidates := DerivedTags(tag, r.platforms)
	return selectChildren(versions, tag, func(v packages.Version) bool {
		return v.HasAnyTag(candidates)
	}), nil
}

// DerivedTags returns the platform tags of tag, e.g. v1 -> v1-amd64, v1-arm64.
func DerivedTags(tag string, platforms []string) []string {
	tags := make([]string, 0, len(platforms))
	for _, p := range platforms {
		tags = append(tags, tag+"-"+p)
	}
	return tags
}

// NoChildren is used for single-platform images.
type NoChildren struct{}

func (NoChildren) Mode() Mode {
	return ModeNone
}

func (NoChildren) ResolveChildren(context.Context, string, string, []packages.Version) ([]packages.Version, error) {
	return nil, nil
}

// selectChildren keeps matching versions in list order, once per id. The
// version holding tag is the parent and is never its own child.
func selectChildren(versions []packages.Version, tag string, match func(packages.Version) bool) []packages.Version {
	var children []packages.Version
	seen := make(map[int64]bool)
	for _, v := range versions {
		if seen[v.ID] || v.HasTag(tag) || !match(v) {
			continue
		}
		seen[v.ID] = true
		children = append(children, v)
	}
	return children
}
