// Package packages talks to the GitHub Packages management API for
// container packages owned by an organization.
package packages

import "slices"

// PackageType is the only package type this client manages.
const PackageType = "container"

// Version is one immutable package version. Name holds the content digest
// (sha256:...) and Tags the human tags currently pointing at it.
type Version struct {
	ID   int64
	Name string
	Tags []string
}

// HasTag reports whether tag currently points at the version.
func (v Version) HasTag(tag string) bool {
	return slices.Contains(v.Tags, tag)
}

// HasAnyTag reports whether any of tags currently points at the version.
func (v Version) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if v.HasTag(t) {
			return true
		}
	}
	return false
}

// FindTagged returns the first version holding tag. The registry moves a tag
// atomically on push, so at most one version is expected to match.
func FindTagged(versions []Version, tag string) (Version, bool) {
	for _, v := range versions {
		if v.HasTag(tag) {
			return v, true
		}
	}
	return Version{}, false
}
