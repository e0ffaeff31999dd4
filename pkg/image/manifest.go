package image

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/nextstrain/ghcr-prune/pkg/logging"
	"github.com/nextstrain/ghcr-prune/pkg/packages"
	"go.uber.org/zap"
)

// DefaultRegistry is the GitHub Container registry host.
const DefaultRegistry = "ghcr.io"

// DigestFetcher returns the digests of the per-platform manifests referenced
// by a tagged manifest list.
type DigestFetcher interface {
	ChildDigests(ctx context.Context, packageName, tag string) ([]string, error)
}

// ManifestListFetcher reads manifest lists from an OCI distribution registry.
// The management API has no way to list the untagged per-platform versions
// of a multi-platform tag, so they are read from the registry instead.
type ManifestListFetcher struct {
	registry     string
	organization string
	options      []remote.Option
}

// NewManifestListFetcher creates a fetcher for <registry>/<organization>/<package>
// repositories. A nil transport uses the library default.
func NewManifestListFetcher(registry, organization string, auth authn.Authenticator, rt http.RoundTripper) *ManifestListFetcher {
	if registry == "" {
		registry = DefaultRegistry
	}

	options := []remote.Option{remote.WithAuth(auth)}
	if rt != nil {
		options = append(options, remote.WithTransport(rt))
	}

	return &ManifestListFetcher{
		registry:     registry,
		organization: organization,
		options:      options,
	}
}

// ChildDigests fetches the manifest list tagged tag and returns the digest of
// every manifest it references, in list order.
func (f *ManifestListFetcher) ChildDigests(ctx context.Context, packageName, tag string) ([]string, error) {
	refStr := fmt.Sprintf("%s/%s/%s:%s", f.registry, f.organization, packageName, tag)

	ref, err := name.NewTag(refStr)
	if err != nil {
		return nil, &ManifestFetchError{Reference: refStr, Err: fmt.Errorf("failed to parse reference: %w", err)}
	}

	logging.Logger.Debug("Fetching manifest list",
		zap.String("reference", ref.String()))

	desc, err := remote.Get(ref, append([]remote.Option{remote.WithContext(ctx)}, f.options...)...)
	if err != nil {
		return nil, &ManifestFetchError{Reference: ref.String(), Err: classifyRegistryError(ref, err)}
	}

	digests, err := childDigests(desc)
	if err != nil {
		return nil, &ManifestFetchError{Reference: ref.String(), Err: err}
	}

	logging.Logger.Debug("Manifest list fetched",
		zap.String("reference", ref.String()),
		zap.String("digest", desc.Digest.String()),
		zap.String("media_type", string(desc.MediaType)),
		zap.Strings("child_digests", digests))

	return digests, nil
}

// childDigests extracts child digests from a fetched descriptor. A body
// without a manifests array is a single-platform manifest, not a list.
func childDigests(desc *remote.Descriptor) ([]string, error) {
	if !desc.MediaType.IsIndex() {
		return nil, fmt.Errorf("%w: media type %s", ErrNotManifestList, desc.MediaType)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(desc.Manifest, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode manifest list: %w", err)
	}
	if _, ok := fields["manifests"]; !ok {
		return nil, fmt.Errorf("%w: missing manifests array", ErrNotManifestList)
	}

	index, err := v1.ParseIndexManifest(bytes.NewReader(desc.Manifest))
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest list: %w", err)
	}

	digests := make([]string, 0, len(index.Manifests))
	for _, m := range index.Manifests {
		digests = append(digests, m.Digest.String())
	}
	return digests, nil
}

// classifyRegistryError keeps registry answers and wraps failures that never
// reached the registry as transport errors.
func classifyRegistryError(ref name.Reference, err error) error {
	var regErr *transport.Error
	if errors.As(err, &regErr) {
		return err
	}
	return &packages.TransportError{Op: "get manifest " + ref.String(), Err: err}
}
