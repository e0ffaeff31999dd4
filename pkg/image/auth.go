package image

import (
	"encoding/base64"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/nextstrain/ghcr-prune/pkg/logging"
)

// RegistryAuth returns the authenticator for the registry's manifest API.
// GHCR accepts a GitHub token as a bearer credential once base64 encoded,
// which skips the registry's token exchange.
// An empty token falls back to anonymous access, which only works for
// public packages.
func RegistryAuth(token string) authn.Authenticator {
	if token == "" {
		logging.Logger.Warn("No registry token configured, using anonymous access")
		return authn.Anonymous
	}

	return authn.FromConfig(authn.AuthConfig{
		RegistryToken: base64.StdEncoding.EncodeToString([]byte(token)),
	})
}
