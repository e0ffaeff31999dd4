package packages

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v57/github"
	"github.com/nextstrain/ghcr-prune/pkg/logging"
	"go.uber.org/zap"
)

const (
	userAgent = "ghcr-prune"
	pageSize  = 100
)

// Client manages the container packages of a single organization.
type Client struct {
	gh           *github.Client
	organization string
}

// NewClient creates a management API client for organization.
// token is sent as a bearer token when non-empty; apiURL overrides the
// public API endpoint (GitHub Enterprise, tests) when non-empty.
func NewClient(httpClient *http.Client, organization, token, apiURL string) (*Client, error) {
	gh := github.NewClient(httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	gh.UserAgent = userAgent

	if apiURL != "" {
		base, err := url.Parse(strings.TrimSuffix(apiURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("failed to parse API URL %q: %w", apiURL, err)
		}
		gh.BaseURL = base
	}

	return &Client{gh: gh, organization: organization}, nil
}

// Organization returns the owner of the managed packages.
func (c *Client) Organization() string {
	return c.organization
}

// ListVersions returns every active version of the package, following
// pagination until the API reports no further page.
func (c *Client) ListVersions(ctx context.Context, packageName string) ([]Version, error) {
	opts := &github.PackageListOptions{
		State:       github.String("active"),
		ListOptions: github.ListOptions{PerPage: pageSize},
	}

	var versions []Version
	for {
		page, resp, err := c.gh.Organizations.PackageGetAllVersions(ctx, c.organization, PackageType, packageName, opts)
		if err != nil {
			return nil, classify(fmt.Sprintf("list versions of %s/%s", c.organization, packageName), err)
		}

		for _, pv := range page {
			versions = append(versions, fromGitHub(pv))
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	logging.Logger.Debug("Listed package versions",
		zap.String("org", c.organization),
		zap.String("package", packageName),
		zap.Int("count", len(versions)))

	return versions, nil
}

// DeleteVersion deletes one version by id. The API's refusal to delete the
// last tagged version is returned unchanged so IsLastTaggedVersion can detect it.
func (c *Client) DeleteVersion(ctx context.Context, packageName string, versionID int64) error {
	_, err := c.gh.Organizations.PackageDeleteVersion(ctx, c.organization, PackageType, packageName, versionID)
	return classify(fmt.Sprintf("delete version %d of %s/%s", versionID, c.organization, packageName), err)
}

// DeletePackage deletes the package with all of its versions and tags.
func (c *Client) DeletePackage(ctx context.Context, packageName string) error {
	_, err := c.gh.Organizations.DeletePackage(ctx, c.organization, PackageType, packageName)
	return classify(fmt.Sprintf("delete package %s/%s", c.organization, packageName), err)
}

func fromGitHub(pv *github.PackageVersion) Version {
	v := Version{
		ID:   pv.GetID(),
		Name: pv.GetName(),
	}
	if container := pv.GetMetadata().GetContainer(); container != nil {
		v.Tags = append([]string(nil), container.Tags...)
	}
	return v
}
