package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nextstrain/ghcr-prune/pkg/config"
	"github.com/nextstrain/ghcr-prune/pkg/httpclient"
	"github.com/nextstrain/ghcr-prune/pkg/image"
	"github.com/nextstrain/ghcr-prune/pkg/logging"
	"github.com/nextstrain/ghcr-prune/pkg/packages"
	"github.com/nextstrain/ghcr-prune/pkg/prune"
)

const tokenEnv = "GITHUB_TOKEN"

type rootOptions struct {
	configPath string
	tag        string
	token      string
	dryRun     bool
	packages   []string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "ghcr-prune",
		Short: "Delete a tag from GitHub Container registry packages",
		Long: `ghcr-prune deletes one tag from every configured package of an organization
on the GitHub Container registry, together with the per-platform versions of
a multi-platform image.

The GitHub token is read from --token or the ` + tokenEnv + ` environment variable
and needs the delete:packages scope.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.Flags().Changed("dry-run"))
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "ghcr-prune.yaml", "Path to configuration file")
	flags.StringVar(&opts.tag, "tag", "", "Tag to delete")
	flags.StringVar(&opts.token, "token", "", "GitHub token (default $"+tokenEnv+")")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "List what would be deleted without deleting")
	flags.StringArrayVar(&opts.packages, "package", nil, "Package to prune, repeatable (overrides the configured list)")
	_ = cmd.MarkFlagRequired("tag")

	return cmd
}

func run(ctx context.Context, opts *rootOptions, dryRunSet bool) error {
	if opts.tag == "" {
		return fmt.Errorf("--tag must not be empty")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if len(opts.packages) > 0 {
		cfg.Packages = opts.packages
	}
	if dryRunSet {
		cfg.DryRun = opts.dryRun
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logging.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logging.Logger.Sync() }()
	logging.WithRun(uuid.NewString())

	token := opts.token
	if token == "" {
		token = os.Getenv(tokenEnv)
	}
	if token == "" {
		logging.Logger.Warn("No GitHub token configured, deletes will be refused")
	}

	httpClient := httpclient.New(ctx, cfg.RequestTimeout)

	api, err := packages.NewClient(httpClient, cfg.Organization, token, cfg.APIURL)
	if err != nil {
		return err
	}

	var fetcher image.DigestFetcher
	if cfg.Resolution == image.ModeManifestList {
		fetcher = image.NewManifestListFetcher(cfg.Registry, cfg.Organization, image.RegistryAuth(token), httpClient.Transport)
	}
	resolver, err := image.NewResolver(cfg.Resolution, fetcher, cfg.Platforms)
	if err != nil {
		return err
	}

	result, err := prune.New(api, resolver, cfg.ProcessOptions(opts.tag)).Run(ctx)
	logSummary(result)
	return err
}

func logSummary(result *prune.Result) {
	if result == nil {
		return
	}
	for _, o := range result.Outcomes {
		fields := []zap.Field{
			zap.String("package", o.Package),
			zap.Int("deleted", len(o.Deleted)),
			zap.Int("retained", len(o.Retained)),
			zap.Int("planned", len(o.Planned)),
			zap.Bool("package_deleted", o.PackageDeleted),
		}
		if o.Failed() {
			logging.Logger.Error("Package summary", append(fields, zap.Error(o.Err()))...)
			continue
		}
		logging.Logger.Info("Package summary", fields...)
	}
}
