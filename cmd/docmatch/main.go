// Package main implements the docmatch CLI: it serves the HTTP API,
// migrates the database, bootstraps tenants, ingests documentation and
// runs section searches from the command line.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/services"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file; empty means the default path.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docmatch",
	Short: "Semantic search over project documentation",
	Long: `docmatch stores documentation as embedded sections and answers
semantic section searches over them, per project and under row-level
access policies.

Configuration is read from ~/.config/docmatch/config.yaml (or --config)
and overridden by DOCMATCH_* environment variables.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("DOCMATCH_CONFIG"), "config file path")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openServices loads the config and builds every service.
func openServices(ctx context.Context) (services.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return services.Open(ctx, cfg, version)
}

// openStore opens only the store, for commands that need no embedder.
func openStore(ctx context.Context) (store.Store, *logging.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logCfg, err := logging.FromAppConfig(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}
	return st, logger, nil
}

// asToken resolves a bearer token to the principal it acts as.
func asToken(ctx context.Context, st store.Store, token string) (context.Context, policy.Principal, error) {
	if token == "" {
		return nil, policy.Principal{}, fmt.Errorf("a project token is required (--token or DOCMATCH_TOKEN)")
	}
	p, err := st.ResolveToken(ctx, token)
	if err != nil {
		return nil, policy.Principal{}, fmt.Errorf("resolving token: %w", err)
	}
	return policy.WithPrincipal(ctx, p), p, nil
}
