package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	httpapi "github.com/fyrsmithlabs/docmatch/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveMigrate bool

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply pending migrations before serving")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the docmatch HTTP API until interrupted.

Endpoints:
  GET    /health
  GET    /metrics
  POST   /v1/match      bearer token or projectKey + Origin
  POST   /v1/files      bearer token
  DELETE /v1/files      bearer token`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer reg.Close(context.Background())

	if serveMigrate {
		if err := reg.Store().Migrate(ctx); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}

	srv, err := httpapi.NewServer(reg.Store(), reg.Search(), reg.Ingest(), reg.Logger(), httpapi.ConfigFromApp(reg.Config().Server))
	if err != nil {
		return err
	}
	reg.Logger().Info(ctx, "docmatch serving", zap.String("version", version))
	return srv.Start(ctx)
}
