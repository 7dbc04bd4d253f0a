// Docmatchd is the docmatch API daemon.
//
// It loads configuration from the file named by DOCMATCH_CONFIG (default
// ~/.config/docmatch/config.yaml) and DOCMATCH_* environment variables,
// applies pending migrations and serves the HTTP API until interrupted.
//
// Usage:
//
//	# Start with defaults (sqlite, OpenAI embeddings)
//	docmatchd
//
//	# Configure via environment
//	DOCMATCH_DATABASE_DRIVER=postgres DOCMATCH_DATABASE_DSN=postgres://... docmatchd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	httpapi "github.com/fyrsmithlabs/docmatch/internal/http"
	"github.com/fyrsmithlabs/docmatch/internal/services"
	"go.uber.org/zap"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  docmatchd           Start the docmatch daemon\n")
			fmt.Fprintf(os.Stderr, "  docmatchd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func printVersion() {
	fmt.Printf("docmatchd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run builds every service, migrates and serves until ctx is cancelled.
func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("DOCMATCH_CONFIG"))
	if err != nil {
		return err
	}

	reg, err := services.Open(ctx, cfg, version)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	defer func() {
		if err := reg.Close(context.Background()); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()
	logger := reg.Logger()

	if err := reg.Store().Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	srv, err := httpapi.NewServer(reg.Store(), reg.Search(), reg.Ingest(), logger, httpapi.ConfigFromApp(cfg.Server))
	if err != nil {
		return err
	}

	logger.Info(ctx, "starting docmatchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()),
	)
	return srv.Start(ctx)
}
