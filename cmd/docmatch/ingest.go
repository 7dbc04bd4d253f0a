package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/ingest"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	ingestToken    string
	ingestForce    bool
	ingestPrune    bool
	ingestWatch    bool
	ingestDebounce time.Duration
)

func init() {
	ingestCmd.Flags().StringVar(&ingestToken, "token", os.Getenv("DOCMATCH_TOKEN"), "project token")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "re-embed files whose checksum is unchanged")
	ingestCmd.Flags().BoolVar(&ingestPrune, "prune", false, "remove stored files that no longer exist")
	ingestCmd.Flags().BoolVar(&ingestWatch, "watch", false, "keep running and re-ingest files as they change")
	ingestCmd.Flags().DurationVar(&ingestDebounce, "debounce", ingest.DefaultDebounce, "quiet period before re-ingesting a changed file")

	rootCmd.AddCommand(ingestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Ingest a documentation directory into a project",
	Long: `Split every markdown file under dir into sections, embed them and
store them in the token's project.

Files matched by .gitignore or .docmatchignore are skipped. Credentials
are redacted unless allowlisted in dir/.gitleaks.toml.

Examples:
  docmatch ingest ./docs --token tk_...
  docmatch ingest ./docs --prune --watch`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer reg.Close(context.Background())

	ctx, principal, err := asToken(ctx, reg.Store(), ingestToken)
	if err != nil {
		return err
	}

	res, err := reg.Ingest().IngestDir(ctx, principal.ProjectID, args[0], ingest.DirOptions{
		Force: ingestForce,
		Prune: ingestPrune,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ingested %d files (%d sections), skipped %d, removed %d, redacted %d secrets in %s\n",
		res.Ingested, res.Sections, res.Skipped, res.Removed, res.Redacted, res.Elapsed.Round(time.Millisecond))
	for _, f := range res.Failed {
		fmt.Fprintf(out, "failed: %s\n", f)
	}

	if !ingestWatch {
		if len(res.Failed) > 0 {
			return fmt.Errorf("%d files failed", len(res.Failed))
		}
		return nil
	}

	w, err := reg.Ingest().NewWatcher(principal.ProjectID, args[0], ingestDebounce)
	if err != nil {
		return err
	}
	w.Synced = func(paths []string) {
		for _, p := range paths {
			fmt.Fprintf(out, "synced: %s\n", p)
		}
	}
	reg.Logger().Info(ctx, "watching for changes", zap.String("root", res.Root))
	return w.Run(ctx)
}
