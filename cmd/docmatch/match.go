package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/search"
	"github.com/spf13/cobra"
)

var (
	matchToken     string
	matchThreshold float64
	matchCount     int
	matchMinLength int
	matchJSON      bool
)

func init() {
	matchCmd.Flags().StringVar(&matchToken, "token", os.Getenv("DOCMATCH_TOKEN"), "project token")
	matchCmd.Flags().Float64Var(&matchThreshold, "threshold", 0, "similarity threshold (default from config)")
	matchCmd.Flags().IntVar(&matchCount, "count", 0, "maximum number of sections (default from config)")
	matchCmd.Flags().IntVar(&matchMinLength, "min-length", 0, "minimum section length in characters (default from config)")
	matchCmd.Flags().BoolVar(&matchJSON, "json", false, "print results as JSON")

	rootCmd.AddCommand(matchCmd)
}

var matchCmd = &cobra.Command{
	Use:   "match <query>",
	Short: "Find the sections most similar to a query",
	Long: `Embed query and print the sections of the token's project whose
similarity exceeds the threshold, most similar first.

Examples:
  docmatch match "how do I configure the CLI" --token tk_...
  docmatch match "install" --count 3 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMatch,
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	reg, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer reg.Close(context.Background())

	ctx, _, err = asToken(ctx, reg.Store(), matchToken)
	if err != nil {
		return err
	}

	req := search.Request{Query: strings.Join(args, " ")}
	if cmd.Flags().Changed("threshold") {
		req.Threshold = &matchThreshold
	}
	if cmd.Flags().Changed("count") {
		req.Count = &matchCount
	}
	if cmd.Flags().Changed("min-length") {
		req.MinContentLength = &matchMinLength
	}

	matches, err := reg.Search().Match(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if matchJSON {
		if matches == nil {
			matches = []model.Match{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(matches)
	}
	if len(matches) == 0 {
		fmt.Fprintln(out, "no sections matched")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIMILARITY\tPATH\tTOKENS\tCONTENT")
	for _, m := range matches {
		fmt.Fprintf(tw, "%.4f\t%s\t%d\t%s\n", m.Similarity, m.Path, m.TokenCount, preview(m.Content, 60))
	}
	return tw.Flush()
}

// preview returns the first line of s, cut to n runes.
func preview(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
