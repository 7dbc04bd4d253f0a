package main

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/spf13/cobra"
)

var (
	bootstrapEmail   string
	bootstrapName    string
	bootstrapTeam    string
	bootstrapProject string
	bootstrapDomains []string
)

func init() {
	bootstrapCmd.Flags().StringVar(&bootstrapEmail, "email", "", "owner email (required)")
	bootstrapCmd.Flags().StringVar(&bootstrapName, "name", "", "owner full name")
	bootstrapCmd.Flags().StringVar(&bootstrapTeam, "team", "", "team name (defaults to a personal team)")
	bootstrapCmd.Flags().StringVar(&bootstrapProject, "project", "Docs", "project name")
	bootstrapCmd.Flags().StringSliceVar(&bootstrapDomains, "domain", nil, "domain allowed to use the public key (repeatable)")
	_ = bootstrapCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(bootstrapCmd)
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create a user, team, project and API token",
	Long: `Create an owner with a team and a project, register the domains
allowed to use the project's public key, and issue a bearer token.

The token and keys are printed once; store them safely.

Examples:
  docmatch bootstrap --email ada@example.com --project Handbook --domain docs.example.com`,
	Args: cobra.NoArgs,
	RunE: runBootstrap,
}

type bootstrapResult struct {
	user    model.User
	team    model.Team
	project model.Project
	token   model.Token
}

func runBootstrap(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating: %w", err)
	}

	res := bootstrapResult{
		user: model.User{Email: bootstrapEmail, FullName: bootstrapName},
	}
	if err := st.CreateUser(ctx, &res.user); err != nil {
		return fmt.Errorf("creating user: %w", err)
	}
	ctx = policy.WithPrincipal(ctx, policy.Principal{UserID: res.user.ID})

	res.team = model.Team{Name: bootstrapTeam}
	if res.team.Name == "" {
		res.team.Name = "Personal"
		res.team.IsPersonal = true
	}
	if err := st.CreateTeam(ctx, &res.team); err != nil {
		return fmt.Errorf("creating team: %w", err)
	}

	res.project = model.Project{Name: bootstrapProject, TeamID: res.team.ID}
	if err := st.CreateProject(ctx, &res.project); err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	if err := addDomains(ctx, st, res.project, bootstrapDomains); err != nil {
		return err
	}

	res.token = model.Token{ProjectID: res.project.ID}
	if err := st.CreateToken(ctx, &res.token); err != nil {
		return fmt.Errorf("creating token: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "user:        %s\n", res.user.ID)
	fmt.Fprintf(out, "team:        %s (%s)\n", res.team.ID, res.team.Slug)
	fmt.Fprintf(out, "project:     %s (%s)\n", res.project.ID, res.project.Slug)
	fmt.Fprintf(out, "public key:  %s\n", res.project.PublicAPIKey)
	fmt.Fprintf(out, "dev key:     %s\n", res.project.PrivateDevAPIKey)
	fmt.Fprintf(out, "token:       %s\n", res.token.Value)
	return nil
}

func addDomains(ctx context.Context, st store.Store, project model.Project, domains []string) error {
	for _, name := range domains {
		if err := st.AddDomain(ctx, &model.Domain{Name: name, ProjectID: project.ID}); err != nil {
			return fmt.Errorf("adding domain %s: %w", name, err)
		}
	}
	return nil
}
