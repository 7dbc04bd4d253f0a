package policy

import (
	"fmt"
	"strings"
)

// Command is the statement kind a rule applies to.
type Command string

const (
	All    Command = "ALL"
	Select Command = "SELECT"
	Insert Command = "INSERT"
	Update Command = "UPDATE"
	Delete Command = "DELETE"
)

// Dialect selects how rule placeholders are rendered.
type Dialect int

const (
	// Postgres renders helpers as SQL functions reading transaction settings.
	Postgres Dialect = iota
	// SQLite renders helpers as inline subqueries over @uid and @pid.
	SQLite
)

// Rule is one permissive access rule on a table.
//
// Using and Check are SQL boolean expressions with placeholders:
//
//	{{t}}             the row being checked (table name or alias)
//	{{uid}}           the principal's user id
//	{{teams}}         a subquery of team ids the user belongs to
//	{{admin_teams}}   a subquery of team ids where the user is admin
//	{{created_teams}} a subquery of team ids the user created
//	{{projects}}      a subquery of project ids the principal can reach
type Rule struct {
	Name    string
	Table   string
	Command Command
	Using   string
	Check   string
}

// Rules is the access model. Rules on the same table and command are
// OR-ed together, like permissive postgres policies.
var Rules = []Rule{
	{
		Name: "users_self", Table: "users", Command: All,
		Using: "{{t}}.id = {{uid}}",
	},

	{
		Name: "teams_member_read", Table: "teams", Command: Select,
		Using: "{{t}}.id IN ({{teams}})",
	},
	{
		Name: "teams_create", Table: "teams", Command: Insert,
		Check: "{{t}}.created_by = {{uid}}",
	},
	{
		Name: "teams_admin_update", Table: "teams", Command: Update,
		Using: "{{t}}.id IN ({{admin_teams}})",
	},
	{
		Name: "teams_admin_delete", Table: "teams", Command: Delete,
		Using: "{{t}}.id IN ({{admin_teams}})",
	},

	{
		Name: "memberships_read", Table: "memberships", Command: Select,
		Using: "{{t}}.user_id = {{uid}} OR {{t}}.team_id IN ({{teams}})",
	},
	{
		Name: "memberships_grant", Table: "memberships", Command: Insert,
		Check: "{{t}}.team_id IN ({{admin_teams}}) OR {{t}}.team_id IN ({{created_teams}})",
	},
	{
		Name: "memberships_revoke", Table: "memberships", Command: Delete,
		Using: "{{t}}.team_id IN ({{admin_teams}})",
	},

	{
		Name: "projects_member_access", Table: "projects", Command: All,
		Using: "{{t}}.id IN ({{projects}})",
		Check: "{{t}}.team_id IN ({{teams}})",
	},

	{
		Name: "domains_project_access", Table: "domains", Command: All,
		Using: "{{t}}.project_id IN ({{projects}})",
	},
	{
		Name: "tokens_project_access", Table: "tokens", Command: All,
		Using: "{{t}}.project_id IN ({{projects}})",
	},
	{
		Name: "files_project_access", Table: "files", Command: All,
		Using: "{{t}}.project_id IN ({{projects}})",
	},
	{
		Name: "file_sections_project_access", Table: "file_sections", Command: All,
		Using: "{{t}}.file_id IN (SELECT id FROM files WHERE project_id IN ({{projects}}))",
	},
}

// Tables lists every table that carries rules, in schema order.
func Tables() []string {
	seen := make(map[string]bool)
	var tables []string
	for _, r := range Rules {
		if !seen[r.Table] {
			seen[r.Table] = true
			tables = append(tables, r.Table)
		}
	}
	return tables
}

// Render substitutes placeholders in expr for the dialect. alias names the
// row under test.
func Render(expr string, d Dialect, alias string) string {
	var r *strings.Replacer
	switch d {
	case Postgres:
		r = strings.NewReplacer(
			"{{t}}", alias,
			"{{uid}}", "app_uid()",
			"{{teams}}", "SELECT app_team_ids()",
			"{{admin_teams}}", "SELECT app_admin_team_ids()",
			"{{created_teams}}", "SELECT app_created_team_ids()",
			"{{projects}}", "SELECT app_project_ids()",
		)
	default:
		r = strings.NewReplacer(
			"{{t}}", alias,
			"{{uid}}", "@uid",
			"{{teams}}", "SELECT team_id FROM memberships WHERE user_id = @uid",
			"{{admin_teams}}", "SELECT team_id FROM memberships WHERE user_id = @uid AND type = 'admin'",
			"{{created_teams}}", "SELECT id FROM teams WHERE created_by = @uid",
			"{{projects}}", "SELECT id FROM projects WHERE team_id IN (SELECT team_id FROM memberships WHERE user_id = @uid) AND (@pid = '' OR id = @pid)",
		)
	}
	return r.Replace(expr)
}

func appliesTo(r Rule, cmd Command) bool {
	return r.Command == All || r.Command == cmd
}

// Using returns the read/visibility predicate for table and cmd rendered
// against alias. ok is false when no rule grants cmd on the table, in
// which case every row is denied.
func Using(table string, cmd Command, d Dialect, alias string) (pred string, ok bool) {
	var parts []string
	for _, r := range Rules {
		if r.Table != table || !appliesTo(r, cmd) || r.Using == "" {
			continue
		}
		parts = append(parts, "("+Render(r.Using, d, alias)+")")
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " OR "), true
}

// Check returns the predicate a new row must satisfy for an INSERT or
// UPDATE. Rules without an explicit Check fall back to Using, as postgres
// does.
func Check(table string, cmd Command, d Dialect, alias string) (pred string, ok bool) {
	var parts []string
	for _, r := range Rules {
		if r.Table != table || !appliesTo(r, cmd) {
			continue
		}
		expr := r.Check
		if expr == "" {
			expr = r.Using
		}
		if expr == "" {
			continue
		}
		parts = append(parts, "("+Render(expr, d, alias)+")")
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " OR "), true
}

// PostgresStatements renders Rules as CREATE POLICY statements granted to
// role. Existing policies with the same names are dropped first, so the
// output can be re-applied.
func PostgresStatements(role string) []string {
	stmts := make([]string, 0, len(Rules)*2+len(Tables())*2)
	for _, table := range Tables() {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ENABLE ROW LEVEL SECURITY", table))
	}
	for _, r := range Rules {
		stmts = append(stmts, fmt.Sprintf("DROP POLICY IF EXISTS %s ON %s", r.Name, r.Table))

		var b strings.Builder
		fmt.Fprintf(&b, "CREATE POLICY %s ON %s AS PERMISSIVE FOR %s TO %s", r.Name, r.Table, r.Command, role)
		switch r.Command {
		case Insert:
			fmt.Fprintf(&b, " WITH CHECK (%s)", Render(r.Check, Postgres, r.Table))
		case Select, Delete:
			fmt.Fprintf(&b, " USING (%s)", Render(r.Using, Postgres, r.Table))
		default:
			fmt.Fprintf(&b, " USING (%s)", Render(r.Using, Postgres, r.Table))
			if r.Check != "" {
				fmt.Fprintf(&b, " WITH CHECK (%s)", Render(r.Check, Postgres, r.Table))
			}
		}
		stmts = append(stmts, b.String())
	}
	return stmts
}
