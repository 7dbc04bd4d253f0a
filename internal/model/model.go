// Package model holds the docmatch domain types and the generators for
// their default column values.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MembershipType is a user's role in a team.
type MembershipType string

const (
	Viewer MembershipType = "viewer"
	Admin  MembershipType = "admin"
)

// Valid reports whether t is a known membership type.
func (t MembershipType) Valid() bool {
	return t == Viewer || t == Admin
}

type User struct {
	ID                        uuid.UUID `json:"id"`
	Email                     string    `json:"email"`
	FullName                  string    `json:"full_name,omitempty"`
	AvatarURL                 string    `json:"avatar_url,omitempty"`
	HasCompletedOnboarding    bool      `json:"has_completed_onboarding"`
	SubscribeToProductUpdates bool      `json:"subscribe_to_product_updates"`
	InsertedAt                time.Time `json:"inserted_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

type Team struct {
	ID         uuid.UUID `json:"id"`
	Slug       string    `json:"slug"`
	Name       string    `json:"name"`
	IsPersonal bool      `json:"is_personal"`
	CreatedBy  uuid.UUID `json:"created_by"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Project belongs to a team and owns files, domains and tokens.
type Project struct {
	ID               uuid.UUID `json:"id"`
	Slug             string    `json:"slug"`
	Name             string    `json:"name"`
	PublicAPIKey     string    `json:"public_api_key"`
	PrivateDevAPIKey string    `json:"-"`
	TeamID           uuid.UUID `json:"team_id"`
	CreatedBy        uuid.UUID `json:"created_by"`
	IsStarter        bool      `json:"is_starter"`
	GithubRepo       string    `json:"github_repo,omitempty"`
	InsertedAt       time.Time `json:"inserted_at"`
}

type Membership struct {
	ID         uuid.UUID      `json:"id"`
	UserID     uuid.UUID      `json:"user_id"`
	TeamID     uuid.UUID      `json:"team_id"`
	Type       MembershipType `json:"type"`
	InsertedAt time.Time      `json:"inserted_at"`
}

// Domain is a host allowed to use a project's public key.
type Domain struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	ProjectID  uuid.UUID `json:"project_id"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Token is a bearer credential scoped to one project.
type Token struct {
	ID         int64     `json:"id"`
	Value      string    `json:"-"`
	ProjectID  uuid.UUID `json:"project_id"`
	CreatedBy  uuid.UUID `json:"created_by"`
	InsertedAt time.Time `json:"inserted_at"`
}

// File is a source document. Meta holds parsed front matter.
type File struct {
	ID        int64           `json:"id"`
	Path      string          `json:"path"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Checksum  string          `json:"checksum"`
	ProjectID uuid.UUID       `json:"project_id"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Section is a chunk of a file with its embedding. Embedding may be nil
// for a section that has not been embedded yet.
type Section struct {
	ID         int64     `json:"id"`
	FileID     int64     `json:"file_id"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	Embedding  []float32 `json:"-"`
}

// Match is one Semantic Section Search result.
type Match struct {
	SectionID  int64   `json:"-"`
	Path       string  `json:"path"`
	Content    string  `json:"content"`
	TokenCount int     `json:"token_count"`
	Similarity float64 `json:"similarity"`
}

// MatchParams are the inputs of Semantic Section Search.
type MatchParams struct {
	Embedding        []float32
	Threshold        float64
	Count            int
	MinContentLength int

	// ProjectID narrows the search to one project. uuid.Nil searches every
	// project the principal can read.
	ProjectID uuid.UUID
}

// IndexedSection is a section with the file fields an index needs to
// filter and a search needs to answer.
type IndexedSection struct {
	Section
	Path      string    `json:"path"`
	ProjectID uuid.UUID `json:"project_id"`
}
