// Package policy defines who may see and change which rows.
//
// Every data access runs as a Principal taken from the request context.
// The rules in this package are rendered into postgres row-level security
// policies and into query predicates for the sqlite store, so both
// backends enforce the same access model.
package policy

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrMissingPrincipal is returned when no principal is in the context.
	// Access fails closed: callers get this error, never an empty result.
	ErrMissingPrincipal = errors.New("principal missing from context")

	// ErrInvalidPrincipal is returned for a principal without a user.
	ErrInvalidPrincipal = errors.New("invalid principal")

	// ErrForbidden is returned when a write does not satisfy its policy.
	ErrForbidden = errors.New("forbidden by access policy")
)

// Principal is the identity a request runs as.
type Principal struct {
	// UserID is the acting user (required).
	UserID uuid.UUID

	// ProjectID narrows access to a single project the user can already
	// reach. uuid.Nil means all of the user's projects. Token and public
	// key requests always carry a project.
	ProjectID uuid.UUID
}

// Validate checks that the principal names a user.
func (p Principal) Validate() error {
	if p.UserID == uuid.Nil {
		return ErrInvalidPrincipal
	}
	return nil
}

// Scoped reports whether the principal is narrowed to one project.
func (p Principal) Scoped() bool {
	return p.ProjectID != uuid.Nil
}

// UserParam returns the user id as bound into queries.
func (p Principal) UserParam() string {
	return p.UserID.String()
}

// ProjectParam returns the project id as bound into queries, or "" when
// the principal is not narrowed to a project.
func (p Principal) ProjectParam() string {
	if !p.Scoped() {
		return ""
	}
	return p.ProjectID.String()
}

type principalCtxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey{}, p)
}

// FromContext returns the principal in ctx. It returns ErrMissingPrincipal
// when none is present and ErrInvalidPrincipal when it has no user.
func FromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalCtxKey{}).(Principal)
	if !ok {
		return Principal{}, ErrMissingPrincipal
	}
	if err := p.Validate(); err != nil {
		return Principal{}, err
	}
	return p, nil
}
