package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/labstack/echo/v4"
)

// authMethod records how a request authenticated.
type authMethod string

const (
	authToken     authMethod = "token"
	authPublicKey authMethod = "public_key"
)

// authMethodKey is the echo context key holding the authMethod.
const authMethodKey = "auth_method"

// HeaderProjectKey carries a project public key when the projectKey query
// parameter is not used.
const HeaderProjectKey = "X-Project-Key"

// authenticate resolves the request's credentials to a principal and
// stores it in the request context.
//
// Two credentials are accepted:
//  1. Authorization: Bearer <token>, resolved through the tokens table.
//  2. A project public key (projectKey query parameter or X-Project-Key
//     header), accepted only when the Origin host is one of the project's
//     domains.
//
// Unknown credentials get 401. The principal is scoped to the token's or
// key's project in both cases.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := req.Context()

		var (
			principal policy.Principal
			method    authMethod
			err       error
		)
		if token, ok := bearerToken(req.Header.Get(echo.HeaderAuthorization)); ok {
			method = authToken
			principal, err = s.store.ResolveToken(ctx, token)
		} else if key := projectKey(c); key != "" {
			method = authPublicKey
			host := store.NormalizeHost(req.Header.Get(echo.HeaderOrigin))
			if host == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "projectKey requires an Origin header")
			}
			principal, err = s.store.ResolvePublicKey(ctx, key, host)
		} else {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing credentials")
		}

		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		if err != nil {
			return err
		}

		c.Set(authMethodKey, method)
		c.SetRequest(req.WithContext(policy.WithPrincipal(ctx, principal)))
		return next(c)
	}
}

// requireToken rejects requests that did not authenticate with a bearer
// token. Public keys are embedded in web pages and only grant search.
func requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if m, _ := c.Get(authMethodKey).(authMethod); m != authToken {
			return echo.NewHTTPError(http.StatusForbidden, "this endpoint requires a bearer token")
		}
		return next(c)
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func projectKey(c echo.Context) string {
	if key := c.QueryParam("projectKey"); key != "" {
		return key
	}
	return c.Request().Header.Get(HeaderProjectKey)
}
