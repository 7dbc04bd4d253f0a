package http

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// corsConfig is shared by every /v1/match request; AllowOriginFunc is set
// per request because the allowed origins depend on the project key.
var corsConfig = middleware.CORSConfig{
	AllowMethods:  []string{http.MethodPost, http.MethodOptions},
	AllowHeaders:  []string{echo.HeaderContentType, HeaderProjectKey, echo.HeaderXRequestID},
	ExposeHeaders: []string{echo.HeaderXRequestID},
	MaxAge:        600,
}

// cors answers preflight requests and sets Access-Control-Allow-Origin
// for origins whose host is one of the project key's domains. It runs
// before authenticate, since preflights carry no credentials. Browsers
// send no custom headers on a preflight, so only the projectKey query
// parameter can admit one.
func (s *Server) cors(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cfg := corsConfig
		cfg.AllowOriginFunc = s.originAllowed(c)
		return middleware.CORSWithConfig(cfg)(next)(c)
	}
}

func (s *Server) originAllowed(c echo.Context) func(origin string) (bool, error) {
	return func(origin string) (bool, error) {
		key := projectKey(c)
		host := store.NormalizeHost(origin)
		if key == "" || host == "" {
			return false, nil
		}
		_, err := s.store.ResolvePublicKey(c.Request().Context(), key, host)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
}
