package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/docmatch/internal/ingest"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/search"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// toHTTPError maps domain errors to statuses. Validation messages are
// returned to the client; everything else gets a generic message.
func toHTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	switch {
	case errors.Is(err, search.ErrInvalidArgument),
		errors.Is(err, search.ErrDimensionMismatch),
		errors.Is(err, ingest.ErrInvalidPath),
		errors.Is(err, ingest.ErrNotText),
		errors.Is(err, store.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrMissingPrincipal),
		errors.Is(err, policy.ErrInvalidPrincipal):
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	case errors.Is(err, policy.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, "forbidden")
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, http.StatusText(http.StatusGatewayTimeout))
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)).SetInternal(err)
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	he := toHTTPError(err)
	if he.Code >= http.StatusInternalServerError {
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("route", c.Path()),
			zap.Error(err),
		)
	}
	s.echo.DefaultHTTPErrorHandler(he, c)
}
