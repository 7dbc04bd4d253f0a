package http

import (
	"net/http"

	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/search"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// MatchRequest is the request body for POST /v1/match. Exactly one of
// Query and Embedding is set; omitted parameters take server defaults.
type MatchRequest struct {
	Query            string    `json:"query,omitempty"`
	Embedding        []float32 `json:"embedding,omitempty"`
	MatchThreshold   *float64  `json:"match_threshold,omitempty"`
	MatchCount       *int      `json:"match_count,omitempty"`
	MinContentLength *int      `json:"min_content_length,omitempty"`
	ProjectID        string    `json:"project_id,omitempty"`
}

// MatchResponse is the response body for POST /v1/match.
type MatchResponse struct {
	Sections []model.Match `json:"sections"`
}

// FileRequest is the request body for POST /v1/files.
type FileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Force   bool   `json:"force,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleMatch(c echo.Context) error {
	var req MatchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid match request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sreq := search.Request{
		Query:            req.Query,
		Embedding:        req.Embedding,
		Threshold:        req.MatchThreshold,
		Count:            req.MatchCount,
		MinContentLength: req.MinContentLength,
	}
	if req.ProjectID != "" {
		id, err := uuid.Parse(req.ProjectID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "project_id must be a uuid")
		}
		sreq.ProjectID = id
	}

	matches, err := s.search.Match(c.Request().Context(), sreq)
	if err != nil {
		return err
	}
	if matches == nil {
		matches = []model.Match{}
	}
	return c.JSON(http.StatusOK, MatchResponse{Sections: matches})
}

func (s *Server) handleUpsertFile(c echo.Context) error {
	ctx := c.Request().Context()
	var req FileRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(ctx, "invalid file request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !s.ingest.Supported(req.Path) {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported file extension")
	}

	p, err := policy.FromContext(ctx)
	if err != nil {
		return err
	}
	res, err := s.ingest.IngestFile(ctx, p.ProjectID, req.Path, []byte(req.Content), req.Force)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleDeleteFile(c echo.Context) error {
	ctx := c.Request().Context()
	path := c.QueryParam("path")
	if path == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "path query parameter is required")
	}

	p, err := policy.FromContext(ctx)
	if err != nil {
		return err
	}
	if err := s.ingest.RemoveFile(ctx, p.ProjectID, path); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
