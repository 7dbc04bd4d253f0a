package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/config"
	"github.com/fyrsmithlabs/docmatch/internal/embeddings"
	"github.com/fyrsmithlabs/docmatch/internal/ingest"
	"github.com/fyrsmithlabs/docmatch/internal/logging"
	"github.com/fyrsmithlabs/docmatch/internal/model"
	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/fyrsmithlabs/docmatch/internal/search"
	"github.com/fyrsmithlabs/docmatch/internal/store"
	"github.com/fyrsmithlabs/docmatch/internal/vecmath"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dims = 64

const guide = `# Install

Download the binary and put it on your PATH.

# Configure

Create a config file in your home directory.
`

type env struct {
	server  *Server
	store   *store.SQLite
	project model.Project
	token   string
}

func newTestServer(t *testing.T, cfg *Config) *env {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, ":memory:", dims, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	user := model.User{Email: "owner@example.com"}
	require.NoError(t, st.CreateUser(ctx, &user))
	ctx = policy.WithPrincipal(ctx, policy.Principal{UserID: user.ID})

	team := model.Team{Name: "Docs"}
	require.NoError(t, st.CreateTeam(ctx, &team))
	project := model.Project{Name: "Handbook", TeamID: team.ID}
	require.NoError(t, st.CreateProject(ctx, &project))
	require.NoError(t, st.AddDomain(ctx, &model.Domain{Name: "docs.example.com", ProjectID: project.ID}))
	token := model.Token{ProjectID: project.ID}
	require.NoError(t, st.CreateToken(ctx, &token))

	embedder := embeddings.NewHash(dims)
	searcher, err := search.NewService(st, nil, embedder, config.SearchConfig{
		Backend:        "sql",
		MatchThreshold: 0.5,
		MatchCount:     5,
		MaxMatchCount:  20,
		Overfetch:      1,
	}, logging.NewNop())
	require.NoError(t, err)
	ing, err := ingest.NewService(st, nil, embedder, nil, config.IngestConfig{
		Extensions:       []string{".md"},
		MinSectionChars:  10,
		MaxSectionTokens: 256,
	}, logging.NewNop())
	require.NoError(t, err)

	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8787}
	}
	server, err := NewServer(st, searcher, ing, logging.NewNop(), cfg)
	require.NoError(t, err)
	return &env{server: server, store: st, project: project, token: token.Value}
}

func (e *env) do(t *testing.T, method, target string, body interface{}, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *env) bearer() http.Header {
	return http.Header{echo.HeaderAuthorization: {"Bearer " + e.token}}
}

func ptr[T any](v T) *T { return &v }

func TestNewServer(t *testing.T) {
	st, err := store.OpenSQLite(context.Background(), ":memory:", dims, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	searcher, err := search.NewService(st, nil, nil, config.SearchConfig{MatchCount: 1}, nil)
	require.NoError(t, err)

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(st, searcher, nil, logging.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8787, server.config.Port)
		assert.NotNil(t, server.limiter)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(st, searcher, nil, nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when store is nil", func(t *testing.T) {
		_, err := NewServer(nil, searcher, nil, logging.NewNop(), nil)
		assert.ErrorContains(t, err, "store cannot be nil")
	})

	t.Run("returns error when search is nil", func(t *testing.T) {
		_, err := NewServer(st, nil, nil, logging.NewNop(), nil)
		assert.ErrorContains(t, err, "search service cannot be nil")
	})

	t.Run("file routes need an ingest service", func(t *testing.T) {
		server, err := NewServer(st, searcher, nil, logging.NewNop(), nil)
		require.NoError(t, err)
		for _, r := range server.echo.Routes() {
			assert.NotContains(t, r.Path, "/v1/files")
		}
	})
}

func TestHandleHealth(t *testing.T) {
	e := newTestServer(t, nil)
	rec := e.do(t, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestServer(t, nil)
	rec := e.do(t, http.MethodGet, "/metrics", nil, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "docmatch_http_rate_limited_total")
}

func TestAuthentication(t *testing.T) {
	e := newTestServer(t, nil)
	body := MatchRequest{Query: "config file"}

	tests := []struct {
		name   string
		target string
		header http.Header
		want   int
	}{
		{"no credentials", "/v1/match", nil, http.StatusUnauthorized},
		{"unknown token", "/v1/match", http.Header{echo.HeaderAuthorization: {"Bearer tk_nope"}}, http.StatusUnauthorized},
		{"empty bearer", "/v1/match", http.Header{echo.HeaderAuthorization: {"Bearer "}}, http.StatusUnauthorized},
		{"valid token", "/v1/match", e.bearer(), http.StatusOK},
		{"lowercase scheme", "/v1/match", http.Header{echo.HeaderAuthorization: {"bearer " + e.token}}, http.StatusOK},
		{"public key from project domain", "/v1/match?projectKey=" + e.project.PublicAPIKey,
			http.Header{echo.HeaderOrigin: {"https://docs.example.com"}}, http.StatusOK},
		{"public key in header", "/v1/match",
			http.Header{HeaderProjectKey: {e.project.PublicAPIKey}, echo.HeaderOrigin: {"https://docs.example.com:443"}}, http.StatusOK},
		{"public key from other domain", "/v1/match?projectKey=" + e.project.PublicAPIKey,
			http.Header{echo.HeaderOrigin: {"https://evil.example.com"}}, http.StatusUnauthorized},
		{"public key without origin", "/v1/match?projectKey=" + e.project.PublicAPIKey, nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, tt.target, body, tt.header)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestFiles_RequireBearerToken(t *testing.T) {
	e := newTestServer(t, nil)
	header := http.Header{HeaderProjectKey: {e.project.PublicAPIKey}, echo.HeaderOrigin: {"https://docs.example.com"}}

	rec := e.do(t, http.MethodPost, "/v1/files", FileRequest{Path: "guide.md", Content: guide}, header)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodDelete, "/v1/files?path=guide.md", nil, header)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestFilesAndMatch(t *testing.T) {
	e := newTestServer(t, nil)

	rec := e.do(t, http.MethodPost, "/v1/files", FileRequest{Path: "guide.md", Content: guide}, e.bearer())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fr ingest.FileResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fr))
	assert.Equal(t, "guide.md", fr.Path)
	assert.Equal(t, 2, fr.Sections)

	match := MatchRequest{Query: "Create a config file in your home directory.", MatchCount: ptr(1)}
	rec = e.do(t, http.MethodPost, "/v1/match", match, e.bearer())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var mr MatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &mr))
	require.Len(t, mr.Sections, 1)
	assert.Equal(t, "guide.md", mr.Sections[0].Path)
	assert.Contains(t, mr.Sections[0].Content, "# Configure")
	assert.Greater(t, mr.Sections[0].Similarity, 0.5)

	rec = e.do(t, http.MethodDelete, "/v1/files?path=guide.md", nil, e.bearer())
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/match", match, e.bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sections":[]}`, rec.Body.String())

	rec = e.do(t, http.MethodDelete, "/v1/files?path=guide.md", nil, e.bearer())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFiles_BadRequests(t *testing.T) {
	e := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   interface{}
	}{
		{"unsupported extension", http.MethodPost, "/v1/files", FileRequest{Path: "logo.png", Content: "x"}},
		{"escaping path", http.MethodPost, "/v1/files", FileRequest{Path: "../secret.md", Content: "# x"}},
		{"missing path", http.MethodDelete, "/v1/files", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, tt.method, tt.target, tt.body, e.bearer())
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestMatch_BadRequests(t *testing.T) {
	e := newTestServer(t, nil)

	tests := []struct {
		name string
		body MatchRequest
	}{
		{"zero count", MatchRequest{Query: "x", MatchCount: ptr(0)}},
		{"negative min length", MatchRequest{Query: "x", MinContentLength: ptr(-1)}},
		{"threshold out of range", MatchRequest{Query: "x", MatchThreshold: ptr(1.5)}},
		{"query and embedding", MatchRequest{Query: "x", Embedding: make([]float32, dims)}},
		{"neither query nor embedding", MatchRequest{}},
		{"wrong dimensions", MatchRequest{Embedding: []float32{1, 0, 0}}},
		{"bad project id", MatchRequest{Query: "x", ProjectID: "not-a-uuid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/v1/match", tt.body, e.bearer())
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/match", bytes.NewBufferString("{"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+e.token)
		rec := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestMatch_OtherProjectIsEmpty(t *testing.T) {
	e := newTestServer(t, nil)
	rec := e.do(t, http.MethodPost, "/v1/files", FileRequest{Path: "guide.md", Content: guide}, e.bearer())
	require.Equal(t, http.StatusOK, rec.Code)

	body := MatchRequest{Query: "Create a config file in your home directory.", ProjectID: uuid.NewString()}
	rec = e.do(t, http.MethodPost, "/v1/match", body, e.bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sections":[]}`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	e := newTestServer(t, &Config{Host: "localhost", Port: 8787, RateLimit: 0.001, RateBurst: 2})
	body := MatchRequest{Query: "config"}

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodPost, "/v1/match", body, e.bearer())
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := e.do(t, http.MethodPost, "/v1/match", body, e.bearer())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProjectLimiter(t *testing.T) {
	var disabled *projectLimiter
	assert.True(t, disabled.Allow(uuid.New()))
	assert.Nil(t, newProjectLimiter(0, 10))

	l := newProjectLimiter(0.001, 1)
	a, b := uuid.New(), uuid.New()
	assert.True(t, l.Allow(a))
	assert.False(t, l.Allow(a))
	assert.True(t, l.Allow(b))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer tk_abc", "tk_abc", true},
		{"BEARER tk_abc ", "tk_abc", true},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", search.ErrInvalidArgument), http.StatusBadRequest},
		{search.ErrDimensionMismatch, http.StatusBadRequest},
		{fmt.Errorf("embedding query: %w", vecmath.ErrDimensionMismatch), http.StatusInternalServerError},
		{ingest.ErrInvalidPath, http.StatusBadRequest},
		{policy.ErrMissingPrincipal, http.StatusUnauthorized},
		{policy.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("removing x: %w", store.ErrNotFound), http.StatusNotFound},
		{store.ErrConflict, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{echo.NewHTTPError(http.StatusTeapot), http.StatusTeapot},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, toHTTPError(tt.err).Code, tt.err.Error())
	}

	he := toHTTPError(errors.New("db password leaked"))
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), he.Message)
}

func TestConfigFromApp(t *testing.T) {
	cfg := ConfigFromApp(config.Default().Server)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 8787, cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.InDelta(t, 10, cfg.RateLimit, 1e-9)
}

func TestStart_ShutsDownOnCancel(t *testing.T) {
	e := newTestServer(t, &Config{Host: "127.0.0.1", Port: 18787, ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://127.0.0.1:18787/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestCORS(t *testing.T) {
	e := newTestServer(t, nil)
	target := "/v1/match?projectKey=" + e.project.PublicAPIKey

	preflight := func(origin string) *httptest.ResponseRecorder {
		return e.do(t, http.MethodOptions, target, nil, http.Header{
			echo.HeaderOrigin:                     {origin},
			echo.HeaderAccessControlRequestMethod: {http.MethodPost},
		})
	}

	t.Run("preflight from project domain", func(t *testing.T) {
		rec := preflight("https://docs.example.com")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://docs.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
		assert.Contains(t, rec.Header().Get(echo.HeaderAccessControlAllowMethods), http.MethodPost)
		assert.Contains(t, rec.Header().Get(echo.HeaderAccessControlAllowHeaders), echo.HeaderContentType)
	})

	t.Run("preflight from other domain", func(t *testing.T) {
		rec := preflight("https://evil.example.com")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	})

	t.Run("preflight with unknown key", func(t *testing.T) {
		rec := e.do(t, http.MethodOptions, "/v1/match?projectKey=pk_nope", nil, http.Header{
			echo.HeaderOrigin:                     {"https://docs.example.com"},
			echo.HeaderAccessControlRequestMethod: {http.MethodPost},
		})
		assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	})

	t.Run("match from project domain", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, target, MatchRequest{Query: "config file"},
			http.Header{echo.HeaderOrigin: {"https://docs.example.com"}})
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "https://docs.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	})

	t.Run("match from other domain", func(t *testing.T) {
		rec := e.do(t, http.MethodPost, target, MatchRequest{Query: "config file"},
			http.Header{echo.HeaderOrigin: {"https://evil.example.com"}})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	})
}
