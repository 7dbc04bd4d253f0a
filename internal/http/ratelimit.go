package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/fyrsmithlabs/docmatch/internal/policy"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// limiterTTL is how long limiters are kept before the map is reset.
const limiterTTL = time.Hour

// projectLimiter hands out one token bucket per project.
type projectLimiter struct {
	limit rate.Limit
	burst int

	mu          sync.Mutex
	limiters    map[uuid.UUID]*rate.Limiter
	lastCleanup time.Time
}

// newProjectLimiter returns nil when perSecond is zero, which disables
// limiting.
func newProjectLimiter(perSecond float64, burst int) *projectLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &projectLimiter{
		limit:       rate.Limit(perSecond),
		burst:       burst,
		limiters:    make(map[uuid.UUID]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

func (l *projectLimiter) get(project uuid.UUID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) > limiterTTL {
		l.limiters = make(map[uuid.UUID]*rate.Limiter)
		l.lastCleanup = time.Now()
	}

	limiter, ok := l.limiters[project]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[project] = limiter
	}
	return limiter
}

// Allow reports whether a request for project may proceed now.
func (l *projectLimiter) Allow(project uuid.UUID) bool {
	if l == nil {
		return true
	}
	return l.get(project).Allow()
}

// rateLimit must run after authenticate. Principals without a project
// share the uuid.Nil bucket.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, err := policy.FromContext(c.Request().Context())
		if err != nil {
			return err
		}
		if !s.limiter.Allow(p.ProjectID) {
			RateLimitedTotal.Inc()
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		}
		return next(c)
	}
}
