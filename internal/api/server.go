// Package api serves sync status and on-demand runs over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Martian-dev/brain-sync/internal/auth"
	"github.com/Martian-dev/brain-sync/internal/logger"
	"github.com/Martian-dev/brain-sync/internal/sync"
)

const (
	principalKey    = "principal"
	requestIDHeader = "X-Request-ID"
)

// RunHistory returns persisted run reports.
type RunHistory interface {
	LatestRun(ctx context.Context) (*sync.RunReport, error)
}

// Server exposes a sync.Manager.
type Server struct {
	manager  *sync.Manager
	verifier *auth.JWTVerifier
	history  RunHistory
	log      *zap.Logger
	// runCtx outlives requests; triggered runs are bound to it.
	runCtx context.Context
}

// Options configures optional parts of the server.
type Options struct {
	// Verifier enables bearer token checks on every route except health and metrics.
	Verifier *auth.JWTVerifier
	// History serves the latest report across restarts.
	History RunHistory
	Logger  *zap.Logger
}

// New creates a server. Runs triggered over HTTP are cancelled with runCtx.
func New(runCtx context.Context, manager *sync.Manager, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		manager:  manager,
		verifier: opts.Verifier,
		history:  opts.History,
		log:      log,
		runCtx:   runCtx,
	}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authorized := r.Group("/")
	if s.verifier != nil {
		authorized.Use(s.authMiddleware())
	}
	authorized.GET("/collections", s.collections)
	authorized.GET("/state", s.state)
	authorized.GET("/reports/latest", s.latestReport)
	authorized.POST("/sync", s.triggerSync)
	return r
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "running": s.manager.IsRunning()}
	if s.verifier != nil {
		stats := s.verifier.CacheStats()
		body["jwks_keys"] = stats["keys_cached"]
	}
	c.JSON(http.StatusOK, body)
}

type collectionView struct {
	Source    string `json:"source"`
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	ChildMode string `json:"child_mode,omitempty"`
}

func (s *Server) collections(c *gin.Context) {
	cols := s.manager.Collections()
	out := make([]collectionView, 0, len(cols))
	for _, col := range cols {
		out = append(out, collectionView{
			Source:    col.Source,
			Name:      col.Name,
			Mode:      string(col.Mode),
			ChildMode: string(col.ChildMode),
		})
	}
	c.JSON(http.StatusOK, out)
}

type watermarkView struct {
	CollectionID  string     `json:"collection_id"`
	CursorToken   string     `json:"cursor_token,omitempty"`
	HighWaterMark *time.Time `json:"high_water_mark,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (s *Server) state(c *gin.Context) {
	st, err := s.manager.State(c.Request.Context())
	if err != nil {
		s.log.Error("failed to load state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]watermarkView, 0, len(st.Collections))
	for _, id := range st.IDs() {
		w := st.Collections[id]
		v := watermarkView{CollectionID: id, CursorToken: w.CursorToken, UpdatedAt: w.UpdatedAt}
		if !w.HighWaterMark.IsZero() {
			hwm := w.HighWaterMark
			v.HighWaterMark = &hwm
		}
		views = append(views, v)
	}

	resp := gin.H{"collections": views, "running": s.manager.IsRunning()}
	if !st.LastRunAt.IsZero() {
		resp["last_run_at"] = st.LastRunAt
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) latestReport(c *gin.Context) {
	report := s.manager.LastReport()
	if report == nil && s.history != nil {
		var err error
		if report, err = s.history.LatestRun(c.Request.Context()); err != nil {
			s.log.Error("failed to load run history", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run recorded"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// triggerSync starts a run. With ?wait=true the response is the run report.
func (s *Server) triggerSync(c *gin.Context) {
	done, err := s.manager.Trigger(s.runCtx)
	if errors.Is(err, sync.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if p, ok := c.Get(principalKey); ok {
		s.log.Info("sync triggered", zap.String("subject", p.(*auth.Principal).Subject))
	}

	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
		return
	}

	select {
	case report := <-done:
		if report == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "run aborted"})
			return
		}
		c.JSON(http.StatusOK, report)
	case <-c.Request.Context().Done():
		// client went away; the run continues
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		principal, err := s.verifier.Verify(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequest(c.Request.Context(), id))

		c.Next()

		logger.WithContext(c.Request.Context()).Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
