// Package status serves the operational HTTP surface of the pipeline: a
// health check covering the database pool and a counters endpoint for the
// dispatcher.
package status

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cht/sentinel/internal/dispatch"
)

// Server is the status HTTP server.
type Server struct {
	e    *echo.Echo
	log  zerolog.Logger
	pool *pgxpool.Pool
}

// New builds the server. pool may be nil when running against the in-memory
// store; the health check then reports only process liveness.
func New(log zerolog.Logger, pool *pgxpool.Pool, stats func() dispatch.Stats) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{e: e, log: log, pool: pool}
	e.Use(recovery(log))
	e.Use(requestID())
	e.Use(logger(log))

	e.GET("/healthz", s.health)
	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, stats())
	})
	return s
}

// Start blocks serving on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.e.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.e
}

func (s *Server) health(c echo.Context) error {
	if s.pool == nil {
		return c.JSON(http.StatusOK, map[string]any{"status": "healthy"})
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	stat := s.pool.Stat()
	return c.JSON(http.StatusOK, map[string]any{
		"status": "healthy",
		"pool": map[string]any{
			"total_conns": stat.TotalConns(),
			"idle_conns":  stat.IdleConns(),
			"max_conns":   stat.MaxConns(),
		},
	})
}

func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get("X-Request-ID")
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set("X-Request-ID", rid)
			return next(c)
		}
	}
}

func logger(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			evt := log.Info()
			if err != nil {
				evt = log.Error().Err(err)
			}
			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Msg("request")
			return err
		}
	}
}

func recovery(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("panic recovered")
					err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
				}
			}()
			return next(c)
		}
	}
}
