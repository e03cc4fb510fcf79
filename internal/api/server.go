// Package api exposes runs, brons and run event streams over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flitsinc/brons/internal/approval"
	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/state"
)

// RunController starts and cancels executions.
type RunController interface {
	Start(ctx context.Context, runID string) error
	Cancel(ctx context.Context, runID, reason string) (runs.Run, error)
}

type Server struct {
	Runs   *runs.Manager
	Log    *eventlog.Log
	Store  *state.Store
	Gate   *approval.Gate
	Runner RunController
	Logger *slog.Logger

	Stream StreamConfig

	Restart      func() error
	RestartToken string
	StartedAt    time.Time
	Info         DiagnosticsInfo
	// Active reports executing runs for diagnostics; optional.
	Active func() int
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(requestLogger(s.logger()))

	e.GET("/api/health", s.handleHealth)
	e.GET("/api/diagnostics", s.handleDiagnostics)
	e.POST("/api/admin/restart", s.handleRestart)

	e.POST("/api/runs", s.handleCreateRun)
	e.GET("/api/runs", s.handleListRuns)
	e.GET("/api/runs/:id", s.handleGetRun)
	e.POST("/api/runs/:id/start", s.handleStartRun)
	e.POST("/api/runs/:id/cancel", s.handleCancelRun)
	e.POST("/api/runs/:id/approve", s.handleApprove)
	e.GET("/api/runs/:id/children", s.handleChildren)
	e.GET("/api/runs/:id/artifacts", s.handleArtifacts)
	e.GET("/api/runs/:id/events", s.handleEvents)
	e.GET("/api/runs/:id/stream", s.handleStream)
	e.GET("/api/runs/:id/ws", s.handleStreamWS)

	e.GET("/api/brons", s.handleListBrons)
	e.POST("/api/brons", s.handleCreateBron)
	e.GET("/api/brons/:id", s.handleGetBron)
	e.PATCH("/api/brons/:id", s.handleUpdateBron)
	e.DELETE("/api/brons/:id", s.handleDeleteBron)
	e.GET("/api/brons/:id/runs", s.handleBronRuns)
	e.PUT("/api/brons/:id/memory", s.handleUpdateMemory)

	return e
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handleRestart(c echo.Context) error {
	if s.Restart == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "restart not configured")
	}
	if token := s.RestartToken; token != "" {
		header := c.Request().Header.Get("X-Restart-Token")
		if subtle.ConstantTimeCompare([]byte(header), []byte(token)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid restart token")
		}
	}
	if err := s.Restart(); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]any{"ok": true})
}

// handleError renders every failure as {"error": message}, choosing the
// status from the error kind.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, map[string]any{"error": msg})
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errs.ErrIllegalState):
		return http.StatusConflict, err.Error()
	case errors.Is(err, errs.ErrResourceExhausted):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, errs.ErrUpstream):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, errs.ErrTimeout):
		return http.StatusGatewayTimeout, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// decodeBody reads a JSON body into dest. An empty body leaves dest as is.
func decodeBody(c echo.Context, dest any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	})
}
