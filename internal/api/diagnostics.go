package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v4"
)

type DiagnosticsInfo struct {
	HTTPAddr       string `json:"http_addr"`
	DBPath         string `json:"db_path"`
	LLMModel       string `json:"llm_model"`
	LLMConfigured  bool   `json:"llm_configured"`
	GmailConnected bool   `json:"gmail_connected"`
	SlackEnabled   bool   `json:"slack_enabled"`
	KafkaEnabled   bool   `json:"kafka_enabled"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	Info          DiagnosticsInfo `json:"info"`
	EventLog      map[string]any  `json:"eventlog"`
	Runner        map[string]any  `json:"runner"`
}

func (s *Server) handleDiagnostics(c echo.Context) error {
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		Info:          s.Info,
		EventLog:      map[string]any{},
		Runner:        map[string]any{},
	}
	if s.Log != nil {
		resp.EventLog["subscribers"] = s.Log.SubscriberCount()
	}
	if s.Active != nil {
		resp.Runner["active"] = s.Active()
	}
	return c.JSON(http.StatusOK, resp)
}
