package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/state"
)

const maxMemoryLen = 50000

type latestRun struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Status    runs.Status `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

type bronSummary struct {
	state.Bron
	LatestRun *latestRun `json:"latest_run"`
}

func (s *Server) handleListBrons(c echo.Context) error {
	ctx := c.Request().Context()
	brons, err := s.Store.ListBrons(ctx, min(parseInt(c.QueryParam("limit"), 50), 100))
	if err != nil {
		return err
	}
	out := make([]bronSummary, 0, len(brons))
	for _, b := range brons {
		summary := bronSummary{Bron: b}
		recent, err := s.Runs.List(ctx, runs.ListFilter{BronID: b.ID, Limit: 1})
		if err != nil {
			return err
		}
		if len(recent) == 1 {
			r := recent[0]
			summary.LatestRun = &latestRun{ID: r.ID, Title: r.Title, Status: r.Status, CreatedAt: r.CreatedAt}
		}
		out = append(out, summary)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateBron(c echo.Context) error {
	var in state.BronInput
	if err := decodeBody(c, &in); err != nil {
		return err
	}
	bron, err := s.Store.CreateBron(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, bron)
}

func (s *Server) handleGetBron(c echo.Context) error {
	bron, err := s.Store.GetBron(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bron)
}

func (s *Server) handleUpdateBron(c echo.Context) error {
	var req struct {
		Name          *string `json:"name"`
		AvatarColor   *string `json:"avatar_color"`
		SystemPrompt  *string `json:"system_prompt"`
		MemorySummary *string `json:"memory_summary"`
	}
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.Name == nil && req.AvatarColor == nil && req.SystemPrompt == nil && req.MemorySummary == nil {
		return errs.Validation("no fields to update")
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return errs.Validation("name must be 1-100 characters")
	}
	if req.MemorySummary != nil && len(*req.MemorySummary) > maxMemoryLen {
		return errs.Validation("memory_summary must be at most %d characters", maxMemoryLen)
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	in := state.BronInput{AvatarColor: req.AvatarColor, SystemPrompt: req.SystemPrompt}
	if req.Name != nil {
		in.Name = *req.Name
	}
	if _, err := s.Store.UpdateBron(ctx, id, in); err != nil {
		return err
	}
	if req.MemorySummary != nil {
		if err := s.Store.UpdateMemorySummary(ctx, id, *req.MemorySummary); err != nil {
			return err
		}
	}
	bron, err := s.Store.GetBron(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bron)
}

func (s *Server) handleDeleteBron(c echo.Context) error {
	if err := s.Store.DeleteBron(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleBronRuns(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.Store.GetBron(ctx, c.Param("id")); err != nil {
		return err
	}
	list, err := s.Runs.List(ctx, runs.ListFilter{
		BronID: c.Param("id"),
		Limit:  min(parseInt(c.QueryParam("limit"), 50), 100),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleUpdateMemory(c echo.Context) error {
	var req struct {
		MemorySummary *string `json:"memory_summary"`
	}
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.MemorySummary == nil {
		return errs.Validation("memory_summary is required")
	}
	if len(*req.MemorySummary) > maxMemoryLen {
		return errs.Validation("memory_summary must be at most %d characters", maxMemoryLen)
	}
	ctx := c.Request().Context()
	if err := s.Store.UpdateMemorySummary(ctx, c.Param("id"), *req.MemorySummary); err != nil {
		return err
	}
	bron, err := s.Store.GetBron(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, bron)
}
