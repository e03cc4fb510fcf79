package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/flitsinc/brons/internal/approval"
	"github.com/flitsinc/brons/internal/errs"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/state"
)

const (
	maxPromptLen = runs.MaxPromptLen
	maxTitleLen  = runs.MaxTitleLen

	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

type createRunRequest struct {
	BronID    string `json:"bron_id"`
	Prompt    string `json:"prompt"`
	Title     string `json:"title,omitempty"`
	AutoStart *bool  `json:"autoStart,omitempty"`
}

type runDetail struct {
	runs.Run
	BronName        string             `json:"bron_name"`
	BronAvatarColor string             `json:"bron_avatar_color"`
	Children        []runs.Run         `json:"children"`
	PendingProposal *approval.Proposal `json:"pending_proposal,omitempty"`
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req createRunRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.BronID) == "" {
		return errs.Validation("bron_id is required")
	}
	if strings.TrimSpace(req.Prompt) == "" || utf8.RuneCountInString(req.Prompt) > maxPromptLen {
		return errs.Validation("prompt must be 1-%d characters", maxPromptLen)
	}
	if utf8.RuneCountInString(req.Title) > maxTitleLen {
		return errs.Validation("title must be at most %d characters", maxTitleLen)
	}

	ctx := c.Request().Context()
	run, err := s.Runs.Create(ctx, runs.Spec{BronID: req.BronID, Title: req.Title, Prompt: req.Prompt})
	if err != nil {
		return err
	}
	if req.AutoStart == nil || *req.AutoStart {
		if err := s.Runner.Start(context.WithoutCancel(ctx), run.ID); err != nil {
			s.logger().Warn("auto start run", "run_id", run.ID, "error", err)
		}
	}
	return c.JSON(http.StatusCreated, run)
}

func (s *Server) handleListRuns(c echo.Context) error {
	runsList, err := s.Runs.List(c.Request().Context(), runs.ListFilter{
		BronID: c.QueryParam("bron_id"),
		Status: runs.Status(c.QueryParam("status")),
		Limit:  min(parseInt(c.QueryParam("limit"), 50), 100),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runsList)
}

func (s *Server) handleGetRun(c echo.Context) error {
	ctx := c.Request().Context()
	run, err := s.Runs.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	detail := runDetail{Run: run}
	if bron, err := s.Store.GetBron(ctx, run.BronID); err == nil {
		detail.BronName = bron.Name
		detail.BronAvatarColor = bron.AvatarColor
	}
	if detail.Children, err = s.Runs.Children(ctx, run.ID); err != nil {
		return err
	}
	if run.Status == runs.StatusNeedsApproval {
		p, err := s.Gate.Pending(ctx, run.ID)
		switch {
		case err == nil:
			detail.PendingProposal = &p
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleStartRun(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.Runner.Start(context.WithoutCancel(ctx), c.Param("id")); err != nil {
		return err
	}
	run, err := s.Runs.Get(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

func (s *Server) handleCancelRun(c echo.Context) error {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	run, err := s.Runner.Cancel(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) handleApprove(c echo.Context) error {
	var req struct {
		Approved   *bool  `json:"approved"`
		ProposalID string `json:"proposal_id"`
		Token      string `json:"token"`
	}
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.Approved == nil {
		return errs.Validation("approved is required")
	}
	ctx := c.Request().Context()
	if _, err := s.Runs.Get(ctx, c.Param("id")); err != nil {
		return err
	}
	status, err := s.Gate.Resume(ctx, c.Param("id"), approval.Decision{
		Approved:   *req.Approved,
		ProposalID: req.ProposalID,
		Token:      req.Token,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "status": status})
}

func (s *Server) handleChildren(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.Runs.Get(ctx, c.Param("id")); err != nil {
		return err
	}
	children, err := s.Runs.Children(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, children)
}

func (s *Server) handleArtifacts(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.Runs.Get(ctx, c.Param("id")); err != nil {
		return err
	}
	artifacts, err := s.Store.ListArtifacts(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if artifacts == nil {
		artifacts = []state.Artifact{}
	}
	return c.JSON(http.StatusOK, artifacts)
}

// handleEvents is the polling fallback for clients that cannot stream.
func (s *Server) handleEvents(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("id")
	if _, err := s.Runs.Get(ctx, runID); err != nil {
		return err
	}
	afterSeq, err := parseSeq(c.QueryParam("afterSeq"))
	if err != nil {
		return err
	}
	limit := parseInt(c.QueryParam("limit"), defaultEventsLimit)
	if limit <= 0 {
		limit = defaultEventsLimit
	}
	events, err := s.Log.Read(ctx, runID, afterSeq, min(limit, maxEventsLimit))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

func parseSeq(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil || seq < 0 {
		return 0, errs.Validation("invalid sequence %q", v)
	}
	return seq, nil
}
