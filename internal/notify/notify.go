// Package notify tells people outside the UI that a run is waiting on them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/flitsinc/brons/internal/errs"
)

// ApprovalNotice describes a proposal that is waiting for a decision.
type ApprovalNotice struct {
	RunID      string
	RunTitle   string
	BronName   string
	ToolName   string
	ProposalID string
	Token      string
}

type Notifier interface {
	ApprovalRequested(ctx context.Context, n ApprovalNotice) error
}

// Nop drops every notice.
type Nop struct{}

func (Nop) ApprovalRequested(context.Context, ApprovalNotice) error { return nil }

type SlackConfig struct {
	Token   string
	Channel string
	// APIBase overrides https://slack.com/api, mostly for tests.
	APIBase string
	// PublicURL, when set, is used to link the run page.
	PublicURL string
}

type Slack struct {
	api       *slack.Client
	channel   string
	publicURL string
	logger    *slog.Logger
}

func NewSlack(cfg SlackConfig, client *http.Client, logger *slog.Logger) (*Slack, error) {
	if strings.TrimSpace(cfg.Token) == "" || strings.TrimSpace(cfg.Channel) == "" {
		return nil, errs.Validation("slack token and channel are required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []slack.Option{slack.OptionHTTPClient(client)}
	if base := strings.TrimSpace(cfg.APIBase); base != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	return &Slack{
		api:       slack.New(cfg.Token, opts...),
		channel:   cfg.Channel,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		logger:    logger,
	}, nil
}

func (s *Slack) ApprovalRequested(ctx context.Context, n ApprovalNotice) error {
	_, ts, err := s.api.PostMessageContext(ctx, s.channel, slack.MsgOptionText(s.render(n), false))
	if err != nil {
		return errs.Upstream("slack post", err)
	}
	s.logger.Debug("approval notice sent", "run_id", n.RunID, "proposal_id", n.ProposalID, "ts", ts)
	return nil
}

func (s *Slack) render(n ApprovalNotice) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s* needs your approval for %q", n.BronName, n.RunTitle)
	if n.ToolName != "" {
		fmt.Fprintf(&sb, " (%s)", n.ToolName)
	}
	sb.WriteString("\n")
	if s.publicURL != "" {
		fmt.Fprintf(&sb, "Review: %s/runs/%s\n", s.publicURL, n.RunID)
	} else {
		fmt.Fprintf(&sb, "Run: %s\n", n.RunID)
	}
	fmt.Fprintf(&sb, "Proposal: %s", n.ProposalID)
	if n.Token != "" {
		fmt.Fprintf(&sb, "\nToken: `%s`", n.Token)
	}
	return sb.String()
}
