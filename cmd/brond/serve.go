package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flitsinc/brons/internal/api"
	"github.com/flitsinc/brons/internal/approval"
	"github.com/flitsinc/brons/internal/config"
	"github.com/flitsinc/brons/internal/engine"
	"github.com/flitsinc/brons/internal/eventlog"
	"github.com/flitsinc/brons/internal/eventsink"
	"github.com/flitsinc/brons/internal/gmail"
	"github.com/flitsinc/brons/internal/llm"
	"github.com/flitsinc/brons/internal/notify"
	"github.com/flitsinc/brons/internal/prompt"
	"github.com/flitsinc/brons/internal/runs"
	"github.com/flitsinc/brons/internal/state"
	"github.com/flitsinc/brons/internal/tools"
	"github.com/flitsinc/brons/internal/web"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the run executor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	log := eventlog.New(db)
	mgr := runs.NewManager(db, log, runs.WithLogger(logger))
	store := state.NewStore(db)

	mail := gmail.New(ctx, gmail.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		RefreshToken: cfg.GmailRefreshToken,
		AccessToken:  cfg.GmailAccessToken,
	}, nil)
	if !mail.Connected() {
		logger.Warn("gmail credentials missing; email tools will fail")
	}
	gate := approval.NewGate(db, log, mgr, mail, approval.WithLogger(logger))

	policy, err := loadPolicy(ctx, cfg.PolicyFile)
	if err != nil {
		return err
	}

	var reasoner llm.Reasoner
	model := ""
	anthropic, err := llm.NewAnthropic(llm.Config{
		APIKey:  cfg.AnthropicAPIKey,
		Model:   cfg.AnthropicModel,
		BaseURL: cfg.AnthropicBaseURL,
	}, nil)
	if err != nil {
		logger.Warn("llm disabled", "error", err)
		reasoner = llm.Unavailable{Cause: err.Error()}
	} else {
		reasoner = anthropic
		model = anthropic.Model()
	}

	dispatcher := tools.NewDispatcher(log, mgr, mail, gate, policy, tools.WithLogger(logger))

	execOpts := []engine.ExecutorOption{engine.WithExecutorLogger(logger)}
	if cfg.SlackEnabled() {
		slack, err := notify.NewSlack(notify.SlackConfig{
			Token:     cfg.SlackToken,
			Channel:   cfg.SlackChannel,
			PublicURL: cfg.PublicURL,
		}, nil, logger)
		if err != nil {
			return err
		}
		execOpts = append(execOpts, engine.WithNotifier(slack))
	}
	if cfg.MemoryCompaction && anthropic != nil {
		execOpts = append(execOpts, engine.WithCompactor(prompt.NewLLMCompactor(anthropic)))
	}
	exec := engine.NewExecutor(mgr, log, store, reasoner, dispatcher, execOpts...)
	runner := engine.NewRunner(exec, mgr, log, store, mail,
		engine.WithLimits(engine.Limits{
			MaxTurns:     cfg.MaxTurns,
			MaxToolCalls: cfg.MaxToolCalls,
			Timeout:      cfg.RunTimeout,
		}),
		engine.WithRunnerLogger(logger),
	)
	dispatcher.SetStarter(runner)

	if recovered, err := runner.Recover(ctx); err != nil {
		return fmt.Errorf("recover runs: %w", err)
	} else if len(recovered) > 0 {
		logger.Info("failed runs interrupted by restart", "count", len(recovered))
	}
	if cfg.SeedFile != "" {
		if _, err := applySeed(ctx, store, cfg.SeedFile, logger); err != nil {
			return err
		}
	}

	sinkCtx, stopSink := context.WithCancel(ctx)
	sinkDone := make(chan struct{})
	if cfg.KafkaEnabled() {
		sink, err := eventsink.NewKafka(eventsink.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, log, logger)
		if err != nil {
			stopSink()
			return err
		}
		go func() {
			defer close(sinkDone)
			defer sink.Close()
			if err := sink.Run(sinkCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("kafka sink stopped", "error", err)
			}
		}()
	} else {
		close(sinkDone)
	}
	defer func() {
		stopSink()
		<-sinkDone
	}()

	listener, err := engine.ListenerFromEnv()
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	restarter := &engine.Restarter{Listener: listener, Args: os.Args, Env: os.Environ(), Logger: logger}
	restarted := make(chan struct{}, 1)
	restart := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		select {
		case restarted <- struct{}{}:
		default:
		}
		return nil
	}

	apiServer := &api.Server{
		Runs:         mgr,
		Log:          log,
		Store:        store,
		Gate:         gate,
		Runner:       runner,
		Logger:       logger,
		Restart:      restart,
		RestartToken: cfg.RestartToken,
		StartedAt:    time.Now().UTC(),
		Active:       runner.Active,
		Info: api.DiagnosticsInfo{
			HTTPAddr:       listener.Addr().String(),
			DBPath:         cfg.DBPath,
			LLMModel:       model,
			LLMConfigured:  anthropic != nil,
			GmailConnected: mail.Connected(),
			SlackEnabled:   cfg.SlackEnabled(),
			KafkaEnabled:   cfg.KafkaEnabled(),
		},
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	defer serverCancel()
	handler := apiServer.Handler()
	if cfg.WebDir != "" {
		mux := http.NewServeMux()
		mux.Handle("/api/", handler)
		mux.Handle("/", (&web.Server{Dir: cfg.WebDir}).Handler())
		handler = mux
	}
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return serverCtx
		},
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("brond listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

wait:
	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := restart(); err != nil {
					logger.Error("restart", "error", err)
				}
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			break wait
		case <-restarted:
			logger.Info("handing over to restarted process")
			// Give the child time to start accepting on the shared socket.
			time.Sleep(750 * time.Millisecond)
			break wait
		case err, ok := <-serveErr:
			if ok && err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			break wait
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	serverCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runner shutdown", "error", err)
	}
	return nil
}

func loadPolicy(ctx context.Context, path string) (*tools.Policy, error) {
	if path == "" {
		return tools.NewPolicy(ctx, "")
	}
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return tools.NewPolicy(ctx, string(module))
}
