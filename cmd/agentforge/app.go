package main

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/m4xw311/agentforge/agent"
	"github.com/m4xw311/agentforge/config"
	"github.com/m4xw311/agentforge/errors"
	"github.com/m4xw311/agentforge/events"
	"github.com/m4xw311/agentforge/knowledge"
	"github.com/m4xw311/agentforge/llm"
	"github.com/m4xw311/agentforge/logging"
	"github.com/m4xw311/agentforge/metrics"
	"github.com/m4xw311/agentforge/orchestrator"
	"github.com/m4xw311/agentforge/telemetry"
	"github.com/m4xw311/agentforge/tools"
	"github.com/m4xw311/agentforge/tools/mcp"
)

// app holds everything a command may need. Fields are only set by the
// constructors that need them; close releases whatever was opened.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	store   *knowledge.Store
	gateway *tools.Gateway
	orch    *orchestrator.Orchestrator

	closers []func()
}

func loadConfig(ov overrides) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	ov.apply(cfg)
	return cfg, nil
}

func (ov overrides) apply(cfg *config.Config) {
	if ov.llm != "" {
		cfg.LLMClient = ov.llm
	}
	if ov.model != "" {
		cfg.Model = ov.model
	}
	if ov.workDir != "" {
		cfg.WorkDir = ov.workDir
	}
	if ov.logLevel != "" {
		cfg.LogLevel = ov.logLevel
	}
}

// newBaseApp opens the knowledge store. Logs go to logOut, never stdout,
// which the acp and mcp commands reserve for protocol messages.
func newBaseApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logging.New(logOut, cfg.LogLevel, cfg.LogFormat),
		metrics: metrics.New(nil),
	}
	store, err := knowledge.Open(ctx, knowledge.Config{
		Driver:  cfg.Knowledge.Driver,
		DSN:     cfg.Knowledge.DSN,
		DataDir: cfg.Knowledge.DataDir,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening knowledge store")
	}
	a.store = store
	a.onClose(func() { _ = store.Close() })
	return a, nil
}

// newToolsApp adds the tool gateway, including capabilities of the
// configured MCP servers.
func newToolsApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a, err := newBaseApp(ctx, cfg, logOut)
	if err != nil {
		return nil, err
	}
	a.gateway = tools.NewGateway(cfg,
		tools.WithLogger(a.logger),
		tools.WithMetrics(a.metrics),
	)
	a.onClose(mcp.RegisterServers(ctx, a.gateway, cfg.AdditionalMCPServers, a.logger))
	return a, nil
}

// newPipelineApp builds the full pipeline with metrics, tracing and events.
func newPipelineApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	a, err := newToolsApp(ctx, cfg, logOut)
	if err != nil {
		return nil, err
	}

	client, err := llm.New(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	shutdown, err := telemetry.Init(ctx, cfg.OTelEndpoint, version, a.logger)
	if err != nil {
		a.logger.Warn("tracing disabled", "error", err)
	} else {
		a.onClose(func() { _ = shutdown(context.Background()) })
	}

	a.serveMetrics(cfg.MetricsAddr)

	bus := events.FromConfig(ctx, cfg.Events, a.logger)
	a.onClose(func() { _ = bus.Close() })

	var coderOpts []agent.CoderOption
	if cfg.Agent.TestCommand != "" {
		coderOpts = append(coderOpts, agent.WithTestCommand(cfg.Agent.TestCommand))
	}

	a.orch = orchestrator.New(agent.Deps{
		Client:      client,
		Tools:       a.gateway,
		Knowledge:   a.store,
		Logger:      a.logger,
		Metrics:     a.metrics,
		Model:       cfg.Model,
		Temperature: llm.Temp(cfg.Temperature),
		MaxTokens:   cfg.MaxTokens,
	}, orchestrator.Options{
		RunTests:        cfg.Agent.RunTests,
		LearningEnabled: cfg.Agent.LearningEnabled,
		CoderOptions:    coderOpts,
		Bus:             bus,
		Metrics:         a.metrics,
		Tracer:          telemetry.Tracer(nil, "agentforge/orchestrator"),
		Logger:          a.logger,
	})
	return a, nil
}

func (a *app) serveMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)
	a.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// close runs the closers in reverse order of registration.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
