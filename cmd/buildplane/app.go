package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/buildplane/agent"
	"github.com/c360studio/buildplane/api"
	"github.com/c360studio/buildplane/autofix"
	"github.com/c360studio/buildplane/buildspec"
	"github.com/c360studio/buildplane/classifier"
	"github.com/c360studio/buildplane/config"
	"github.com/c360studio/buildplane/events"
	"github.com/c360studio/buildplane/metrics"
	"github.com/c360studio/buildplane/orchestrator"
	"github.com/c360studio/buildplane/plan"
	"github.com/c360studio/buildplane/quota"
	"github.com/c360studio/buildplane/registry"
	"github.com/c360studio/buildplane/workspace"
)

// App wires together the registry, quota manager, agent pipeline,
// orchestrator, and service surface.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	natsConn *nats.Conn

	reg     *registry.Registry
	quotas  *quota.Manager
	ws      *workspace.Workspace
	watcher *workspace.Watcher
	met     *metrics.Metrics

	orch *orchestrator.Orchestrator
	svc  *api.Service

	metricsSrv *http.Server
	quotaStop  chan struct{}
}

// NewApp creates an application instance from validated configuration.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Service returns the operation surface, for embedding callers.
func (a *App) Service() *api.Service {
	return a.svc
}

// Start initializes and starts all components in dependency order.
func (a *App) Start(ctx context.Context) error {
	if a.cfg.NATS.URL != "" {
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name("buildplane"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
		a.logger.Info("connected to NATS", slog.String("url", a.cfg.NATS.URL))
	}
	pub := events.NewPublisher(a.natsConn, a.logger)

	ws, err := workspace.New(a.cfg.Workspace.Root)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	a.ws = ws

	reg, err := registry.New(a.cfg.Journal.Path, a.logger)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	a.reg = reg

	quotas, err := quota.NewManager(a.cfg.Journal.QuotaPath,
		quota.WithLogger(a.logger),
		quota.WithDefaults(quota.TenantQuota{
			ActivePreviewsLimit:   a.cfg.Quota.ActivePreviewsLimit,
			SnapshotRatePerMinute: a.cfg.Quota.SnapshotRatePerMinute,
			LLMMonthlyBudget:      a.cfg.Quota.LLMMonthlyBudget,
		}))
	if err != nil {
		return fmt.Errorf("open quota manager: %w", err)
	}
	a.quotas = quotas
	a.quotaStop = make(chan struct{})
	go quotas.RunResetLoop(a.quotaStop)

	a.met = metrics.New()
	cls := classifier.New()
	selector := autofix.NewSelector(time.Now().UnixNano())
	agents := agent.NewDefaultRegistry(ws)
	specs := buildspec.NewStore()
	plans := plan.NewStore()

	timeouts := agent.InvokeTimeouts{
		Model: a.cfg.Orchestrator.AgentTimeout,
		Total: a.cfg.Orchestrator.AgentTotalTimeout,
	}
	a.orch = orchestrator.New(orchestrator.Config{
		MaxConcurrentSteps: a.cfg.Orchestrator.MaxConcurrentSteps,
		ParallelBranches:   a.cfg.Orchestrator.ParallelBranches,
		MaxIterations:      a.cfg.Orchestrator.MaxIterations,
		AgentTimeouts:      timeouts,
		MaxTotalAttempts:   a.cfg.Retry.MaxTotalAttempts,
		MaxPerStepAttempts: a.cfg.Retry.MaxPerStepAttempts,
	}, orchestrator.Deps{
		Registry:   reg,
		Plans:      plans,
		Specs:      specs,
		Agents:     agents,
		Classifier: cls,
		Selector:   selector,
		Quotas:     quotas,
		Workspace:  ws,
		Events:     pub,
		Metrics:    a.met,
		Logger:     a.logger,
	})

	a.svc = api.New(api.Deps{
		Specs:         specs,
		Plans:         plans,
		Registry:      reg,
		Quotas:        quotas,
		Agents:        agents,
		Classifier:    cls,
		Orchestrator:  a.orch,
		Events:        pub,
		Metrics:       a.met,
		Logger:        a.logger,
		AgentTimeouts: timeouts,
		MaxIterations: a.cfg.Orchestrator.MaxIterations,
	})

	if a.cfg.Metrics.Addr != "" {
		a.startMetricsServer()
	}
	a.startWatcher(ctx)

	a.logger.Info("buildplane ready",
		slog.String("workspace", a.cfg.Workspace.Root),
		slog.String("journal", a.cfg.Journal.Path))
	return nil
}

// startMetricsServer exposes the Prometheus registry over HTTP.
func (a *App) startMetricsServer() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.met.Registry(), promhttp.HandlerOpts{}))
	a.metricsSrv = &http.Server{Addr: a.cfg.Metrics.Addr, Handler: mux}

	go func() {
		a.logger.Info("metrics listening", slog.String("addr", a.cfg.Metrics.Addr))
		if err := a.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
}

// startWatcher streams workspace filesystem activity into the debug log and
// into the owning build's log. Watcher failures are non-fatal; builds run
// fine without it.
func (a *App) startWatcher(ctx context.Context) {
	w, err := workspace.NewWatcher(a.cfg.Workspace.Root, a.logger)
	if err != nil {
		a.logger.Warn("workspace watcher unavailable", slog.String("error", err.Error()))
		return
	}
	a.watcher = w

	go w.Run(ctx)
	go func() {
		for line := range w.Lines() {
			a.logger.Debug(line)
			a.routeWatcherLine(line)
		}
	}()
}

// routeWatcherLine appends a workspace activity line to the build whose
// directory it touches. Build directories are laid out as
// <root>/<tenant>/<build>/...; lines outside that shape stay debug-only, as
// do lines for builds the registry no longer holds.
func (a *App) routeWatcherLine(line string) {
	rest, ok := strings.CutPrefix(line, "workspace: ")
	if !ok {
		return
	}
	_, path, ok := strings.Cut(rest, " ")
	if !ok {
		return
	}
	rel, err := filepath.Rel(a.cfg.Workspace.Root, path)
	if err != nil {
		return
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 3 || parts[0] == ".." {
		return
	}
	_ = a.reg.AppendLog(parts[1], parts[0], line)
}

// Shutdown stops all components, newest first.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.metricsSrv != nil {
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
		}
	}
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.quotaStop != nil {
		close(a.quotaStop)
	}
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}
	if a.quotas != nil {
		if err := a.quotas.Close(); err != nil {
			a.logger.Warn("quota journal close", slog.String("error", err.Error()))
		}
	}
	if a.reg != nil {
		if err := a.reg.Close(); err != nil {
			a.logger.Warn("registry journal close", slog.String("error", err.Error()))
		}
	}

	a.logger.Info("buildplane shutdown complete")
}
