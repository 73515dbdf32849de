package main

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"mosaic-ai/internal/adapter/agent"
	"mosaic-ai/internal/adapter/store"
	"mosaic-ai/internal/adapter/transport"
	"mosaic-ai/internal/domain"
	"mosaic-ai/internal/infra/config"
	"mosaic-ai/internal/infra/metrics"
	"mosaic-ai/internal/usecase/breaker"
	"mosaic-ai/internal/usecase/coordination"
	"mosaic-ai/internal/usecase/eventbus"
	"mosaic-ai/internal/usecase/messaging"
	"mosaic-ai/internal/usecase/monitor"
	"mosaic-ai/internal/usecase/multiagent"
	"mosaic-ai/internal/usecase/orchestration"
	"mosaic-ai/internal/usecase/routing"
	"mosaic-ai/internal/usecase/scheduling"
	"mosaic-ai/internal/usecase/workflow"
)

// pinger is implemented by stores backed by a connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// app holds the wired coordinator. Fields are nil until built.
type app struct {
	cfg *config.Config
	log *slog.Logger

	collector   *metrics.Collector
	events      *eventbus.Bus
	stopJournal func()
	store       domain.RecordStore
	transport   messaging.Transport
	bus         *messaging.Bus

	registry     *multiagent.Registry
	broker       *multiagent.Broker
	breakers     *breaker.Registry
	router       *routing.Router
	monitor      *monitor.Monitor
	orchestrator *orchestration.Orchestrator
	server       *orchestrationServer
	scheduler    *scheduling.Scheduler
	ops          *metrics.Server

	flushTracer func(context.Context) error
}

// build wires every component from cfg. On error everything built so far
// is torn down.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.shutdown(context.Background())
		}
	}()

	a.collector = metrics.New()
	a.events = eventbus.New(log)
	a.stopJournal = eventbus.LogEvents(a.events, log)

	if a.store, err = store.Open(ctx, cfg.Store); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if a.transport, err = newTransport(ctx, cfg.Bus, log); err != nil {
		return nil, fmt.Errorf("bus transport: %w", err)
	}
	if a.bus, err = messaging.New(ctx, a.transport, "", log); err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}

	if err = a.initAgents(ctx); err != nil {
		return nil, fmt.Errorf("agents: %w", err)
	}
	if err = a.initCoordination(); err != nil {
		return nil, fmt.Errorf("coordination: %w", err)
	}
	if err = a.initScheduler(); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	if cfg.Metrics.Enabled {
		a.ops = metrics.NewServer(ctx, cfg.Metrics, a.collector, a.health, log)
	}
	return a, nil
}

func newTransport(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (messaging.Transport, error) {
	switch cfg.Transport {
	case "", "local":
		return messaging.NewLocalTransport(), nil
	case "redis":
		return transport.NewRedisTransport(ctx, cfg.RedisURL, cfg.ChannelPrefix, log)
	default:
		return nil, domain.NewSubSystemError("bus", "newTransport", domain.ErrConfiguration,
			fmt.Sprintf("unknown transport %q", cfg.Transport))
	}
}

func (a *app) initAgents(ctx context.Context) error {
	defaultID := ""
	if len(a.cfg.Agents) > 0 {
		defaultID = a.cfg.Agents[0].ID
	}
	a.registry = multiagent.NewRegistry(defaultID, a.events, a.log)
	for _, ac := range a.cfg.Agents {
		ag, err := agent.New(ctx, ac, a.log.With("agent_id", ac.ID))
		if err != nil {
			return err
		}
		if err := a.registry.Register(ag); err != nil {
			return err
		}
	}
	a.broker = multiagent.NewBroker(a.registry, a.bus, a.cfg.Coordination.AgentTimeout, a.log)
	return nil
}

func (a *app) initCoordination() error {
	cc := a.cfg.Coordination

	a.breakers = breaker.NewRegistry(breaker.SettingsFromConfig(a.cfg.Breaker), a.events, a.collector, a.log)
	a.router = routing.New(routing.OptionsFromConfig(a.cfg.Routing, cc.AgentTimeout), a.events, a.collector, a.log)

	var source monitor.MetricsSource
	if ps, err := monitor.NewProcSource(a.activeSessions); err == nil {
		source = ps
	} else {
		a.log.Warn("resource sampling disabled", "error", err)
	}
	a.monitor = monitor.New(a.cfg.Monitor, monitor.Deps{
		Source:   source,
		Store:    a.store,
		Bus:      a.events,
		Metrics:  a.collector,
		Actuator: monitor.ActuatorFunc(a.applyOptimization),
	}, a.log)

	// Every agent call travels the bus; the broker answers for local agents.
	invoker := multiagent.NewBusInvoker(a.bus, cc.AgentTimeout)
	dispatcher := coordination.NewDispatcher(invoker, a.breakers, a.collector, cc.AgentTimeout, a.log, a.router, a.monitor)
	coordinator := coordination.New(dispatcher, coordination.Options{
		ConsensusThreshold: cc.ConsensusThreshold,
		HighConfidence:     cc.HighConfidence,
	}, a.collector, a.log)

	detector := workflow.NewDetector(cc.CrisisKeywords)
	engine, err := workflow.NewEngine(coordinator, detector, a.events, a.log)
	if err != nil {
		return err
	}

	a.orchestrator = orchestration.New(orchestration.OptionsFromConfig(cc), orchestration.Deps{
		Directory:  a.registry,
		Dispatcher: dispatcher,
		Engine:     engine,
		Router:     a.router,
		Monitor:    a.monitor,
		Detector:   detector,
		Store:      a.store,
		Bus:        a.events,
		Metrics:    a.collector,
	}, a.log)
	a.server = newOrchestrationServer(a.orchestrator, a.bus, a.cfg.Bus.RequestTopic,
		multiagent.NewMentionResolver(a.registry, a.log), a.log)
	return nil
}

func (a *app) initScheduler() error {
	if !a.cfg.Scheduler.Enabled {
		return nil
	}
	a.scheduler = scheduling.NewScheduler(a.log)
	scheduling.Maintenance{
		Router:    a.router,
		Monitor:   a.monitor,
		Retention: a.cfg.Monitor.Retention,
		Logger:    a.log,
	}.Register(a.scheduler)
	return scheduling.AddTasks(a.scheduler, scheduling.TasksFromConfig(a.cfg.Scheduler))
}

func (a *app) activeSessions() int {
	n := 0
	for _, s := range a.registry.List() {
		n += s.ActiveSessions
	}
	return n
}

// applyOptimization is the monitor's actuator. Only resource pressure has
// an in-process remedy; other categories are left to operators.
func (a *app) applyOptimization(_ context.Context, rec domain.OptimizationRecommendation) error {
	switch rec.Category {
	case monitor.CategoryResources:
		debug.FreeOSMemory()
		a.log.Info("released heap to the OS", "recommendation_id", rec.ID, "agent_id", rec.AgentID)
	default:
		a.log.Info("optimization needs an operator", "recommendation_id", rec.ID,
			"agent_id", rec.AgentID, "category", rec.Category, "title", rec.Title)
	}
	return nil
}

// health feeds /healthz: breaker states plus store reachability.
func (a *app) health(ctx context.Context) (map[string]any, error) {
	rep := a.breakers.HealthReport()
	details := map[string]any{
		"agents":   len(a.registry.Descriptors()),
		"breakers": rep,
	}
	if p, ok := a.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return details, fmt.Errorf("store: %w", err)
		}
	}
	return details, nil
}

func (a *app) start(ctx context.Context) error {
	if err := a.broker.Start(ctx); err != nil {
		return fmt.Errorf("agent broker: %w", err)
	}
	if err := a.server.Start(); err != nil {
		return fmt.Errorf("orchestration server: %w", err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	if a.ops != nil {
		a.ops.Start()
	}
	return nil
}

// shutdown stops intake first, then closes the bus so pending awaiters are
// rejected, drains the event bus, flushes traces and closes the store.
// Safe on a partially built app.
func (a *app) shutdown(ctx context.Context) {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			a.log.Warn("scheduler stop", "error", err)
		}
	}
	if a.ops != nil {
		if err := a.ops.Shutdown(ctx); err != nil {
			a.log.Warn("ops server shutdown", "error", err)
		}
	}
	if a.server != nil {
		a.server.Stop()
	}
	if a.broker != nil {
		a.broker.Stop()
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.log.Warn("bus transport close", "error", err)
		}
	}
	if a.events != nil {
		if a.stopJournal != nil {
			a.stopJournal()
		}
		a.events.Close()
	}
	if a.flushTracer != nil {
		if err := a.flushTracer(ctx); err != nil {
			a.log.Warn("tracer flush", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close", "error", err)
		}
	}
}
