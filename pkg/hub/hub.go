// Package hub assembles the coordination fabric: one gateway, the bus,
// cache, sessions, tasks, notifications and polling supervision behind a
// single lifecycle.
package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/learnstack/fabric/pkg/bus"
	"github.com/learnstack/fabric/pkg/cache"
	"github.com/learnstack/fabric/pkg/notify"
	"github.com/learnstack/fabric/pkg/poller"
	"github.com/learnstack/fabric/pkg/session"
	"github.com/learnstack/fabric/pkg/store"
	"github.com/learnstack/fabric/pkg/task"
)

// Hub owns every fabric component over one shared gateway.
type Hub struct {
	cfg *Config

	Gateway  *store.Gateway
	Bus      *bus.MessageBus
	Cache    *cache.Cache
	Sessions *session.Manager
	Tasks    *task.Queue
	Notifier *notify.Notifier
	Pollers  *poller.Supervisor

	scheduler *cache.Scheduler
	started   bool
}

// Health is the hub's aggregate health report.
type Health struct {
	Store    *store.HealthStatus `json:"store"`
	Started  bool                `json:"started"`
	Pollers  int                 `json:"pollers"`
	Checked  time.Time           `json:"checked"`
	Degraded bool                `json:"degraded"`
}

// New connects the gateway, runs migrations, and wires every component.
// The hub is usable immediately; Start adds the background services.
func New(ctx context.Context, cfg *Config) (*Hub, error) {
	gw, err := store.NewGateway(ctx, cfg.storeConfig())
	if err != nil {
		return nil, err
	}

	h := build(cfg, gw)
	slog.Info("Coordination hub initialized", "database", cfg.DBName)
	return h, nil
}

// NewWithGateway wires the components over an existing gateway. Used by
// tests that manage their own database lifecycle.
func NewWithGateway(cfg *Config, gw *store.Gateway) *Hub {
	return build(cfg, gw)
}

func build(cfg *Config, gw *store.Gateway) *Hub {
	messageBus := bus.New(gw)
	resultCache := cache.New(gw)
	tasks := task.NewQueue(gw)
	tasks.SetRetryDelays(cfg.TaskRetryDelays)

	return &Hub{
		cfg:       cfg,
		Gateway:   gw,
		Bus:       messageBus,
		Cache:     resultCache,
		Sessions:  session.NewManager(gw),
		Tasks:     tasks,
		Notifier:  notify.NewNotifier(gw),
		Pollers:   poller.NewSupervisor(messageBus),
		scheduler: cache.NewScheduler(resultCache, cfg.CleanupInterval),
	}
}

// PollOptions returns the configured defaults for Pollers.StartPolling.
func (h *Hub) PollOptions() poller.Options {
	return poller.Options{
		BaseInterval:  h.cfg.PollBaseInterval,
		MaxInterval:   h.cfg.PollMaxInterval,
		BackoffFactor: h.cfg.PollBackoffFactor,
		BatchSize:     h.cfg.PollBatchSize,
	}
}

// Start launches the background services: the cache sweep scheduler and
// the notification routing table rehydrate. Repeated calls are no-ops.
func (h *Hub) Start(ctx context.Context) error {
	if h.started {
		return nil
	}
	if err := h.Notifier.Start(ctx); err != nil {
		return err
	}
	h.scheduler.Start(ctx)
	h.started = true

	slog.Info("Coordination hub started")
	return nil
}

// Stop shuts the hub down in reverse dependency order: polling loops,
// notifications, the cache scheduler, then the gateway and its pool.
func (h *Hub) Stop() {
	h.Pollers.StopAll()
	if h.started {
		h.Notifier.Stop()
		h.scheduler.Stop()
		h.started = false
	}
	if err := h.Gateway.Close(); err != nil {
		slog.Error("Gateway close failed", "error", err)
	}
	slog.Info("Coordination hub stopped")
}

// HealthCheck probes the database and reports aggregate hub health. The
// probe error is folded into the report rather than returned; a hub with
// a failing store is degraded, not broken.
func (h *Hub) HealthCheck(ctx context.Context) *Health {
	storeHealth, err := h.Gateway.Health(ctx)
	if err != nil {
		slog.Warn("Store health probe failed", "error", err)
	}
	return &Health{
		Store:    storeHealth,
		Started:  h.started,
		Pollers:  len(h.Pollers.AllStats()),
		Checked:  time.Now().UTC(),
		Degraded: err != nil || storeHealth.Status != "healthy",
	}
}
