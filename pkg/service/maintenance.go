package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/durable-research/pkg/clarify"
	"github.com/jdziat/durable-research/pkg/queue"
	"github.com/jdziat/durable-research/pkg/schedule"
)

// MaintenanceQueue is the queue maintenance runs are placed on.
const MaintenanceQueue = "maintenance"

// Maintenance handler names.
const (
	ReleaseLocksHandler = "maintenance.release_locks"
	PruneHandler        = "maintenance.prune"
	SweepHandler        = "maintenance.sweep_clarifications"
)

// Tick is the empty argument of a maintenance run.
type Tick struct{}

// MaintenanceConfig sets how often each maintenance run fires. Each
// schedule is a duration ("5m") or a cron expression; empty disables it.
type MaintenanceConfig struct {
	ReleaseLocks string        `yaml:"release_locks"`
	StaleAfter   time.Duration `yaml:"stale_after"` // Lock age after which a running run is released
	Prune        string        `yaml:"prune"`
	Sweep        string        `yaml:"sweep"`
}

// DefaultMaintenance returns the schedules used when none are configured.
func DefaultMaintenance() MaintenanceConfig {
	return MaintenanceConfig{
		ReleaseLocks: "1m",
		StaleAfter:   5 * time.Minute,
		Prune:        "@hourly",
		Sweep:        "1m",
	}
}

// Maintenance holds the recurring housekeeping handlers.
type Maintenance struct {
	queue  *queue.Queue
	gate   *clarify.Gate
	cfg    MaintenanceConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewMaintenance creates the maintenance handlers. gate may be nil when
// clarification is disabled.
func NewMaintenance(q *queue.Queue, gate *clarify.Gate, cfg MaintenanceConfig, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultMaintenance().StaleAfter
	}
	return &Maintenance{queue: q, gate: gate, cfg: cfg, logger: logger, now: time.Now}
}

// Register installs the handlers and their schedules on the queue.
func (m *Maintenance) Register() error {
	for _, e := range []struct {
		name string
		expr string
		fn   func(context.Context, Tick) error
	}{
		{ReleaseLocksHandler, m.cfg.ReleaseLocks, m.ReleaseLocks},
		{PruneHandler, m.cfg.Prune, m.Prune},
		{SweepHandler, m.cfg.Sweep, m.Sweep},
	} {
		m.queue.Register(e.name, e.fn)
		if e.expr == "" {
			continue
		}
		sched, err := schedule.Parse(e.expr)
		if err != nil {
			return fmt.Errorf("research: schedule %s: %w", e.name, err)
		}
		m.queue.Schedule(e.name, sched, queue.QueueOpt(MaintenanceQueue), queue.Attempts(1))
	}
	return nil
}

// ReleaseLocks returns runs whose worker stopped heartbeating to the queue.
func (m *Maintenance) ReleaseLocks(ctx context.Context, _ Tick) error {
	n, err := m.queue.Storage().ReleaseStaleLocks(ctx, m.cfg.StaleAfter)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("released stale runs", "count", n)
	}
	return nil
}

// Prune deletes finished runs outside the queue's retention.
func (m *Maintenance) Prune(ctx context.Context, _ Tick) error {
	n, err := m.queue.Prune(ctx, m.now())
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info("pruned runs", "count", n)
	}
	return nil
}

// Sweep applies the expiry policy to overdue clarification questions.
func (m *Maintenance) Sweep(ctx context.Context, _ Tick) error {
	if m.gate == nil {
		return nil
	}
	res, err := m.gate.SweepExpired(ctx)
	if res.Proceeded+res.Failed+res.Closed > 0 {
		m.logger.Info("swept clarifications", "proceeded", res.Proceeded, "failed", res.Failed, "closed", res.Closed)
	}
	return err
}
