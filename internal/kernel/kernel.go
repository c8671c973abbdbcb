// Package kernel composes the process table, tool host, and agent loop
// manager into the executable kernel surface. Everything that spawns
// agents (gateway commands, cron jobs, triggers, inbound webhooks) goes
// through Kernel.SpawnAgent.
package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aether/aether/internal/acl"
	"github.com/aether/aether/internal/common/config"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/kernel/loop"
	"github.com/aether/aether/internal/kernel/proctable"
	"github.com/aether/aether/internal/kernel/toolhost"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// Kernel wires the execution subsystems together.
type Kernel struct {
	cfg    *config.Config
	logger *logger.Logger
	bus    bus.Bus
	store  *store.Store

	ACL   *acl.Engine
	Host  *toolhost.Host
	Table *proctable.Table
	Loops *loop.Manager

	recorder *store.LogRecorder

	nodeID    string
	startedAt time.Time

	stopMetrics chan struct{}
	metricsDone chan struct{}
}

// New builds the kernel. Construction order matters: the bus and store
// exist first, the ACL engine reads the store, the tool host checks the
// ACL, the process table emits on the bus, and the loop manager drives
// all of them.
func New(ctx context.Context, cfg *config.Config, st *store.Store, eb bus.Bus,
	factory loop.StepFactory, log *logger.Logger) (*Kernel, error) {

	engine := acl.New(st, log)

	host := toolhost.New(cfg.Kernel, engine, log)
	if err := host.RegisterBuiltins(toolhost.BuiltinDeps{
		Store:  st,
		Bus:    eb,
		Config: cfg,
		Logger: log,
	}); err != nil {
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	table, err := proctable.New(ctx, cfg.Kernel, st, eb, log)
	if err != nil {
		return nil, err
	}

	recorder, err := store.NewLogRecorder(st, eb)
	if err != nil {
		return nil, fmt.Errorf("failed to attach log recorder: %w", err)
	}

	return &Kernel{
		cfg:         cfg,
		logger:      log.WithFields(zap.String("component", "kernel")),
		bus:         eb,
		store:       st,
		ACL:         engine,
		Host:        host,
		Table:       table,
		Loops:       loop.NewManager(table, host, eb, factory, log),
		recorder:    recorder,
		nodeID:      uuid.New().String(),
		startedAt:   time.Now(),
		stopMetrics: make(chan struct{}),
		metricsDone: make(chan struct{}),
	}, nil
}

// Start launches the background reaper and the metrics sampler.
func (k *Kernel) Start() {
	k.Table.StartReaper()
	go k.sampleLoop()
	k.logger.Info("kernel started",
		zap.String("node", k.nodeID),
		zap.Int("max_processes", k.cfg.Kernel.MaxProcesses))
}

// Stop drains live loops and halts the background workers.
func (k *Kernel) Stop() {
	k.Loops.Shutdown()
	close(k.stopMetrics)
	<-k.metricsDone
	k.Table.Stop()
	k.recorder.Stop()
	k.logger.Info("kernel stopped")
}

// SpawnAgent registers a process for uid and launches its reasoning
// loop. The owner's account role flows into tool permission checks;
// unknown owners (system-internal spawns) run with the user role.
func (k *Kernel) SpawnAgent(ctx context.Context, uid string, cfg v1.AgentConfig) (*v1.ProcessInfo, error) {
	role := v1.RoleUser
	if user, err := k.store.GetUser(ctx, uid); err == nil {
		role = user.Role
	}

	info, err := k.Table.Spawn(ctx, uid, cfg)
	if err != nil {
		return nil, err
	}
	if err := k.Loops.Launch(ctx, info, role); err != nil {
		// The table entry exists but no loop will drive it; fail it so
		// the reaper can collect the slot.
		if xerr := k.Table.Exit(ctx, info.PID, v1.ExitFailed); xerr != nil {
			k.logger.WithPID(info.PID).WithError(xerr).Error("failed to fail stillborn process")
		}
		return nil, err
	}
	return info, nil
}
