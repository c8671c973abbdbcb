// Package proctable maintains the kernel process table: PID allocation,
// lifecycle state transitions, and reaping of exited processes.
package proctable

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aether/aether/internal/common/config"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// validTransitions is the lifecycle DAG. Terminal states have no
// outgoing edges.
var validTransitions = map[v1.ProcessState][]v1.ProcessState{
	v1.StateCreated: {v1.StateRunning},
	v1.StateRunning: {v1.StatePaused, v1.StateZombie},
	v1.StatePaused:  {v1.StateRunning},
	v1.StateZombie:  {v1.StateDead},
	v1.StateDead:    {},
}

func transitionAllowed(from, to v1.ProcessState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Process is one process table entry. The table's lock guards Info.
type Process struct {
	Info     v1.ProcessInfo
	MaxSteps int
	ExitedAt time.Time // wall time of the zombie transition, for the reaper
}

// Table is the kernel process table.
type Table struct {
	mu      sync.RWMutex
	procs   map[int]*Process
	nextPID int

	cfg    config.KernelConfig
	store  *store.Store
	bus    bus.Bus
	logger *logger.Logger

	reaperStarted bool
	stopReaper    chan struct{}
	reaperDone    chan struct{}
}

// New builds the process table, restoring surviving entries from the
// store. Processes that were live when the kernel last stopped are moved
// to zombie with the killed exit code.
func New(ctx context.Context, cfg config.KernelConfig, st *store.Store, eb bus.Bus, log *logger.Logger) (*Table, error) {
	t := &Table{
		procs:      make(map[int]*Process),
		nextPID:    1,
		cfg:        cfg,
		store:      st,
		bus:        eb,
		logger:     log.WithFields(zap.String("component", "proctable")),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	maxPID, err := st.MaxPID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore pid counter: %w", err)
	}
	t.nextPID = maxPID + 1

	live, err := st.LiveProcesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore process table: %w", err)
	}
	for _, info := range live {
		if !info.State.Terminal() {
			code := v1.ExitKilled
			info.ExitCode = &code
			info.State = v1.StateZombie
			info.Phase = v1.PhaseFailed
			if err := st.MarkProcessExited(ctx, info.PID, code, v1.PhaseFailed); err != nil {
				t.logger.Error("failed to mark restored process exited",
					zap.Int("pid", info.PID), zap.Error(err))
			}
		}
		t.procs[info.PID] = &Process{Info: *info, ExitedAt: time.Now()}
	}
	if len(live) > 0 {
		t.logger.Info("restored process table",
			zap.Int("processes", len(live)), zap.Int("next_pid", t.nextPID))
	}
	return t, nil
}

// Spawn allocates a PID and registers a new process in the created
// state. Fails with CAPACITY_EXCEEDED when the live-process limit is
// reached.
func (t *Table) Spawn(ctx context.Context, uid string, cfg v1.AgentConfig) (*v1.ProcessInfo, error) {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = t.cfg.DefaultMaxSteps
	}

	t.mu.Lock()
	liveCount := 0
	for _, p := range t.procs {
		if !p.Info.State.Terminal() {
			liveCount++
		}
	}
	if liveCount >= t.cfg.MaxProcesses {
		t.mu.Unlock()
		return nil, apperrors.CapacityExceeded(
			fmt.Sprintf("process limit %d reached", t.cfg.MaxProcesses))
	}

	pid := t.nextPID
	t.nextPID++
	info := v1.ProcessInfo{
		PID:       pid,
		UID:       uid,
		Name:      cfg.Name,
		Role:      cfg.Role,
		Goal:      cfg.Goal,
		State:     v1.StateCreated,
		Phase:     v1.PhaseIdle,
		CreatedAt: time.Now().UnixMilli(),
		Env:       cfg.Env,
	}
	t.procs[pid] = &Process{Info: info, MaxSteps: maxSteps}
	t.mu.Unlock()

	if err := t.store.CreateProcess(ctx, &info, maxSteps); err != nil {
		t.mu.Lock()
		delete(t.procs, pid)
		t.mu.Unlock()
		return nil, apperrors.Persistence(err)
	}

	t.logger.WithPID(pid).WithUID(uid).Info("process spawned",
		zap.String("role", cfg.Role))
	t.bus.Emit(events.New(events.ProcessSpawned, events.ProcessEvent{
		PID:   pid,
		UID:   uid,
		State: v1.StateCreated,
		Name:  cfg.Name,
		Role:  cfg.Role,
	}).WithOwner(uid).WithPID(pid))
	return &info, nil
}

// Get returns a copy of the process record.
func (t *Table) Get(pid int) (*v1.ProcessInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.procs[pid]
	if !ok {
		return nil, apperrors.NotFound("process", fmt.Sprint(pid))
	}
	info := p.Info
	return &info, nil
}

// MaxSteps returns the step budget recorded at spawn.
func (t *Table) MaxSteps(pid int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.procs[pid]; ok {
		return p.MaxSteps
	}
	return t.cfg.DefaultMaxSteps
}

// List returns copies of all process records. An empty uid lists every
// owner.
func (t *Table) List(uid string) []*v1.ProcessInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*v1.ProcessInfo, 0, len(t.procs))
	for _, p := range t.procs {
		if uid != "" && p.Info.UID != uid {
			continue
		}
		info := p.Info
		out = append(out, &info)
	}
	return out
}

// Transition moves a process along the lifecycle DAG, persists the new
// state, and emits process.stateChange.
func (t *Table) Transition(ctx context.Context, pid int, to v1.ProcessState) error {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok {
		t.mu.Unlock()
		return apperrors.NotFound("process", fmt.Sprint(pid))
	}
	from := p.Info.State
	if !transitionAllowed(from, to) {
		t.mu.Unlock()
		return apperrors.InvalidState(
			fmt.Sprintf("process %d cannot move %s -> %s", pid, from, to))
	}
	p.Info.State = to
	uid := p.Info.UID
	t.mu.Unlock()

	if err := t.store.UpdateProcessState(ctx, pid, to); err != nil {
		t.logger.WithPID(pid).WithError(err).Error("failed to persist state transition")
	}
	t.bus.Emit(events.New(events.ProcessStateChange, events.ProcessEvent{
		PID:   pid,
		UID:   uid,
		State: to,
		Prev:  from,
	}).WithOwner(uid).WithPID(pid))
	return nil
}

// SetPhase records the loop phase without a lifecycle transition.
func (t *Table) SetPhase(ctx context.Context, pid int, phase v1.AgentPhase, step int) {
	t.mu.Lock()
	if p, ok := t.procs[pid]; ok {
		p.Info.Phase = phase
	}
	t.mu.Unlock()
	if err := t.store.UpdateProcessPhase(ctx, pid, phase, step); err != nil {
		t.logger.WithPID(pid).WithError(err).Error("failed to persist phase")
	}
}

// Exit moves a process to zombie with an exit code and emits the
// critical process.exit event. Exiting an already terminal process is a
// no-op.
func (t *Table) Exit(ctx context.Context, pid int, exitCode int) error {
	phase := v1.PhaseCompleted
	if exitCode != v1.ExitOK {
		phase = v1.PhaseFailed
	}

	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok {
		t.mu.Unlock()
		return apperrors.NotFound("process", fmt.Sprint(pid))
	}
	if p.Info.State.Terminal() {
		t.mu.Unlock()
		return nil
	}
	prev := p.Info.State
	p.Info.State = v1.StateZombie
	p.Info.Phase = phase
	p.Info.ExitCode = &exitCode
	now := time.Now()
	ts := now.UnixMilli()
	p.Info.ExitedAt = &ts
	p.ExitedAt = now
	uid := p.Info.UID
	t.mu.Unlock()

	// A paused process resumes before it dies so the emitted state
	// sequence stays a path in the lifecycle DAG.
	if prev == v1.StatePaused {
		t.bus.Emit(events.New(events.ProcessStateChange, events.ProcessEvent{
			PID:   pid,
			UID:   uid,
			State: v1.StateRunning,
			Prev:  v1.StatePaused,
		}).WithOwner(uid).WithPID(pid))
		prev = v1.StateRunning
	}

	if err := t.store.MarkProcessExited(ctx, pid, exitCode, phase); err != nil {
		t.logger.WithPID(pid).WithError(err).Error("failed to persist exit")
	}
	t.logger.WithPID(pid).Info("process exited",
		zap.Int("exit_code", exitCode), zap.String("prev", string(prev)))
	t.bus.Emit(events.New(events.ProcessExit, events.ProcessEvent{
		PID:      pid,
		UID:      uid,
		State:    v1.StateZombie,
		Prev:     prev,
		ExitCode: &exitCode,
	}).WithOwner(uid).WithPID(pid))
	return nil
}

// Reap moves a zombie to dead, emits process.reaped, and drops the
// table entry.
func (t *Table) Reap(ctx context.Context, pid int) error {
	t.mu.Lock()
	p, ok := t.procs[pid]
	if !ok {
		t.mu.Unlock()
		return apperrors.NotFound("process", fmt.Sprint(pid))
	}
	if p.Info.State != v1.StateZombie {
		t.mu.Unlock()
		return apperrors.InvalidState(
			fmt.Sprintf("process %d is %s, only zombies are reaped", pid, p.Info.State))
	}
	uid := p.Info.UID
	exitCode := p.Info.ExitCode
	delete(t.procs, pid)
	t.mu.Unlock()

	if err := t.store.MarkProcessReaped(ctx, pid); err != nil {
		t.logger.WithPID(pid).WithError(err).Error("failed to persist reap")
	}
	t.logger.WithPID(pid).Debug("process reaped")
	t.bus.Emit(events.New(events.ProcessReaped, events.ProcessEvent{
		PID:      pid,
		UID:      uid,
		State:    v1.StateDead,
		Prev:     v1.StateZombie,
		ExitCode: exitCode,
	}).WithOwner(uid).WithPID(pid))
	return nil
}

// StartReaper launches the background reaper, which moves zombies to
// dead after the grace period.
func (t *Table) StartReaper() {
	interval := time.Duration(t.cfg.ReapIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	grace := time.Duration(t.cfg.ReapGraceSec) * time.Second

	t.mu.Lock()
	t.reaperStarted = true
	t.mu.Unlock()

	go func() {
		defer close(t.reaperDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stopReaper:
				return
			case <-ticker.C:
				t.reapExpired(grace)
			}
		}
	}()
}

func (t *Table) reapExpired(grace time.Duration) {
	cutoff := time.Now().Add(-grace)
	t.mu.RLock()
	var expired []int
	for pid, p := range t.procs {
		if p.Info.State == v1.StateZombie && p.ExitedAt.Before(cutoff) {
			expired = append(expired, pid)
		}
	}
	t.mu.RUnlock()

	ctx := context.Background()
	for _, pid := range expired {
		if err := t.Reap(ctx, pid); err != nil {
			t.logger.WithPID(pid).WithError(err).Warn("reap failed")
		}
	}
}

// Stop halts the reaper. A no-op when the reaper never started, and
// safe to call more than once.
func (t *Table) Stop() {
	t.mu.Lock()
	started := t.reaperStarted
	t.reaperStarted = false
	t.mu.Unlock()
	if !started {
		return
	}
	close(t.stopReaper)
	<-t.reaperDone
}
