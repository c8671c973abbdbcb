package loop

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/kernel/proctable"
	"github.com/aether/aether/internal/kernel/toolhost"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// StepFactory builds the ChatStep for a newly spawned process. The
// default factory returns a scripted step; deployments with provider
// keys plug in a real adapter.
type StepFactory func(info *v1.ProcessInfo, maxSteps int) ChatStep

// DefaultStepFactory runs every agent on the deterministic scripted step.
func DefaultStepFactory(info *v1.ProcessInfo, maxSteps int) ChatStep {
	return NewScriptedStep(info.Goal, 1)
}

// Manager owns the live runners, one per non-terminal process.
type Manager struct {
	mu      sync.Mutex
	runners map[int]*Runner

	table   *proctable.Table
	host    *toolhost.Host
	bus     bus.Bus
	factory StepFactory
	logger  *logger.Logger
}

func NewManager(table *proctable.Table, host *toolhost.Host, eb bus.Bus,
	factory StepFactory, log *logger.Logger) *Manager {
	if factory == nil {
		factory = DefaultStepFactory
	}
	return &Manager{
		runners: make(map[int]*Runner),
		table:   table,
		host:    host,
		bus:     eb,
		factory: factory,
		logger:  log.WithFields(zap.String("component", "agent-loop")),
	}
}

// Launch starts the reasoning loop for a freshly spawned process. The
// caller's role flows into tool permission checks.
func (m *Manager) Launch(ctx context.Context, info *v1.ProcessInfo, ownerRole string) error {
	maxSteps := m.table.MaxSteps(info.PID)
	r := newRunner(info, ownerRole, maxSteps, m.factory(info, maxSteps),
		m.table, m.host, m.bus, m.logger)

	m.mu.Lock()
	if _, exists := m.runners[info.PID]; exists {
		m.mu.Unlock()
		return apperrors.InvalidState(fmt.Sprintf("process %d is already running", info.PID))
	}
	m.runners[info.PID] = r
	m.mu.Unlock()

	if err := r.start(ctx); err != nil {
		m.mu.Lock()
		delete(m.runners, info.PID)
		m.mu.Unlock()
		return err
	}
	go func() {
		<-r.Done()
		m.mu.Lock()
		delete(m.runners, info.PID)
		m.mu.Unlock()
	}()
	return nil
}

func (m *Manager) runner(pid int) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[pid]
	if !ok {
		// Either the pid never existed or its loop already finished.
		if _, err := m.table.Get(pid); err != nil {
			return nil, err
		}
		return nil, apperrors.InvalidState(fmt.Sprintf("process %d is not running", pid))
	}
	return r, nil
}

// Pause suspends a running loop at its next step boundary.
func (m *Manager) Pause(ctx context.Context, pid int, by string) error {
	r, err := m.runner(pid)
	if err != nil {
		return err
	}
	return r.Pause(ctx, by)
}

// Resume continues a paused loop.
func (m *Manager) Resume(ctx context.Context, pid int, by string) error {
	r, err := m.runner(pid)
	if err != nil {
		return err
	}
	return r.Resume(ctx, by)
}

// Inject appends a user message read by the next think.
func (m *Manager) Inject(ctx context.Context, pid int, text string) error {
	r, err := m.runner(pid)
	if err != nil {
		return err
	}
	r.Inject(text)
	return nil
}

// Kill cancels a loop; the process exits with the killed code. A paused
// loop is woken so it can observe the cancellation.
func (m *Manager) Kill(ctx context.Context, pid int) error {
	r, err := m.runner(pid)
	if err != nil {
		return err
	}
	r.Kill()
	return nil
}

// Shutdown kills all live loops and waits for them to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	live := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		live = append(live, r)
	}
	m.mu.Unlock()

	for _, r := range live {
		r.Kill()
	}
	for _, r := range live {
		<-r.Done()
	}
}
