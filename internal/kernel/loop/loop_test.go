package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aether/aether/internal/acl"
	"github.com/aether/aether/internal/common/config"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/kernel/proctable"
	"github.com/aether/aether/internal/kernel/toolhost"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type fixture struct {
	table   *proctable.Table
	manager *Manager
	bus     *bus.MemoryBus
	store   *store.Store
}

func newFixture(t *testing.T, factory StepFactory) *fixture {
	t.Helper()
	log := logger.NewNop()
	st, err := store.OpenMemory(log)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eb := bus.NewMemoryBus(log)
	t.Cleanup(func() { eb.Close() })

	cfg := &config.Config{
		Kernel: config.KernelConfig{MaxProcesses: 8, DefaultMaxSteps: 5, ToolTimeoutSec: 2},
		Memory: config.MemoryConfig{EpisodicCap: 10, SemanticCap: 10, ProceduralCap: 10, SocialCap: 10},
	}
	cfg.Database.HomeDir = t.TempDir()

	table, err := proctable.New(context.Background(), cfg.Kernel, st, eb, log)
	if err != nil {
		t.Fatalf("proctable.New failed: %v", err)
	}
	host := toolhost.New(cfg.Kernel, acl.New(st, log), log)
	if err := host.RegisterBuiltins(toolhost.BuiltinDeps{Store: st, Bus: eb, Config: cfg, Logger: log}); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	return &fixture{
		table:   table,
		manager: NewManager(table, host, eb, factory, log),
		bus:     eb,
		store:   st,
	}
}

type eventLog struct {
	mu  sync.Mutex
	seq []*events.Event
}

func (l *eventLog) record(ctx context.Context, ev *events.Event) error {
	l.mu.Lock()
	l.seq = append(l.seq, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) topics() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.seq))
	for i, ev := range l.seq {
		out[i] = ev.Topic
	}
	return out
}

func (l *eventLog) waitFor(t *testing.T, topic string, timeout time.Duration) *events.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		for _, ev := range l.seq {
			if ev.Topic == topic {
				l.mu.Unlock()
				return ev
			}
		}
		l.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("event %s never arrived; saw %v", topic, l.topics())
	return nil
}

func TestLoop_SpawnAndExit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	rec := &eventLog{}
	if _, err := f.bus.Subscribe("*", rec.record); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	info, err := f.table.Spawn(ctx, "alice", v1.AgentConfig{
		Role: "Researcher", Goal: "say hi", MaxSteps: 1,
	})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := f.manager.Launch(ctx, info, v1.RoleUser); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	rec.waitFor(t, events.AgentThought, 2*time.Second)
	rec.waitFor(t, events.AgentAction, 2*time.Second)
	rec.waitFor(t, events.AgentObservation, 2*time.Second)
	exit := rec.waitFor(t, events.ProcessExit, 2*time.Second)

	payload := exit.Payload.(events.ProcessEvent)
	if payload.ExitCode == nil || *payload.ExitCode != v1.ExitOK {
		t.Errorf("expected exit code 0, got %v", payload.ExitCode)
	}

	got, err := f.table.Get(info.PID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != v1.StateZombie {
		t.Errorf("expected zombie after completion, got %s", got.State)
	}
	if got.Phase != v1.PhaseCompleted {
		t.Errorf("expected completed phase, got %s", got.Phase)
	}
}

func TestLoop_MaxStepsLimit(t *testing.T) {
	// A step that never reports Done: the loop must stop at maxSteps
	// with a clean exit.
	factory := func(info *v1.ProcessInfo, maxSteps int) ChatStep {
		return NewScriptedStep(info.Goal, maxSteps+100)
	}
	f := newFixture(t, factory)
	ctx := context.Background()

	rec := &eventLog{}
	if _, err := f.bus.Subscribe(events.ProcessExit, rec.record); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	info, err := f.table.Spawn(ctx, "alice", v1.AgentConfig{Role: "r", Goal: "loop forever", MaxSteps: 3})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := f.manager.Launch(ctx, info, v1.RoleUser); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	exit := rec.waitFor(t, events.ProcessExit, 2*time.Second)
	payload := exit.Payload.(events.ProcessEvent)
	if payload.ExitCode == nil || *payload.ExitCode != v1.ExitOK {
		t.Errorf("step limit should exit clean, got %v", payload.ExitCode)
	}
}

// gatedStep blocks inside Step until released, so tests can pause or
// kill a loop deterministically mid-run.
type gatedStep struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	seen    []Message
}

func newGatedStep() *gatedStep {
	return &gatedStep{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (g *gatedStep) Step(ctx context.Context, messages []Message, tools []toolhost.Spec) (*StepResult, error) {
	g.mu.Lock()
	g.seen = append([]Message(nil), messages...)
	g.mu.Unlock()
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return &StepResult{Content: "step"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestLoop_PauseResumeInject(t *testing.T) {
	gate := newGatedStep()
	f := newFixture(t, func(*v1.ProcessInfo, int) ChatStep { return gate })
	ctx := context.Background()

	rec := &eventLog{}
	if _, err := f.bus.Subscribe("agent.*", rec.record); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	info, err := f.table.Spawn(ctx, "alice", v1.AgentConfig{Role: "r", Goal: "wait", MaxSteps: 5})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := f.manager.Launch(ctx, info, v1.RoleUser); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	<-gate.entered // loop is inside step 1
	if err := f.manager.Pause(ctx, info.PID, "alice"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	rec.waitFor(t, events.AgentPaused, time.Second)
	if err := f.manager.Inject(ctx, info.PID, "new instruction"); err != nil {
		t.Fatalf("Inject failed: %v", err)
	}

	gate.release <- struct{}{} // step 1 returns; loop blocks on the pause

	got, err := f.table.Get(info.PID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != v1.StatePaused {
		t.Fatalf("expected paused, got %s", got.State)
	}
	select {
	case <-gate.entered:
		t.Fatal("loop advanced while paused")
	case <-time.After(50 * time.Millisecond):
	}

	if err := f.manager.Resume(ctx, info.PID, "alice"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	rec.waitFor(t, events.AgentResumed, time.Second)

	<-gate.entered // step 2 sees the injected message
	gate.mu.Lock()
	var foundInjected bool
	for _, m := range gate.seen {
		if m.Role == RoleUser && m.Content == "new instruction" {
			foundInjected = true
		}
	}
	gate.mu.Unlock()
	if !foundInjected {
		t.Error("injected message missing from the transcript")
	}

	if err := f.manager.Kill(ctx, info.PID); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
}

func TestLoop_KillReportsKilledExitCode(t *testing.T) {
	gate := newGatedStep()
	f := newFixture(t, func(*v1.ProcessInfo, int) ChatStep { return gate })
	ctx := context.Background()

	rec := &eventLog{}
	if _, err := f.bus.Subscribe(events.ProcessExit, rec.record); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	info, err := f.table.Spawn(ctx, "alice", v1.AgentConfig{Role: "r", Goal: "wait", MaxSteps: 5})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := f.manager.Launch(ctx, info, v1.RoleUser); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	<-gate.entered
	if err := f.manager.Kill(ctx, info.PID); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	exit := rec.waitFor(t, events.ProcessExit, 2*time.Second)
	payload := exit.Payload.(events.ProcessEvent)
	if payload.ExitCode == nil || *payload.ExitCode != v1.ExitKilled {
		t.Errorf("expected exit code 137, got %v", payload.ExitCode)
	}

	// The runner is gone; further control commands report the state.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if err := f.manager.Kill(ctx, info.PID); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("kill on an exited process should fail")
}

func TestLoop_FailedStepExitsWithFailure(t *testing.T) {
	factory := func(*v1.ProcessInfo, int) ChatStep {
		return stepFunc(func(ctx context.Context, messages []Message, tools []toolhost.Spec) (*StepResult, error) {
			return nil, context.DeadlineExceeded
		})
	}
	f := newFixture(t, factory)
	ctx := context.Background()

	rec := &eventLog{}
	if _, err := f.bus.Subscribe(events.ProcessExit, rec.record); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	info, err := f.table.Spawn(ctx, "alice", v1.AgentConfig{Role: "r", Goal: "fail", MaxSteps: 2})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := f.manager.Launch(ctx, info, v1.RoleUser); err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	exit := rec.waitFor(t, events.ProcessExit, 2*time.Second)
	payload := exit.Payload.(events.ProcessEvent)
	if payload.ExitCode == nil || *payload.ExitCode != v1.ExitFailed {
		t.Errorf("expected exit code 1, got %v", payload.ExitCode)
	}
}

type stepFunc func(ctx context.Context, messages []Message, tools []toolhost.Spec) (*StepResult, error)

func (f stepFunc) Step(ctx context.Context, messages []Message, tools []toolhost.Spec) (*StepResult, error) {
	return f(ctx, messages, tools)
}
