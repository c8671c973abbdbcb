package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aether/aether/internal/common/config"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

type fakeSpawner struct {
	mu     sync.Mutex
	spawns []v1.AgentConfig
	fail   error
	pid    int
}

func (f *fakeSpawner) SpawnAgent(ctx context.Context, uid string, cfg v1.AgentConfig) (*v1.ProcessInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	f.pid++
	f.spawns = append(f.spawns, cfg)
	return &v1.ProcessInfo{PID: f.pid, UID: uid}, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}

func agentConfigJSON(t *testing.T, goal string) string {
	t.Helper()
	raw, err := json.Marshal(v1.AgentConfig{Role: "worker", Goal: goal, MaxSteps: 1})
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestComputeNext(t *testing.T) {
	base := time.Date(2026, 3, 10, 10, 0, 5, 0, time.UTC)

	next, err := ComputeNext("* * * * *", base)
	if err != nil {
		t.Fatalf("ComputeNext failed: %v", err)
	}
	want := time.Date(2026, 3, 10, 10, 1, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}

	// Strictly in the future, and monotone in the reference time.
	for _, expr := range []string{"* * * * *", "0 * * * *", "30 4 * * 1", "@daily", "@hourly"} {
		n1, err := ComputeNext(expr, base)
		if err != nil {
			t.Fatalf("ComputeNext(%q) failed: %v", expr, err)
		}
		if !n1.After(base) {
			t.Errorf("%q: next %v not after %v", expr, n1, base)
		}
		n2, err := ComputeNext(expr, base.Add(time.Hour))
		if err != nil {
			t.Fatalf("ComputeNext(%q) failed: %v", expr, err)
		}
		if n2.Before(n1) {
			t.Errorf("%q: next not monotone: %v then %v", expr, n1, n2)
		}
	}

	if _, err := ComputeNext("not a cron line", base); apperrors.CodeOf(err) != apperrors.ErrCodeArgValidation {
		t.Errorf("expected ARG_VALIDATION, got %v", err)
	}
	// Six-field (seconds) expressions are out of dialect.
	if _, err := ComputeNext("*/5 * * * * *", base); err == nil {
		t.Error("expected seconds-resolution expression to be rejected")
	}
}

func newCronFixture(t *testing.T) (*CronDriver, *fakeSpawner, *store.Store) {
	t.Helper()
	log := logger.NewNop()
	st, err := store.OpenMemory(log)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eb := bus.NewMemoryBus(log)
	t.Cleanup(func() { eb.Close() })

	sp := &fakeSpawner{}
	d := NewCronDriver(config.SchedulerConfig{PollIntervalMs: 1000}, st, sp, eb, log)
	return d, sp, st
}

func TestCronDriver_TickFiresDueJobs(t *testing.T) {
	d, sp, st := newCronFixture(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 10, 10, 0, 5, 0, time.UTC)
	d.now = func() time.Time { return clock }

	job := &v1.CronJob{
		Name:           "minutely",
		CronExpression: "* * * * *",
		AgentConfig:    agentConfigJSON(t, "tick"),
		OwnerUID:       "alice",
	}
	if err := d.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	wantNext := time.Date(2026, 3, 10, 10, 1, 0, 0, time.UTC).UnixMilli()
	if job.NextRun != wantNext {
		t.Fatalf("expected nextRun %d, got %d", wantNext, job.NextRun)
	}

	// Not due yet.
	d.Tick(ctx)
	if sp.count() != 0 {
		t.Fatalf("expected no spawns before nextRun, got %d", sp.count())
	}

	// Advance past the minute boundary: exactly one spawn.
	clock = time.Date(2026, 3, 10, 10, 1, 1, 0, time.UTC)
	d.Tick(ctx)
	if sp.count() != 1 {
		t.Fatalf("expected 1 spawn, got %d", sp.count())
	}
	// Same tick time again: nextRun has moved, nothing fires.
	d.Tick(ctx)
	if sp.count() != 1 {
		t.Fatalf("expected still 1 spawn, got %d", sp.count())
	}

	got, err := st.GetCronJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCronJob failed: %v", err)
	}
	if got.RunCount != 1 {
		t.Errorf("expected runCount 1, got %d", got.RunCount)
	}
	if got.LastRun == nil || *got.LastRun != clock.UnixMilli() {
		t.Errorf("unexpected lastRun %v", got.LastRun)
	}
	if got.NextRun != time.Date(2026, 3, 10, 10, 2, 0, 0, time.UTC).UnixMilli() {
		t.Errorf("unexpected nextRun %d", got.NextRun)
	}
}

func TestCronDriver_FailedSpawnKeepsJobDue(t *testing.T) {
	d, sp, st := newCronFixture(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 10, 10, 0, 5, 0, time.UTC)
	d.now = func() time.Time { return clock }

	job := &v1.CronJob{
		Name:           "contended",
		CronExpression: "* * * * *",
		AgentConfig:    agentConfigJSON(t, "tick"),
		OwnerUID:       "alice",
	}
	if err := d.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	clock = clock.Add(time.Minute)
	sp.fail = apperrors.CapacityExceeded("full")
	d.Tick(ctx)

	got, err := st.GetCronJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetCronJob failed: %v", err)
	}
	if got.RunCount != 0 || got.LastRun != nil {
		t.Fatalf("failed spawn must not stamp the job: %+v", got)
	}

	// Capacity freed: the very next tick fires.
	sp.fail = nil
	d.Tick(ctx)
	if sp.count() != 1 {
		t.Errorf("expected job to remain due, got %d spawns", sp.count())
	}
}

func TestCronDriver_CreateJobRejectsBadInput(t *testing.T) {
	d, _, _ := newCronFixture(t)
	ctx := context.Background()

	err := d.CreateJob(ctx, &v1.CronJob{
		Name: "bad", CronExpression: "nope", AgentConfig: agentConfigJSON(t, "x"), OwnerUID: "a",
	})
	if apperrors.CodeOf(err) != apperrors.ErrCodeArgValidation {
		t.Errorf("expected ARG_VALIDATION for bad expression, got %v", err)
	}

	err = d.CreateJob(ctx, &v1.CronJob{
		Name: "bad", CronExpression: "* * * * *", AgentConfig: "{", OwnerUID: "a",
	})
	if apperrors.CodeOf(err) != apperrors.ErrCodeArgValidation {
		t.Errorf("expected ARG_VALIDATION for bad agent config, got %v", err)
	}
}

func newTriggerFixture(t *testing.T) (*TriggerDriver, *fakeSpawner, *store.Store, *bus.MemoryBus) {
	t.Helper()
	log := logger.NewNop()
	st, err := store.OpenMemory(log)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eb := bus.NewMemoryBus(log)
	t.Cleanup(func() { eb.Close() })

	sp := &fakeSpawner{}
	d := NewTriggerDriver(st, sp, eb, log)
	return d, sp, st, eb
}

func waitForSpawns(t *testing.T, sp *fakeSpawner, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sp.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d spawns, got %d", want, sp.count())
}

func TestTriggerDriver_CooldownLimitsFiring(t *testing.T) {
	d, sp, st, eb := newTriggerFixture(t)
	ctx := context.Background()

	trig := &v1.EventTrigger{
		Name:        "on-thought",
		EventType:   events.AgentThought,
		AgentConfig: agentConfigJSON(t, "react"),
		OwnerUID:    "alice",
		CooldownMs:  500,
	}
	if err := d.CreateTrigger(ctx, trig); err != nil {
		t.Fatalf("CreateTrigger failed: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	thought := func() *events.Event {
		return events.New(events.AgentThought, events.AgentStepEvent{PID: 1, UID: "alice", Content: "hm"})
	}

	// Two thoughts 100ms apart: exactly one spawn.
	eb.Emit(thought())
	waitForSpawns(t, sp, 1)
	time.Sleep(100 * time.Millisecond)
	eb.Emit(thought())
	time.Sleep(150 * time.Millisecond)
	if sp.count() != 1 {
		t.Fatalf("cooldown violated: %d spawns", sp.count())
	}

	// A third thought after the window: second spawn.
	time.Sleep(500 * time.Millisecond)
	eb.Emit(thought())
	waitForSpawns(t, sp, 2)

	got, err := st.GetTrigger(ctx, trig.ID)
	if err != nil {
		t.Fatalf("GetTrigger failed: %v", err)
	}
	if got.FireCount != 2 {
		t.Errorf("expected fireCount 2, got %d", got.FireCount)
	}
}

func TestTriggerDriver_FilterAndEventTypeMatch(t *testing.T) {
	d, sp, _, eb := newTriggerFixture(t)
	ctx := context.Background()

	trig := &v1.EventTrigger{
		Name:        "on-bob-exit",
		EventType:   events.ProcessExit,
		EventFilter: "uid=bob",
		AgentConfig: agentConfigJSON(t, "cleanup"),
		OwnerUID:    "admin-1",
		CooldownMs:  0,
	}
	if err := d.CreateTrigger(ctx, trig); err != nil {
		t.Fatalf("CreateTrigger failed: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	// Wrong topic, then wrong payload value, then a match.
	eb.Emit(events.New(events.ProcessSpawned, events.ProcessEvent{PID: 1, UID: "bob"}))
	eb.Emit(events.New(events.ProcessExit, events.ProcessEvent{PID: 2, UID: "carol"}))
	time.Sleep(100 * time.Millisecond)
	if sp.count() != 0 {
		t.Fatalf("expected no spawns, got %d", sp.count())
	}

	eb.Emit(events.New(events.ProcessExit, events.ProcessEvent{PID: 3, UID: "bob"}))
	waitForSpawns(t, sp, 1)
}

func TestTriggerDriver_FailedSpawnStillStartsCooldown(t *testing.T) {
	d, sp, st, eb := newTriggerFixture(t)
	ctx := context.Background()

	trig := &v1.EventTrigger{
		Name:        "contended",
		EventType:   events.FSChanged,
		AgentConfig: agentConfigJSON(t, "index"),
		OwnerUID:    "alice",
		CooldownMs:  60_000,
	}
	if err := d.CreateTrigger(ctx, trig); err != nil {
		t.Fatalf("CreateTrigger failed: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	sp.fail = apperrors.CapacityExceeded("full")
	eb.Emit(events.New(events.FSChanged, events.FSEvent{Path: "a", OwnerUID: "alice", Op: "write"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetTrigger(ctx, trig.ID)
		if err != nil {
			t.Fatalf("GetTrigger failed: %v", err)
		}
		if got.LastFired != nil {
			// Cooldown opened despite the failed spawn: the next event
			// inside the window must not retry.
			sp.fail = nil
			eb.Emit(events.New(events.FSChanged, events.FSEvent{Path: "b", OwnerUID: "alice", Op: "write"}))
			time.Sleep(100 * time.Millisecond)
			if sp.count() != 0 {
				t.Fatalf("expected cooldown to suppress retry, got %d spawns", sp.count())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("trigger firing was never stamped")
}

func TestLookupPath(t *testing.T) {
	payload := []byte(`{"pid": 7, "uid": "bob", "nested": {"op": "write", "flag": true}}`)
	cases := []struct {
		path  string
		want  string
		found bool
	}{
		{"uid", "bob", true},
		{"pid", "7", true},
		{"nested.op", "write", true},
		{"nested.flag", "true", true},
		{"nested.missing", "", false},
		{"uid.too.deep", "", false},
	}
	for _, tc := range cases {
		got, found := lookupPath(payload, tc.path)
		if found != tc.found || got != tc.want {
			t.Errorf("lookupPath(%q) = %q,%v want %q,%v", tc.path, got, found, tc.want, tc.found)
		}
	}
}
