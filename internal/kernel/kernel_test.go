package kernel

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
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

func newTestKernel(t *testing.T) (*Kernel, *store.Store, *bus.MemoryBus) {
	t.Helper()
	log := logger.NewNop()
	st, err := store.OpenMemory(log)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eb := bus.NewMemoryBus(log)
	t.Cleanup(func() { eb.Close() })

	cfg := &config.Config{}
	cfg.Kernel.MaxProcesses = 8
	cfg.Kernel.DefaultMaxSteps = 3
	cfg.Kernel.ToolTimeoutSec = 2
	cfg.Database.HomeDir = t.TempDir()
	cfg.Database.SnapshotDir = t.TempDir()

	k, err := New(context.Background(), cfg, st, eb, nil, log)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	k.Start()
	t.Cleanup(k.Stop)
	return k, st, eb
}

func waitForTopic(t *testing.T, eb *bus.MemoryBus, topic string) <-chan *events.Event {
	t.Helper()
	ch := make(chan *events.Event, 16)
	if _, err := eb.Subscribe(topic, func(ctx context.Context, ev *events.Event) error {
		select {
		case ch <- ev:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return ch
}

func TestKernel_SpawnAgentRunsToExit(t *testing.T) {
	k, st, eb := newTestKernel(t)
	ctx := context.Background()

	exits := waitForTopic(t, eb, events.ProcessExit)

	info, err := k.SpawnAgent(ctx, "alice", v1.AgentConfig{
		Role: "researcher",
		Goal: "summarize the report",
	})
	if err != nil {
		t.Fatalf("SpawnAgent failed: %v", err)
	}
	if info.PID != 1 {
		t.Errorf("first pid = %d, want 1", info.PID)
	}

	select {
	case ev := <-exits:
		pe := ev.Payload.(events.ProcessEvent)
		if pe.ExitCode == nil || *pe.ExitCode != v1.ExitOK {
			t.Errorf("exit code = %v, want 0", pe.ExitCode)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("process never exited")
	}

	// The scripted loop's step stream lands in agent_logs via the bus.
	deadline := time.Now().Add(2 * time.Second)
	for {
		logs, err := st.ListAgentLogs(ctx, info.PID, 0, 50)
		if err != nil {
			t.Fatalf("ListAgentLogs failed: %v", err)
		}
		if len(logs) >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected persisted step logs, got %d", len(logs))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestKernel_SnapshotArchivesHome(t *testing.T) {
	k, st, _ := newTestKernel(t)
	ctx := context.Background()

	home := filepath.Join(k.cfg.Database.HomeDir, "alice", "notes")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "draft.md"), []byte("findings"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	info, err := k.SpawnAgent(ctx, "alice", v1.AgentConfig{Role: "writer", Goal: "draft"})
	if err != nil {
		t.Fatalf("SpawnAgent failed: %v", err)
	}

	snap, err := k.Snapshot(ctx, info.PID, "before review")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snap.SizeBytes <= 0 {
		t.Error("expected a non-empty tarball")
	}

	f, err := os.Open(snap.TarballPath)
	if err != nil {
		t.Fatalf("tarball missing: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip open failed: %v", err)
	}
	tr := tar.NewReader(gz)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar read failed: %v", err)
		}
		if hdr.Name == "notes/draft.md" {
			found = true
		}
	}
	if !found {
		t.Error("draft.md missing from archive")
	}

	stored, err := st.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if stored.PID != info.PID || stored.Description != "before review" {
		t.Errorf("unexpected snapshot row %+v", stored)
	}

	if _, err := k.Snapshot(ctx, 9999, ""); apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		t.Errorf("unknown pid: expected NOT_FOUND, got %v", err)
	}
}

func TestKernel_SampleAndCluster(t *testing.T) {
	k, st, eb := newTestKernel(t)
	ctx := context.Background()

	samples := waitForTopic(t, eb, events.KernelMetrics)
	m := k.Sample(ctx, 12.5)
	if m.MemoryMB <= 0 {
		t.Error("expected a memory reading")
	}
	if m.CPUPercent != 12.5 {
		t.Errorf("cpuPercent = %f", m.CPUPercent)
	}

	select {
	case <-samples:
	case <-time.After(2 * time.Second):
		t.Fatal("kernel.metrics never emitted")
	}

	rows, err := st.ListMetrics(ctx, 0, 10)
	if err != nil {
		t.Fatalf("ListMetrics failed: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected one persisted sample, got %d", len(rows))
	}

	ci := k.Cluster()
	if ci.NodeID == "" || ci.MaxProcesses != 8 {
		t.Errorf("unexpected cluster info %+v", ci)
	}
	if !ci.Ephemeral {
		t.Error("memory-backed store should report ephemeral")
	}
}
