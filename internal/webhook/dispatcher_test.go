package webhook

import (
	"context"
	"crypto/hmac"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
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

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *bus.MemoryBus) {
	t.Helper()
	log := logger.NewNop()
	st, err := store.OpenMemory(log)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	eb := bus.NewMemoryBus(log)
	t.Cleanup(func() { eb.Close() })

	d := NewDispatcher(config.WebhookConfig{TimeoutMs: 500, RetryCount: 3}, st, eb, log)
	return d, st, eb
}

func TestDispatcher_DeliversSignedPayload(t *testing.T) {
	d, st, eb := newTestDispatcher(t)
	ctx := context.Background()

	var mu sync.Mutex
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get(SignatureHeader)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &v1.Webhook{
		URL:      srv.URL,
		Secret:   "hunter2",
		Events:   []string{"process.*"},
		Enabled:  true,
		OwnerUID: "alice",
	}
	if err := st.CreateWebhook(ctx, w); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	eb.Emit(events.New(events.ProcessSpawned, events.ProcessEvent{PID: 1, UID: "alice"}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := gotBody != nil
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotBody == nil {
		t.Fatal("delivery never arrived")
	}
	if !hmac.Equal([]byte(gotSig), []byte(Sign("hunter2", gotBody))) {
		t.Errorf("signature mismatch: %s", gotSig)
	}

	logs, err := st.ListWebhookLogs(ctx, w.ID, 10)
	if err != nil {
		t.Fatalf("ListWebhookLogs failed: %v", err)
	}
	if len(logs) != 1 || !logs[0].Success {
		t.Errorf("expected one successful log row, got %+v", logs)
	}
}

func TestDispatcher_EventAndFilterMatching(t *testing.T) {
	d, st, eb := newTestDispatcher(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &v1.Webhook{
		URL:      srv.URL,
		Events:   []string{"process.exit"},
		Filters:  map[string]string{"uid": "bob"},
		Enabled:  true,
		OwnerUID: "admin-1",
	}
	if err := st.CreateWebhook(ctx, w); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	eb.Emit(events.New(events.ProcessSpawned, events.ProcessEvent{PID: 1, UID: "bob"}))
	eb.Emit(events.New(events.ProcessExit, events.ProcessEvent{PID: 1, UID: "carol"}))
	time.Sleep(150 * time.Millisecond)
	if hits.Load() != 0 {
		t.Fatalf("expected no deliveries, got %d", hits.Load())
	}

	eb.Emit(events.New(events.ProcessExit, events.ProcessEvent{PID: 2, UID: "bob"}))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && hits.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if hits.Load() != 1 {
		t.Errorf("expected exactly one delivery, got %d", hits.Load())
	}
}

func TestDispatcher_ExhaustionParksInDLQ(t *testing.T) {
	d, st, eb := newTestDispatcher(t)
	ctx := context.Background()

	w := &v1.Webhook{
		URL:        "http://127.0.0.1:1/unreachable",
		Events:     []string{"*"},
		Enabled:    true,
		OwnerUID:   "alice",
		RetryCount: 2,
		TimeoutMs:  100,
	}
	if err := st.CreateWebhook(ctx, w); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}

	rec := make(chan *events.Event, 1)
	if _, err := eb.Subscribe(events.WebhookDLQ, func(ctx context.Context, ev *events.Event) error {
		select {
		case rec <- ev:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	d.Deliver(ctx, w, "agent.thought", []byte(`{"topic":"agent.thought"}`))

	select {
	case <-rec:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook.dlq event never arrived")
	}

	logs, err := st.ListWebhookLogs(ctx, w.ID, 10)
	if err != nil {
		t.Fatalf("ListWebhookLogs failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 attempt rows, got %d", len(logs))
	}
	for _, l := range logs {
		if l.Success {
			t.Errorf("attempt %d should have failed", l.Attempt)
		}
	}

	entries, err := st.ListDLQ(ctx, w.ID)
	if err != nil {
		t.Fatalf("ListDLQ failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Attempts != 2 {
		t.Fatalf("expected one dlq entry with 2 attempts, got %+v", entries)
	}

	got, err := st.GetWebhook(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWebhook failed: %v", err)
	}
	if got.FailureCount != 1 {
		t.Errorf("expected failureCount 1, got %d", got.FailureCount)
	}
}

func TestDispatcher_RetryDLQRedelivers(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &v1.Webhook{URL: srv.URL, Events: []string{"*"}, Enabled: true, OwnerUID: "alice"}
	if err := st.CreateWebhook(ctx, w); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}
	entry := &v1.DLQEntry{
		WebhookID: w.ID,
		EventType: "process.exit",
		Payload:   `{"topic":"process.exit"}`,
		Error:     "connection refused",
		Attempts:  3,
	}
	if err := st.AppendDLQ(ctx, entry); err != nil {
		t.Fatalf("AppendDLQ failed: %v", err)
	}

	if err := d.RetryDLQ(ctx, entry.ID); err != nil {
		t.Fatalf("RetryDLQ failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected one redelivery, got %d", hits.Load())
	}
	if _, err := st.GetDLQEntry(ctx, entry.ID); apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		t.Errorf("expected entry removed after success, got %v", err)
	}
}

func TestDispatcher_AutoDisableAfterRepeatedFailures(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	ctx := context.Background()

	w := &v1.Webhook{
		URL:        "http://127.0.0.1:1/unreachable",
		Events:     []string{"*"},
		Enabled:    true,
		OwnerUID:   "alice",
		RetryCount: 1,
		TimeoutMs:  50,
	}
	if err := st.CreateWebhook(ctx, w); err != nil {
		t.Fatalf("CreateWebhook failed: %v", err)
	}

	for i := 0; i < disableAfterFailures; i++ {
		d.Deliver(ctx, w, "agent.thought", []byte(`{}`))
	}

	got, err := st.GetWebhook(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWebhook failed: %v", err)
	}
	if got.Enabled {
		t.Error("expected webhook disabled after repeated failures")
	}
	if got.FailureCount != disableAfterFailures {
		t.Errorf("expected failureCount %d, got %d", disableAfterFailures, got.FailureCount)
	}
}

type inboundSpawner struct {
	mu    sync.Mutex
	goals []string
	fail  error
}

func (s *inboundSpawner) SpawnAgent(ctx context.Context, uid string, cfg v1.AgentConfig) (*v1.ProcessInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	s.goals = append(s.goals, cfg.Goal)
	return &v1.ProcessInfo{PID: len(s.goals), UID: uid}, nil
}

func TestInbound_TriggerSpawnsWithTransform(t *testing.T) {
	log := logger.NewNop()
	st, err := store.OpenMemory(log)
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sp := &inboundSpawner{}
	in := NewInbound(st, sp, log)
	ctx := context.Background()

	hook := &v1.InboundWebhook{
		Name:        "ticket-intake",
		AgentConfig: `{"role":"support","goal":"triage the ticket","maxSteps":1}`,
		Transform:   "issue.title",
		OwnerUID:    "alice",
	}
	if err := st.CreateInboundWebhook(ctx, hook); err != nil {
		t.Fatalf("CreateInboundWebhook failed: %v", err)
	}

	info, err := in.Trigger(ctx, hook.Token, []byte(`{"issue":{"title":"printer on fire","id":9}}`))
	if err != nil {
		t.Fatalf("Trigger failed: %v", err)
	}
	if info.PID != 1 {
		t.Errorf("unexpected pid %d", info.PID)
	}
	sp.mu.Lock()
	goal := sp.goals[0]
	sp.mu.Unlock()
	if goal != "triage the ticket\n\nInput: printer on fire" {
		t.Errorf("unexpected goal %q", goal)
	}

	got, err := st.GetInboundWebhookByToken(ctx, hook.Token)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if got.TriggerCount != 1 || got.LastTriggered == nil {
		t.Errorf("trigger not stamped: %+v", got)
	}

	// Unknown tokens are NOT_FOUND.
	if _, err := in.Trigger(ctx, "no-such-token", nil); apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}
