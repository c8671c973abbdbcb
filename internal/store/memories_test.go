package store

import (
	"context"
	"testing"

	apperrors "github.com/aether/aether/internal/common/errors"
	v1 "github.com/aether/aether/pkg/api/v1"
)

func seedMemory(t *testing.T, s *Store, agentUID, layer, content string, importance float64) *v1.Memory {
	t.Helper()
	m := &v1.Memory{
		AgentUID:   agentUID,
		Layer:      layer,
		Content:    content,
		Importance: importance,
	}
	if err := s.InsertMemory(context.Background(), m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}
	return m
}

func TestStore_SearchMemories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMemory(t, s, "u1", v1.LayerSemantic, "the deployment pipeline uses blue green rollout", 0.8)
	seedMemory(t, s, "u1", v1.LayerSemantic, "weekly report template lives in the shared drive", 0.5)
	seedMemory(t, s, "u1", v1.LayerEpisodic, "deployment failed on tuesday", 0.3)
	seedMemory(t, s, "u2", v1.LayerSemantic, "deployment checklist for the other tenant", 0.9)

	results, err := s.SearchMemories(ctx, "u1", "deployment", "", 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results scoped to u1, got %d", len(results))
	}
	for _, m := range results {
		if m.AgentUID != "u1" {
			t.Errorf("result leaked across agents: %s", m.AgentUID)
		}
	}

	// Layer filter narrows further.
	results, err = s.SearchMemories(ctx, "u1", "deployment", v1.LayerEpisodic, 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 episodic result, got %d", len(results))
	}
}

func TestStore_SearchIgnoresShortTerms(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedMemory(t, s, "u1", v1.LayerSemantic, "a note about x and y coordinates", 0.5)

	// Only single-character terms: no query at all.
	results, err := s.SearchMemories(ctx, "u1", "a x y", "", 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results for degenerate query, got %d", len(results))
	}

	if got := ftsQuery(`pipeline "deploy" z`); got != `"pipeline" OR "deploy"` {
		t.Errorf("unexpected fts query: %s", got)
	}
}

func TestStore_SearchDegradesWithoutFTS(t *testing.T) {
	s := newTestStore(t)
	// Force the degraded path regardless of how the driver was built.
	s.ftsEnabled = false
	ctx := context.Background()

	seedMemory(t, s, "u1", v1.LayerSemantic, "the deployment pipeline uses blue green rollout", 0.8)
	seedMemory(t, s, "u1", v1.LayerEpisodic, "deployment failed on tuesday", 0.3)
	seedMemory(t, s, "u1", v1.LayerSemantic, "weekly report template lives in the shared drive", 0.5)
	seedMemory(t, s, "u2", v1.LayerSemantic, "deployment checklist for the other tenant", 0.9)

	results, err := s.SearchMemories(ctx, "u1", "deployment", "", 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results scoped to u1, got %d", len(results))
	}
	if results[0].Importance < results[1].Importance {
		t.Errorf("expected importance-descending order, got %v then %v",
			results[0].Importance, results[1].Importance)
	}
	for _, m := range results {
		if m.AgentUID != "u1" {
			t.Errorf("result leaked across agents: %s", m.AgentUID)
		}
	}

	// LIKE wildcards in the query are literal characters, not patterns.
	seedMemory(t, s, "u1", v1.LayerSemantic, "error rate spiked to 50% during rollout", 0.6)
	seedMemory(t, s, "u1", v1.LayerSemantic, "tried 50x retries without luck", 0.6)
	results, err = s.SearchMemories(ctx, "u1", "50%", "", 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 literal match for 50%%, got %d", len(results))
	}

	// Degenerate queries short-circuit here too.
	results, err = s.SearchMemories(ctx, "u1", "a x", "", 10)
	if err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results for degenerate query, got %d", len(results))
	}
}

func TestStore_SearchBumpsAccessStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := seedMemory(t, s, "u1", v1.LayerSemantic, "rollback procedure for the payment service", 0.7)

	if _, err := s.SearchMemories(ctx, "u1", "rollback", "", 10); err != nil {
		t.Fatalf("SearchMemories failed: %v", err)
	}

	got, err := s.GetMemory(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMemory failed: %v", err)
	}
	// One bump from the search; GetMemory bumps again after reading.
	if got.AccessCount != 1 {
		t.Errorf("expected access count 1 after search, got %d", got.AccessCount)
	}
}

func TestStore_EvictLayer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	low := seedMemory(t, s, "u1", v1.LayerEpisodic, "low value", 0.1)
	seedMemory(t, s, "u1", v1.LayerEpisodic, "mid value", 0.5)
	high := seedMemory(t, s, "u1", v1.LayerEpisodic, "high value", 0.9)
	// Another agent and layer are untouched.
	other := seedMemory(t, s, "u2", v1.LayerEpisodic, "other agent", 0.05)
	seedMemory(t, s, "u1", v1.LayerSemantic, "other layer", 0.05)

	evicted, err := s.EvictLayer(ctx, "u1", v1.LayerEpisodic, 2)
	if err != nil {
		t.Fatalf("EvictLayer failed: %v", err)
	}
	if evicted != 1 {
		t.Fatalf("expected 1 evicted, got %d", evicted)
	}

	if _, err := s.GetMemory(ctx, low.ID); apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		t.Errorf("expected lowest-importance memory evicted, got %v", err)
	}
	if _, err := s.GetMemory(ctx, high.ID); err != nil {
		t.Errorf("high-importance memory should survive: %v", err)
	}
	if _, err := s.GetMemory(ctx, other.ID); err != nil {
		t.Errorf("other agent's memory should survive: %v", err)
	}

	// Already under cap: nothing to do.
	evicted, err = s.EvictLayer(ctx, "u1", v1.LayerEpisodic, 10)
	if err != nil {
		t.Fatalf("EvictLayer failed: %v", err)
	}
	if evicted != 0 {
		t.Errorf("expected 0 evicted under cap, got %d", evicted)
	}
}

func TestStore_PruneExpiredMemories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := int64(1000)
	future := int64(1 << 60)
	expired := &v1.Memory{AgentUID: "u1", Layer: v1.LayerEpisodic, Content: "stale", ExpiresAt: &past}
	fresh := &v1.Memory{AgentUID: "u1", Layer: v1.LayerEpisodic, Content: "fresh", ExpiresAt: &future}
	forever := &v1.Memory{AgentUID: "u1", Layer: v1.LayerEpisodic, Content: "forever"}
	for _, m := range []*v1.Memory{expired, fresh, forever} {
		if err := s.InsertMemory(ctx, m); err != nil {
			t.Fatalf("InsertMemory failed: %v", err)
		}
	}

	pruned, err := s.PruneExpiredMemories(ctx, 2000)
	if err != nil {
		t.Fatalf("PruneExpiredMemories failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned, got %d", pruned)
	}

	n, err := s.CountLayer(ctx, "u1", v1.LayerEpisodic)
	if err != nil {
		t.Fatalf("CountLayer failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 remaining, got %d", n)
	}
}

func TestStore_PlanStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := &v1.Plan{PID: 1, AgentUID: "u1", Title: "research", Tree: `{"steps":[]}`}
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan failed: %v", err)
	}
	if p.Status != v1.PlanActive {
		t.Fatalf("expected active, got %s", p.Status)
	}

	if _, err := s.UpdatePlan(ctx, p.ID, "", v1.PlanCompleted, ""); err != nil {
		t.Fatalf("UpdatePlan failed: %v", err)
	}

	// Terminal plans reject further updates.
	_, err := s.UpdatePlan(ctx, p.ID, "", v1.PlanActive, "")
	if apperrors.CodeOf(err) != apperrors.ErrCodeInvalidState {
		t.Errorf("expected INVALID_STATE, got %v", err)
	}
}
