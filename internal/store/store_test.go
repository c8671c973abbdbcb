package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aether/aether/internal/common/config"
	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	v1 "github.com/aether/aether/pkg/api/v1"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(config.DatabaseConfig{Path: dbPath}, logger.NewNop())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return s
}

func TestStore_ProcessLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info := &v1.ProcessInfo{
		PID:   1,
		UID:   "u1",
		Name:  "researcher",
		Role:  "analyst",
		Goal:  "summarize",
		State: v1.StateCreated,
		Phase: v1.PhaseIdle,
		Env:   map[string]string{"KEY": "value"},
	}
	if err := s.CreateProcess(ctx, info, 32); err != nil {
		t.Fatalf("CreateProcess failed: %v", err)
	}

	got, err := s.GetProcess(ctx, 1)
	if err != nil {
		t.Fatalf("GetProcess failed: %v", err)
	}
	if got.State != v1.StateCreated {
		t.Errorf("expected state created, got %s", got.State)
	}
	if got.Env["KEY"] != "value" {
		t.Errorf("env not round-tripped: %v", got.Env)
	}

	if err := s.UpdateProcessState(ctx, 1, v1.StateRunning); err != nil {
		t.Fatalf("UpdateProcessState failed: %v", err)
	}
	if err := s.MarkProcessExited(ctx, 1, v1.ExitOK, v1.PhaseCompleted); err != nil {
		t.Fatalf("MarkProcessExited failed: %v", err)
	}

	got, err = s.GetProcess(ctx, 1)
	if err != nil {
		t.Fatalf("GetProcess failed: %v", err)
	}
	if got.State != v1.StateZombie {
		t.Errorf("expected zombie, got %s", got.State)
	}
	if got.ExitCode == nil || *got.ExitCode != v1.ExitOK {
		t.Errorf("expected exit code 0, got %v", got.ExitCode)
	}
	if got.ExitedAt == nil {
		t.Error("expected exitedAt to be set")
	}

	if err := s.MarkProcessReaped(ctx, 1); err != nil {
		t.Fatalf("MarkProcessReaped failed: %v", err)
	}
	live, err := s.LiveProcesses(ctx)
	if err != nil {
		t.Fatalf("LiveProcesses failed: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("expected no live processes, got %d", len(live))
	}
}

func TestStore_MaxPIDSurvivesReap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for pid := 1; pid <= 3; pid++ {
		info := &v1.ProcessInfo{PID: pid, UID: "u1", State: v1.StateCreated, Phase: v1.PhaseIdle}
		if err := s.CreateProcess(ctx, info, 8); err != nil {
			t.Fatalf("CreateProcess %d failed: %v", pid, err)
		}
	}
	if err := s.MarkProcessReaped(ctx, 3); err != nil {
		t.Fatalf("MarkProcessReaped failed: %v", err)
	}

	max, err := s.MaxPID(ctx)
	if err != nil {
		t.Fatalf("MaxPID failed: %v", err)
	}
	if max != 3 {
		t.Errorf("expected max pid 3, got %d", max)
	}
}

func TestStore_GetProcessNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetProcess(context.Background(), 42)
	if apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestStore_AgentLogOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := &v1.AgentLogEntry{PID: 7, Step: i, Phase: v1.LogThought, Content: "step"}
		if err := s.AppendAgentLog(ctx, entry); err != nil {
			t.Fatalf("AppendAgentLog failed: %v", err)
		}
	}

	logs, err := s.ListAgentLogs(ctx, 7, 0, 0)
	if err != nil {
		t.Fatalf("ListAgentLogs failed: %v", err)
	}
	if len(logs) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(logs))
	}
	for i, entry := range logs {
		if entry.Step != i {
			t.Errorf("entry %d out of order: step %d", i, entry.Step)
		}
	}

	// Resume after the third entry.
	tail, err := s.ListAgentLogs(ctx, 7, logs[2].ID, 0)
	if err != nil {
		t.Fatalf("ListAgentLogs failed: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("expected 2 tail entries, got %d", len(tail))
	}
}

func TestStore_UserUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &v1.User{Username: "alice", PasswordHash: "x", Role: v1.RoleAdmin}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	dup := &v1.User{Username: "alice", PasswordHash: "y", Role: v1.RoleUser}
	err := s.CreateUser(ctx, dup)
	if apperrors.CodeOf(err) != apperrors.ErrCodeConflict {
		t.Errorf("expected CONFLICT for duplicate username, got %v", err)
	}

	n, err := s.CountUsers(ctx)
	if err != nil {
		t.Fatalf("CountUsers failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 user, got %d", n)
	}
}

func TestStore_KVLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.KVSet(ctx, "u1", "config/theme", "dark"); err != nil {
		t.Fatalf("KVSet failed: %v", err)
	}
	if err := s.KVSet(ctx, "u1", "config/theme", "light"); err != nil {
		t.Fatalf("KVSet failed: %v", err)
	}

	entry, err := s.KVGet(ctx, "u1", "config/theme")
	if err != nil {
		t.Fatalf("KVGet failed: %v", err)
	}
	if entry.Value != "light" {
		t.Errorf("expected last write to win, got %q", entry.Value)
	}

	// Keys are scoped per owner.
	if _, err := s.KVGet(ctx, "u2", "config/theme"); apperrors.CodeOf(err) != apperrors.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND for other owner, got %v", err)
	}

	entries, err := s.KVList(ctx, "u1", "config/")
	if err != nil {
		t.Fatalf("KVList failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(entries))
	}
}

func TestStore_OrgCascadingDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	org := &v1.Organization{Name: "acme"}
	if err := s.CreateOrganization(ctx, org); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	team := &v1.Team{OrgID: org.ID, Name: "core"}
	if err := s.CreateTeam(ctx, team); err != nil {
		t.Fatalf("CreateTeam failed: %v", err)
	}
	if err := s.AddMember(ctx, &v1.Member{ParentID: org.ID, UserID: "u1", Role: v1.MemberOwner}); err != nil {
		t.Fatalf("AddMember org failed: %v", err)
	}
	if err := s.AddMember(ctx, &v1.Member{ParentID: team.ID, UserID: "u1", Role: v1.MemberMember}); err != nil {
		t.Fatalf("AddMember team failed: %v", err)
	}

	if err := s.DeleteOrganization(ctx, org.ID); err != nil {
		t.Fatalf("DeleteOrganization failed: %v", err)
	}

	teams, err := s.ListTeams(ctx, org.ID)
	if err != nil {
		t.Fatalf("ListTeams failed: %v", err)
	}
	if len(teams) != 0 {
		t.Errorf("expected teams removed, got %d", len(teams))
	}
	members, err := s.ListMembers(ctx, team.ID)
	if err != nil {
		t.Fatalf("ListMembers failed: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("expected memberships removed, got %d", len(members))
	}
}

func TestStore_AuditQueryAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []*v1.AuditEntry{
		{Timestamp: 1000, EventType: "user.loggedIn", ActorUID: "u1", Action: "login"},
		{Timestamp: 2000, EventType: "process.spawned", ActorUID: "u1", Action: "spawn"},
		{Timestamp: 3000, EventType: "user.loggedIn", ActorUID: "u2", Action: "login"},
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	got, err := s.ListAudit(ctx, AuditQuery{EventType: "user.loggedIn"})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 login entries, got %d", len(got))
	}

	pruned, err := s.PruneAudit(ctx, 2500)
	if err != nil {
		t.Fatalf("PruneAudit failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("expected 2 pruned, got %d", pruned)
	}
}

func TestStore_CronDueSelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := &v1.CronJob{Name: "due", CronExpression: "* * * * *", Enabled: true, OwnerUID: "u1", NextRun: 1000}
	future := &v1.CronJob{Name: "future", CronExpression: "* * * * *", Enabled: true, OwnerUID: "u1", NextRun: 99999}
	disabled := &v1.CronJob{Name: "off", CronExpression: "* * * * *", Enabled: false, OwnerUID: "u1", NextRun: 1000}
	for _, j := range []*v1.CronJob{due, future, disabled} {
		if err := s.CreateCronJob(ctx, j); err != nil {
			t.Fatalf("CreateCronJob failed: %v", err)
		}
	}

	jobs, err := s.DueCronJobs(ctx, 5000)
	if err != nil {
		t.Fatalf("DueCronJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "due" {
		t.Fatalf("expected only the due job, got %d", len(jobs))
	}

	if err := s.MarkCronRun(ctx, due.ID, 5000, 65000); err != nil {
		t.Fatalf("MarkCronRun failed: %v", err)
	}
	j, err := s.GetCronJob(ctx, due.ID)
	if err != nil {
		t.Fatalf("GetCronJob failed: %v", err)
	}
	if j.RunCount != 1 || j.NextRun != 65000 {
		t.Errorf("expected runCount 1 nextRun 65000, got %d %d", j.RunCount, j.NextRun)
	}
}

func writeGarbage(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("this is not a sqlite database"), 0o644); err != nil {
		t.Fatalf("failed to write garbage file: %v", err)
	}
}

func TestStore_CorruptDatabaseIsRecreated(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "corrupt.db")
	writeGarbage(t, dbPath)

	s, err := Open(config.DatabaseConfig{Path: dbPath}, logger.NewNop())
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	defer s.Close()

	if s.Ephemeral {
		t.Error("expected on-disk store after recreate")
	}
	if _, err := s.CountUsers(context.Background()); err != nil {
		t.Errorf("recreated store unusable: %v", err)
	}
}
