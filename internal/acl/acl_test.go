package acl

import (
	"context"
	"testing"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.OpenMemory(logger.NewNop())
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, logger.NewNop()), st
}

func TestEngine_AdminDefaultAllow(t *testing.T) {
	e, _ := newTestEngine(t)
	admin := Subject{UID: "a1", Role: v1.RoleAdmin}
	user := Subject{UID: "b1", Role: v1.RoleUser}

	if !e.Can(context.Background(), admin, "process.kill", "process:7", "someone-else") {
		t.Error("admin should be allowed by default")
	}
	if e.Can(context.Background(), user, "process.kill", "process:7", "someone-else") {
		t.Error("plain user should be denied on resources they do not own")
	}
}

func TestEngine_OwnerDefaultAllow(t *testing.T) {
	e, _ := newTestEngine(t)
	bob := Subject{UID: "bob", Role: v1.RoleUser}

	if !e.Can(context.Background(), bob, "process.kill", "process:7", "bob") {
		t.Error("owner should be allowed on own resource")
	}
}

func TestEngine_DenyOverridesEverything(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := st.CreatePolicy(ctx, &v1.PermissionPolicy{
		Subject: "user:bob", Action: "process.kill", Resource: "*", Effect: v1.EffectDeny,
	}); err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}

	bob := Subject{UID: "bob", Role: v1.RoleUser}
	// Denied even on his own process.
	if e.Can(ctx, bob, "process.kill", "process:7", "bob") {
		t.Error("explicit deny should override ownership")
	}
	err := e.Require(ctx, bob, "process.kill", "process:7", "bob")
	if apperrors.CodeOf(err) != apperrors.ErrCodeForbidden {
		t.Errorf("expected FORBIDDEN, got %v", err)
	}

	// Other actions remain owner-allowed.
	if !e.Can(ctx, bob, "process.pause", "process:7", "bob") {
		t.Error("deny should be scoped to its action")
	}

	// An admin with a matching deny is denied too.
	if err := st.CreatePolicy(ctx, &v1.PermissionPolicy{
		Subject: "role:admin", Action: "org.delete", Resource: "*", Effect: v1.EffectDeny,
	}); err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}
	admin := Subject{UID: "a1", Role: v1.RoleAdmin}
	if e.Can(ctx, admin, "org.delete", "org:x", "") {
		t.Error("deny should override the admin role")
	}
}

func TestEngine_AllowGrantsAccess(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := st.CreatePolicy(ctx, &v1.PermissionPolicy{
		Subject: "role:user", Action: "audit.query", Resource: "*", Effect: v1.EffectAllow,
	}); err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}

	u := Subject{UID: "carol", Role: v1.RoleUser}
	if !e.Can(ctx, u, "audit.query", "audit", "") {
		t.Error("role allow should grant access")
	}
	if e.Can(ctx, u, "policy.create", "policy", "") {
		t.Error("allow should be scoped to its action")
	}
}

func TestEngine_ResourcePrefixMatch(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := st.CreatePolicy(ctx, &v1.PermissionPolicy{
		Subject: "*", Action: "fs.read", Resource: "file:shared/*", Effect: v1.EffectAllow,
	}); err != nil {
		t.Fatalf("CreatePolicy failed: %v", err)
	}

	u := Subject{UID: "dave", Role: v1.RoleUser}
	if !e.Can(ctx, u, "fs.read", "file:shared/readme.md", "") {
		t.Error("prefix resource pattern should match")
	}
	if e.Can(ctx, u, "fs.read", "file:private/readme.md", "") {
		t.Error("prefix resource pattern should not match other paths")
	}
}
