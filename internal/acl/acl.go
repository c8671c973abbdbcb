// Package acl evaluates subject/action/resource permission decisions.
package acl

import (
	"context"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// Subject identifies the caller of a guarded operation.
type Subject struct {
	UID  string
	Role string
}

// IsAdmin reports whether the subject carries the admin role.
func (s Subject) IsAdmin() bool {
	return s.Role == v1.RoleAdmin
}

// Keys returns the policy subject strings this caller matches, beyond
// the wildcard.
func (s Subject) Keys() []string {
	keys := make([]string, 0, 2)
	if s.UID != "" {
		keys = append(keys, "user:"+s.UID)
	}
	if s.Role != "" {
		keys = append(keys, "role:"+s.Role)
	}
	return keys
}

// Engine answers permission questions from stored policies plus the
// builtin admin and ownership rules.
type Engine struct {
	store  *store.Store
	logger *logger.Logger
}

func New(st *store.Store, log *logger.Logger) *Engine {
	return &Engine{
		store:  st,
		logger: log.WithFields(zap.String("component", "acl")),
	}
}

// Can decides whether sub may perform action on the resource owned by
// ownerUID (empty for unowned resources). An explicit deny wins over
// everything, including the admin role.
func (e *Engine) Can(ctx context.Context, sub Subject, action, resource, ownerUID string) bool {
	policies, err := e.store.PoliciesForSubjects(ctx, sub.Keys())
	if err != nil {
		e.logger.WithError(err).Error("policy lookup failed, denying")
		return false
	}

	allowed := sub.IsAdmin() || (ownerUID != "" && ownerUID == sub.UID)
	for _, p := range policies {
		if !actionMatches(p.Action, action) || !resourceMatches(p.Resource, resource) {
			continue
		}
		if p.Effect == v1.EffectDeny {
			return false
		}
		if p.Effect == v1.EffectAllow {
			allowed = true
		}
	}
	return allowed
}

// Require is Can returning a FORBIDDEN error instead of a bool.
func (e *Engine) Require(ctx context.Context, sub Subject, action, resource, ownerUID string) error {
	if e.Can(ctx, sub, action, resource, ownerUID) {
		return nil
	}
	return forbidden(sub, action, resource)
}

func forbidden(sub Subject, action, resource string) error {
	msg := action + " is not permitted"
	if resource != "" && resource != "*" {
		msg += " on " + resource
	}
	return apperrors.Forbidden(msg)
}

func actionMatches(pattern, action string) bool {
	return pattern == "*" || pattern == action
}

func resourceMatches(pattern, resource string) bool {
	if pattern == "*" || pattern == resource {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
