package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "github.com/aether/aether/internal/common/errors"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// Spawner starts an agent process for an inbound hook owner.
type Spawner interface {
	SpawnAgent(ctx context.Context, uid string, cfg v1.AgentConfig) (*v1.ProcessInfo, error)
}

// Inbound turns POST /hook/{token} requests into agent spawns.
type Inbound struct {
	store   *store.Store
	spawner Spawner
	logger  *logger.Logger
}

func NewInbound(st *store.Store, sp Spawner, log *logger.Logger) *Inbound {
	return &Inbound{
		store:   st,
		spawner: sp,
		logger:  log.WithFields(zap.String("component", "inbound-webhook")),
	}
}

// Trigger resolves the token, applies the optional transform to the
// request body, and spawns the stored agent config. Unknown tokens
// return NOT_FOUND.
func (i *Inbound) Trigger(ctx context.Context, token string, body []byte) (*v1.ProcessInfo, error) {
	hook, err := i.store.GetInboundWebhookByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	var cfg v1.AgentConfig
	if err := json.Unmarshal([]byte(hook.AgentConfig), &cfg); err != nil {
		return nil, apperrors.Internal("inbound webhook has malformed agent config", err)
	}

	if input := i.project(hook.Transform, body); input != "" {
		cfg.Goal = strings.TrimSpace(cfg.Goal + "\n\nInput: " + input)
	}

	info, err := i.spawner.SpawnAgent(ctx, hook.OwnerUID, cfg)
	if err != nil {
		return nil, err
	}
	if merr := i.store.MarkInboundTriggered(ctx, hook.ID, time.Now().UnixMilli()); merr != nil {
		i.logger.WithError(merr).Error("failed to stamp inbound trigger")
	}
	i.logger.Info("inbound webhook fired",
		zap.String("hook", hook.Name), zap.Int("pid", info.PID))
	return info, nil
}

// project extracts the transform's dot-path value from the body. An
// empty transform or an unreadable body yields the body verbatim,
// truncated to keep goals bounded.
func (i *Inbound) project(transform string, body []byte) string {
	const maxInput = 4096
	if len(body) == 0 {
		return ""
	}
	if transform == "" {
		return truncate(string(body), maxInput)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return truncate(string(body), maxInput)
	}
	cur := doc
	for _, part := range strings.Split(transform, ".") {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = obj[part]
		if !ok {
			return ""
		}
	}
	if s, ok := cur.(string); ok {
		return truncate(s, maxInput)
	}
	raw, err := json.Marshal(cur)
	if err != nil {
		return ""
	}
	return truncate(string(raw), maxInput)
}

// truncate caps s at n bytes without splitting a multi-byte rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
