// Package webhook delivers kernel events to outbound HTTP subscribers
// with retries and a persistent dead-letter queue, and turns inbound
// POSTs into agent spawns.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aether/aether/internal/common/config"
	"github.com/aether/aether/internal/common/logger"
	"github.com/aether/aether/internal/events"
	"github.com/aether/aether/internal/events/bus"
	"github.com/aether/aether/internal/store"
	v1 "github.com/aether/aether/pkg/api/v1"
)

// disableAfterFailures is the consecutive-failure count at which a
// webhook is switched off automatically.
const disableAfterFailures = 10

// deliveryConcurrency caps parallel posts fanned out for one event.
const deliveryConcurrency = 8

// SignatureHeader carries the HMAC of the body when a secret is set.
const SignatureHeader = "X-Aether-Signature"

// Dispatcher subscribes to the bus and posts matching events to
// registered webhooks.
type Dispatcher struct {
	store  *store.Store
	bus    bus.Bus
	logger *logger.Logger
	cfg    config.WebhookConfig
	client *http.Client

	sub bus.Subscription
}

func NewDispatcher(cfg config.WebhookConfig, st *store.Store, eb bus.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		bus:    eb,
		logger: log.WithFields(zap.String("component", "webhook-dispatcher")),
		cfg:    cfg,
		client: &http.Client{},
	}
}

// Start subscribes the dispatcher to the full event stream.
func (d *Dispatcher) Start() error {
	sub, err := d.bus.Subscribe("*", d.handle, bus.WithName("webhook-dispatcher"))
	if err != nil {
		return err
	}
	d.sub = sub
	return nil
}

// Stop detaches from the bus.
func (d *Dispatcher) Stop() {
	if d.sub != nil {
		d.sub.Unsubscribe()
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev *events.Event) error {
	switch ev.Topic {
	case events.SubscriberLagged, events.WebhookDelivered, events.WebhookFailed, events.WebhookDLQ:
		// Delivery telemetry never feeds back into delivery.
		return nil
	}

	hooks, err := d.store.EnabledWebhooks(ctx)
	if err != nil {
		d.logger.WithError(err).Error("webhook lookup failed")
		return nil
	}
	var matched []*v1.Webhook
	for _, w := range hooks {
		if subscribed(w, ev) {
			matched = append(matched, w)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	// Deliveries run off the bus goroutine so one slow endpoint cannot
	// stall the stream; the group bounds concurrent posts per event.
	payload := d.renderPayload(ev)
	topic := ev.Topic
	go func() {
		var g errgroup.Group
		g.SetLimit(deliveryConcurrency)
		for _, w := range matched {
			w := w
			g.Go(func() error {
				d.Deliver(context.Background(), w, topic, payload)
				return nil
			})
		}
		g.Wait()
	}()
	return nil
}

func subscribed(w *v1.Webhook, ev *events.Event) bool {
	matched := false
	for _, pattern := range w.Events {
		if bus.Matches(ev.Topic, pattern) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if len(w.Filters) == 0 {
		return true
	}
	raw, err := ev.PayloadJSON()
	if err != nil {
		return false
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false
	}
	for key, want := range w.Filters {
		got, ok := doc[key]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func (d *Dispatcher) renderPayload(ev *events.Event) []byte {
	raw, err := json.Marshal(ev)
	if err != nil {
		raw = []byte(fmt.Sprintf(`{"topic":%q}`, ev.Topic))
	}
	return raw
}

// Deliver posts one payload, retrying with exponential backoff up to the
// webhook's retry budget. Exhaustion parks the payload in the DLQ.
func (d *Dispatcher) Deliver(ctx context.Context, w *v1.Webhook, eventType string, payload []byte) {
	retries := w.RetryCount
	if retries <= 0 {
		retries = d.cfg.RetryCount
	}
	timeout := time.Duration(w.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(d.cfg.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	var lastErr error
	attempt := 0
	for attempt < retries {
		attempt++
		status, err := d.post(ctx, w, payload, timeout)
		success := err == nil && status >= 200 && status < 300
		if err != nil {
			lastErr = err
		} else if !success {
			lastErr = fmt.Errorf("endpoint returned status %d", status)
		}

		if lerr := d.store.AppendWebhookLog(ctx, &v1.WebhookLog{
			WebhookID:  w.ID,
			EventType:  eventType,
			Attempt:    attempt,
			StatusCode: status,
			Success:    success,
			Error:      errString(lastErr, success),
		}); lerr != nil {
			d.logger.WithError(lerr).Error("failed to record delivery attempt")
		}

		if success {
			if rerr := d.store.ResetWebhookFailures(ctx, w.ID); rerr != nil {
				d.logger.WithError(rerr).Error("failed to reset failure count")
			}
			d.bus.Emit(events.New(events.WebhookDelivered, events.WebhookEvent{
				WebhookID: w.ID,
				EventType: eventType,
				Attempts:  attempt,
			}).WithOwner(w.OwnerUID))
			return
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return
			case <-time.After(policy.NextBackOff()):
			}
		}
	}

	d.exhausted(ctx, w, eventType, payload, attempt, lastErr)
}

func (d *Dispatcher) exhausted(ctx context.Context, w *v1.Webhook, eventType string, payload []byte, attempts int, cause error) {
	entry := &v1.DLQEntry{
		WebhookID: w.ID,
		EventType: eventType,
		Payload:   string(payload),
		Error:     errString(cause, false),
		Attempts:  attempts,
	}
	if err := d.store.AppendDLQ(ctx, entry); err != nil {
		d.logger.WithError(err).Error("failed to park delivery in the dlq")
	}
	failures, err := d.store.IncrementWebhookFailure(ctx, w.ID)
	if err != nil {
		d.logger.WithError(err).Error("failed to bump failure count")
	}
	if failures >= disableAfterFailures {
		d.logger.Warn("disabling webhook after repeated failures",
			zap.String("webhook", w.ID), zap.Int("failures", failures))
		if err := d.store.SetWebhookEnabled(ctx, w.ID, false); err != nil {
			d.logger.WithError(err).Error("failed to disable webhook")
		}
	}
	d.bus.Emit(events.New(events.WebhookDLQ, events.WebhookEvent{
		WebhookID: w.ID,
		EventType: eventType,
		Attempts:  attempts,
		Error:     entry.Error,
	}).WithOwner(w.OwnerUID))
}

// RetryDLQ re-delivers one parked payload and removes the entry when the
// single attempt succeeds.
func (d *Dispatcher) RetryDLQ(ctx context.Context, id string) error {
	entry, err := d.store.GetDLQEntry(ctx, id)
	if err != nil {
		return err
	}
	w, err := d.store.GetWebhook(ctx, entry.WebhookID)
	if err != nil {
		return err
	}
	timeout := time.Duration(w.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	status, err := d.post(ctx, w, []byte(entry.Payload), timeout)
	success := err == nil && status >= 200 && status < 300
	if lerr := d.store.AppendWebhookLog(ctx, &v1.WebhookLog{
		WebhookID:  w.ID,
		EventType:  entry.EventType,
		Attempt:    entry.Attempts + 1,
		StatusCode: status,
		Success:    success,
		Error:      errString(err, success),
	}); lerr != nil {
		d.logger.WithError(lerr).Error("failed to record retry attempt")
	}
	if !success {
		if err != nil {
			return err
		}
		return fmt.Errorf("endpoint returned status %d", status)
	}
	return d.store.DeleteDLQEntry(ctx, id)
}

func (d *Dispatcher) post(ctx context.Context, w *v1.Webhook, payload []byte, timeout time.Duration) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}
	if w.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(w.Secret, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Sign computes the hex HMAC-SHA256 of the body, in the header format
// "sha256=<hex>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func errString(err error, success bool) string {
	if success || err == nil {
		return ""
	}
	return err.Error()
}
