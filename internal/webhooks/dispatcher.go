package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/portdaddy/portd/internal/activity"
	"github.com/portdaddy/portd/internal/metrics"
	"github.com/portdaddy/portd/internal/store"
)

const (
	// DeliveryTimeout bounds a single POST attempt.
	DeliveryTimeout = 5 * time.Second
	// MaxAttempts is the number of delivery attempts, the first one
	// included, after which a delivery is abandoned.
	MaxAttempts = 8

	signatureHeader = "X-Signature"
	eventHeader     = "X-Webhook-Event"
)

// Dispatcher is the Webhooks component. It implements events.Notifier
// so core components can trigger a delivery without depending on this
// package.
type Dispatcher struct {
	store  *store.Store
	log    *slog.Logger
	client *http.Client

	pending chan struct{}
}

// New constructs a Dispatcher. log may be nil (slog.Default() is used).
func New(st *store.Store, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		store:   st,
		log:     log,
		client:  &http.Client{Timeout: DeliveryTimeout},
		pending: make(chan struct{}, 1),
	}
}

type deliveryPayload struct {
	Event     string          `json:"event"`
	TargetID  string          `json:"targetId,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Notify implements events.Notifier: it looks up every active
// subscription matching event and targetID and enqueues a delivery for
// each.
func (d *Dispatcher) Notify(ctx context.Context, event, targetID string, data any) {
	subs, err := d.store.ListSubscriptions(ctx, true)
	if err != nil {
		d.log.Error("list subscriptions for notify", "error", err)
		return
	}
	for _, sub := range subs {
		if !matchesEvents(sub, event) || !matchesFilter(sub, targetID) {
			continue
		}
		d.enqueue(ctx, sub, event, targetID, data)
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, sub store.WebhookSubscription, event, targetID string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		d.log.Error("marshal webhook payload data", "error", err)
		return
	}
	payload := deliveryPayload{Event: event, TargetID: targetID, Timestamp: d.store.NowMS(), Data: dataJSON}
	body, err := json.Marshal(payload)
	if err != nil {
		d.log.Error("marshal webhook payload", "error", err)
		return
	}
	if _, err := d.store.InsertDelivery(ctx, store.WebhookDelivery{
		SubscriptionID: sub.ID, Event: event, Payload: body, Timestamp: payload.Timestamp,
	}); err != nil {
		d.log.Error("insert webhook delivery", "error", err)
		return
	}
	d.wake()
}

// wake nudges the background loop to run a pass now instead of waiting
// for its next tick, without blocking if one is already queued.
func (d *Dispatcher) wake() {
	select {
	case d.pending <- struct{}{}:
	default:
	}
}

// Run drives the delivery loop until ctx is cancelled, attempting
// pending deliveries every interval (or immediately after an enqueue).
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.deliverPending(ctx)
		case <-d.pending:
			d.deliverPending(ctx)
		}
	}
}

// Reschedule bumps every elapsed pending delivery's next-retry-at to
// now; called at boot so nothing is stranded behind a stale schedule
// after downtime, and again on every reaper pass.
func (d *Dispatcher) Reschedule(ctx context.Context) error {
	_, err := d.store.RescheduleElapsedDeliveries(ctx, d.store.NowMS())
	return err
}

func (d *Dispatcher) deliverPending(ctx context.Context) {
	deliveries, err := d.store.PendingDeliveries(ctx, d.store.NowMS(), MaxAttempts)
	if err != nil {
		d.log.Error("list pending deliveries", "error", err)
		return
	}
	for _, del := range deliveries {
		d.attempt(ctx, del)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, del store.WebhookDelivery) {
	sub, err := d.store.GetSubscription(ctx, del.SubscriptionID)
	if store.IsNotFound(err) {
		// subscription removed mid-flight; drop the delivery by
		// marking it done with an explanatory error.
		_ = d.store.RecordDeliveryAttempt(ctx, del.ID, nil, true, "subscription deleted", nil)
		return
	}
	if err != nil {
		d.log.Error("get subscription for delivery", "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(del.Payload))
	if err != nil {
		d.log.Error("build webhook request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, del.Event)
	if sub.Secret != "" {
		req.Header.Set(signatureHeader, sign(sub.Secret, del.Payload))
	}

	resp, err := d.client.Do(req)
	now := d.store.NowMS()
	if err != nil {
		d.recordFailure(ctx, del, nil, err.Error(), now)
		return
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	statusCode := resp.StatusCode
	if statusCode >= 200 && statusCode < 300 {
		if err := d.store.RecordDeliveryAttempt(ctx, del.ID, &statusCode, true, "", nil); err != nil {
			d.log.Error("record delivery success", "error", err)
		}
		_ = d.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: now, Type: activity.WebhookDelivery, TargetID: sub.ID})
		metrics.RecordWebhookDelivery(true)
		return
	}
	d.recordFailure(ctx, del, &statusCode, http.StatusText(statusCode), now)
}

func (d *Dispatcher) recordFailure(ctx context.Context, del store.WebhookDelivery, statusCode *int, lastError string, now int64) {
	metrics.RecordWebhookDelivery(false)
	attempt := del.AttemptCount + 1
	var nextRetryAt *int64
	if attempt < MaxAttempts {
		delay := backoffDelay(attempt)
		next := now + delay.Milliseconds()
		nextRetryAt = &next
	}
	if err := d.store.RecordDeliveryAttempt(ctx, del.ID, statusCode, false, lastError, nextRetryAt); err != nil {
		d.log.Error("record delivery failure", "error", err)
	}
}

// backoffDelay returns the bounded exponential backoff delay for the
// given attempt number (1-indexed), reusing backoff.ExponentialBackOff
// so retry timing matches the rest of the ecosystem's convention
// instead of a hand-rolled formula.
func backoffDelay(attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.MaxInterval = 5 * time.Minute
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	return d
}

// sign renders the X-Signature header value: "sha256=" followed by the
// hex HMAC-SHA256 of the payload under the subscription's secret.
func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
