// Package webhooks implements outbound webhook delivery: subscription
// CRUD with SSRF-hardened URL validation, HMAC-SHA256 payload signing,
// and a retrying delivery pipeline driven by a background loop. It
// implements events.Notifier so the core components can trigger a
// delivery without importing this package directly.
package webhooks

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/identity"
	"github.com/portdaddy/portd/internal/store"
)

// SubscribeRequest is the input to Subscribe.
type SubscribeRequest struct {
	URL      string
	Events   []string // empty means "all"
	Secret   string
	Filter   string
	Metadata json.RawMessage
}

// Subscribe registers a new outbound subscription.
func (d *Dispatcher) Subscribe(ctx context.Context, req SubscribeRequest) (*store.WebhookSubscription, error) {
	if err := ValidateURL(req.URL); err != nil {
		return nil, err
	}
	if req.Filter != "" {
		if err := identity.ValidatePattern(req.Filter); err != nil {
			return nil, err
		}
	}
	events := req.Events
	if len(events) == 0 {
		events = []string{"*"}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return nil, apierr.Internal(err, "marshal events")
	}

	sub := store.WebhookSubscription{
		ID:        uuid.NewString(),
		URL:       req.URL,
		Events:    eventsJSON,
		Secret:    req.Secret,
		Filter:    req.Filter,
		Active:    true,
		CreatedAt: d.store.NowMS(),
		Metadata:  req.Metadata,
	}
	if err := d.store.InsertSubscription(ctx, sub); err != nil {
		return nil, apierr.Internal(err, "create subscription")
	}
	return &sub, nil
}

// Get returns a subscription by id.
func (d *Dispatcher) Get(ctx context.Context, id string) (*store.WebhookSubscription, error) {
	sub, err := d.store.GetSubscription(ctx, id)
	if store.IsNotFound(err) {
		return nil, apierr.NotFound("no webhook subscription %q", id)
	}
	if err != nil {
		return nil, apierr.Internal(err, "get subscription")
	}
	return sub, nil
}

// List returns subscriptions, optionally restricted to active ones.
func (d *Dispatcher) List(ctx context.Context, activeOnly bool) ([]store.WebhookSubscription, error) {
	out, err := d.store.ListSubscriptions(ctx, activeOnly)
	if err != nil {
		return nil, apierr.Internal(err, "list subscriptions")
	}
	return out, nil
}

// UpdateRequest is the input to Update.
type UpdateRequest struct {
	URL    string
	Events []string
	Secret *string
	Filter *string
	Active *bool
}

// Update replaces the mutable fields of a subscription.
func (d *Dispatcher) Update(ctx context.Context, id string, req UpdateRequest) error {
	sub, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if req.URL != "" {
		if err := ValidateURL(req.URL); err != nil {
			return err
		}
		sub.URL = req.URL
	}
	if len(req.Events) > 0 {
		eventsJSON, err := json.Marshal(req.Events)
		if err != nil {
			return apierr.Internal(err, "marshal events")
		}
		sub.Events = eventsJSON
	}
	if req.Secret != nil {
		sub.Secret = *req.Secret
	}
	if req.Filter != nil {
		if *req.Filter != "" {
			if err := identity.ValidatePattern(*req.Filter); err != nil {
				return err
			}
		}
		sub.Filter = *req.Filter
	}
	if req.Active != nil {
		sub.Active = *req.Active
	}
	if err := d.store.UpdateSubscription(ctx, *sub); err != nil {
		if store.IsNotFound(err) {
			return apierr.NotFound("no webhook subscription %q", id)
		}
		return apierr.Internal(err, "update subscription")
	}
	return nil
}

// Delete removes a subscription; its delivery history cascades.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	ok, err := d.store.DeleteSubscription(ctx, id)
	if err != nil {
		return apierr.Internal(err, "delete subscription")
	}
	if !ok {
		return apierr.NotFound("no webhook subscription %q", id)
	}
	return nil
}

// ListDeliveries returns delivery history for a subscription, newest first.
func (d *Dispatcher) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]store.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := d.store.ListDeliveries(ctx, subscriptionID, limit)
	if err != nil {
		return nil, apierr.Internal(err, "list deliveries")
	}
	return out, nil
}

// Test synthesizes a delivery to subscriptionID so an operator can
// verify connectivity.
func (d *Dispatcher) Test(ctx context.Context, subscriptionID string) error {
	sub, err := d.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if !sub.Active {
		return apierr.Conflict("subscription %s is not active", subscriptionID)
	}
	d.enqueue(ctx, *sub, "webhook.test", "", map[string]any{"message": "test delivery"})
	return nil
}

func matchesEvents(sub store.WebhookSubscription, event string) bool {
	var events []string
	if err := json.Unmarshal(sub.Events, &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

func matchesFilter(sub store.WebhookSubscription, targetID string) bool {
	if sub.Filter == "" || sub.Filter == targetID {
		return true
	}
	return identity.MatchPattern(sub.Filter, targetID)
}
