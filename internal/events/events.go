// Package events breaks the cyclic dependency between the core
// components and the webhook pipeline. Every component that can
// trigger a webhook depends only on this package's Notifier interface,
// never on internal/webhooks itself.
package events

import "context"

// Notifier receives a domain lifecycle event for webhook fan-out. The
// concrete implementation (webhooks.Dispatcher) matches it against
// registered subscriptions and enqueues deliveries; it never blocks
// the caller on network I/O.
type Notifier interface {
	Notify(ctx context.Context, event, targetID string, data any)
}

// Nop discards every event. Used where a component is constructed
// without a webhook pipeline (e.g. package-level unit tests).
type Nop struct{}

func (Nop) Notify(context.Context, string, string, any) {}
