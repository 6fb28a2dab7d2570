// Package messages implements the append-only channel log: publish,
// cursor-based reads, long-poll, and streaming subscribe. The durable
// log lives in internal/store; this package adds the
// ordering/windowing rules and the in-process fan-out that lets a
// long-poll or SSE subscriber learn about a new row without hammering
// the database on every tick.
package messages

import (
	"context"
	"sync"
	"time"

	"github.com/portdaddy/portd/internal/activity"
	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/identity"
	"github.com/portdaddy/portd/internal/store"
)

const (
	// MaxReadLimit bounds a single GetMessagesSince read.
	MaxReadLimit = 1000
	// MaxPayloadBytes caps a single publish body.
	MaxPayloadBytes = 64 * 1024
	// MaxPollTimeout bounds a long-poll wait.
	MaxPollTimeout = 60 * time.Second
	// recheckInterval is the long-poll server-side recheck cadence.
	recheckInterval = 1 * time.Second
	// defaultChannelDepth is the per-channel row cap enforced on publish.
	defaultChannelDepth = 10000
	// subscriberBuffer bounds how far a stream subscriber can lag
	// before a publish blocks on it.
	subscriberBuffer = 64
	// subscriberSendTimeout is how long Publish waits for a slow
	// subscriber before skipping the row for it.
	subscriberSendTimeout = 2 * time.Second
)

// Bus is the Messages component.
type Bus struct {
	store       *store.Store
	notifier    events.Notifier
	maxDepth    int
	mu          sync.Mutex
	subscribers map[string]map[chan store.Message]struct{}
}

// New constructs a Bus. notifier may be events.Nop{}.
func New(st *store.Store, notifier events.Notifier) *Bus {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Bus{store: st, notifier: notifier, maxDepth: defaultChannelDepth, subscribers: make(map[string]map[chan store.Message]struct{})}
}

// Publish appends one row to channel and fans it out to any live
// subscribers.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte, sender string, expiresAt *int64) (*store.Message, error) {
	if _, err := identity.Parse(channel); err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadBytes {
		return nil, apierr.BodyTooLarge("payload exceeds %d bytes", MaxPayloadBytes)
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	now := b.store.NowMS()
	id, err := b.store.InsertMessage(ctx, channel, payload, sender, now, expiresAt)
	if err != nil {
		return nil, apierr.Internal(err, "publish message")
	}
	msg := store.Message{ID: id, Channel: channel, Payload: payload, Sender: sender, CreatedAt: now, ExpiresAt: expiresAt}

	_, _ = b.store.TrimChannelDepth(ctx, channel, b.maxDepth)

	_ = b.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: now, Type: activity.MessagePublish, TargetID: channel})
	b.notifier.Notify(ctx, activity.MessagePublish, channel, map[string]any{"id": id})
	b.broadcast(channel, msg)
	return &msg, nil
}

// Since returns rows on channel with id > afterID, capped at limit
// (and at MaxReadLimit).
func (b *Bus) Since(ctx context.Context, channel string, afterID int64, limit int) ([]store.Message, error) {
	if limit <= 0 || limit > MaxReadLimit {
		limit = MaxReadLimit
	}
	out, err := b.store.GetMessagesSince(ctx, channel, afterID, limit)
	if err != nil {
		return nil, apierr.Internal(err, "read messages")
	}
	return out, nil
}

// Poll implements the long-poll contract: an immediate read, then
// periodic rechecks until a row arrives, the timeout elapses, or ctx
// is cancelled (client disconnect).
func (b *Bus) Poll(ctx context.Context, channel string, afterID int64, timeout time.Duration) ([]store.Message, error) {
	if timeout <= 0 || timeout > MaxPollTimeout {
		timeout = MaxPollTimeout
	}
	rows, err := b.Since(ctx, channel, afterID, MaxReadLimit)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows, nil
	}

	ch, cancel := b.Subscribe(channel)
	defer cancel()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, apierr.Timeout("client disconnected during poll")
		case <-deadline.C:
			return nil, nil
		case <-ch:
			rows, err := b.Since(ctx, channel, afterID, MaxReadLimit)
			if err != nil {
				return nil, err
			}
			if len(rows) > 0 {
				return rows, nil
			}
		case <-ticker.C:
			rows, err := b.Since(ctx, channel, afterID, MaxReadLimit)
			if err != nil {
				return nil, err
			}
			if len(rows) > 0 {
				return rows, nil
			}
		}
	}
}

// Subscribe registers a live fan-out channel for channel's publishes.
// The returned cancel func must always be called to avoid leaking the
// subscription.
func (b *Bus) Subscribe(channel string) (<-chan store.Message, func()) {
	ch := make(chan store.Message, subscriberBuffer)
	b.mu.Lock()
	set, ok := b.subscribers[channel]
	if !ok {
		set = make(map[chan store.Message]struct{})
		b.subscribers[channel] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subscribers[channel]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subscribers, channel)
			}
		}
	}
	return ch, cancel
}

// broadcast delivers msg to every live subscriber on channel, waiting
// up to subscriberSendTimeout per subscriber before giving up on a
// slow one (that subscriber misses this row but stays registered; the
// publish itself still succeeds).
func (b *Bus) broadcast(channel string, msg store.Message) {
	b.mu.Lock()
	set := b.subscribers[channel]
	chans := make([]chan store.Message, 0, len(set))
	for ch := range set {
		chans = append(chans, ch)
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- msg:
		case <-time.After(subscriberSendTimeout):
			// slow consumer; it will miss this row and must resume
			// from its own cursor on reconnect.
		}
	}
}

// List returns a summary for every channel with at least one row.
func (b *Bus) List(ctx context.Context) ([]store.ChannelSummary, error) {
	out, err := b.store.ListChannels(ctx)
	if err != nil {
		return nil, apierr.Internal(err, "list channels")
	}
	return out, nil
}

// Clear deletes every row for channel.
func (b *Bus) Clear(ctx context.Context, channel string) (int64, error) {
	n, err := b.store.ClearChannel(ctx, channel)
	if err != nil {
		return 0, apierr.Internal(err, "clear channel")
	}
	_ = b.store.InsertActivity(ctx, store.ActivityEntry{Timestamp: b.store.NowMS(), Type: activity.MessageClear, TargetID: channel})
	return n, nil
}
