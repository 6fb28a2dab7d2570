package messages

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/portdaddy/portd/internal/apierr"
	"github.com/portdaddy/portd/internal/events"
	"github.com/portdaddy/portd/internal/store"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMS() int64 { return c.ms }

func newTestBus(t *testing.T) (*Bus, *fakeClock) {
	t.Helper()
	clock := &fakeClock{ms: 1_700_000_000_000}
	st, err := store.Open(filepath.Join(t.TempDir(), "portd.db"), clock)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, events.Nop{}), clock
}

func TestPublishValidatesChannelAndPayload(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "bad channel!", []byte(`{}`), "", nil); apierr.KindOf(err) != apierr.KindValidation {
		t.Errorf("invalid channel error = %v, want validation", err)
	}

	big := make([]byte, MaxPayloadBytes+1)
	if _, err := b.Publish(ctx, "ch", big, "", nil); apierr.KindOf(err) != apierr.KindBodyTooLarge {
		t.Errorf("oversize payload error = %v, want body too large", err)
	}
}

func TestPublishThenSinceReturnsEachMessageOnceInOrder(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, "ch", []byte(`{"n":1}`), "tester", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	all, err := b.Since(ctx, "ch", 0, 0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Since(0) returned %d messages, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Errorf("ids not strictly increasing: %d then %d", all[i-1].ID, all[i].ID)
		}
	}

	rest, err := b.Since(ctx, "ch", all[len(all)-1].ID, 0)
	if err != nil {
		t.Fatalf("Since(last): %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("Since past the last id returned %d messages, want 0", len(rest))
	}
}

func TestSinceHonorsLimit(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := b.Publish(ctx, "ch", []byte(`{}`), "", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	out, err := b.Since(ctx, "ch", 0, 2)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("Since with limit 2 returned %d messages", len(out))
	}
}

func TestPollReturnsImmediatelyWhenBacklogExists(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	if _, err := b.Publish(ctx, "ch", []byte(`{}`), "", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	start := time.Now()
	out, err := b.Poll(ctx, "ch", 0, 10*time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("Poll returned %d messages, want 1", len(out))
	}
	if time.Since(start) > time.Second {
		t.Error("Poll with backlog should not have waited")
	}
}

func TestPollWakesOnPublish(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = b.Publish(ctx, "ch", []byte(`{"go":true}`), "", nil)
	}()

	start := time.Now()
	out, err := b.Poll(ctx, "ch", 0, 10*time.Second)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("Poll returned %d messages, want 1", len(out))
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Poll did not wake promptly on publish")
	}
}

func TestPollTimesOutEmpty(t *testing.T) {
	b, _ := newTestBus(t)

	out, err := b.Poll(context.Background(), "quiet", 0, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("Poll on an idle channel returned %d messages", len(out))
	}
}

func TestPollHonorsClientDisconnect(t *testing.T) {
	b, _ := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := b.Poll(ctx, "quiet", 0, 10*time.Second)
	if apierr.KindOf(err) != apierr.KindTimeout {
		t.Errorf("cancelled poll error = %v, want timeout kind", err)
	}
}

func TestSubscribeReceivesPublishes(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	ch, cancel := b.Subscribe("ch")
	defer cancel()

	published, err := b.Publish(ctx, "ch", []byte(`{"n":7}`), "", nil)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != published.ID {
			t.Errorf("subscriber got id %d, want %d", got.ID, published.ID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber never received the published message")
	}
}

func TestListAndClear(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.Publish(ctx, "a", []byte(`{}`), "", nil); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if _, err := b.Publish(ctx, "b", []byte(`{}`), "", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	channels, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("List returned %d channels, want 2", len(channels))
	}

	n, err := b.Clear(ctx, "a")
	if err != nil || n != 2 {
		t.Errorf("Clear = %d, %v, want 2 rows", n, err)
	}
	out, err := b.Since(ctx, "a", 0, 0)
	if err != nil || len(out) != 0 {
		t.Errorf("Since after clear = %v, %v, want empty", out, err)
	}
}
