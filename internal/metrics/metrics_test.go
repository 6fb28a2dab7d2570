package metrics

import (
	"context"
	"testing"
	"time"
)

func TestSnapshotReflectsRecordedValues(t *testing.T) {
	h, err := Init(false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	RecordRequest("/services/claim", 200, 5*time.Millisecond)
	RecordRequest("/services/claim", 500, 10*time.Millisecond)
	RecordReaperPass(50 * time.Millisecond)
	RecordWebhookDelivery(true)
	RecordWebhookDelivery(false)
	RecordClaimRetry()

	snap, err := h.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	if v, ok := snap["portd.http.requests"].(int64); !ok || v < 2 {
		t.Errorf("portd.http.requests = %v, want >= 2", snap["portd.http.requests"])
	}
	if v, ok := snap["portd.http.errors"].(int64); !ok || v < 1 {
		t.Errorf("portd.http.errors = %v, want >= 1", snap["portd.http.errors"])
	}
	if v, ok := snap["portd.webhooks.delivered"].(int64); !ok || v < 1 {
		t.Errorf("portd.webhooks.delivered = %v, want >= 1", snap["portd.webhooks.delivered"])
	}
	if v, ok := snap["portd.webhooks.failed"].(int64); !ok || v < 1 {
		t.Errorf("portd.webhooks.failed = %v, want >= 1", snap["portd.webhooks.failed"])
	}
	if v, ok := snap["portd.services.claim_retries"].(int64); !ok || v < 1 {
		t.Errorf("portd.services.claim_retries = %v, want >= 1", snap["portd.services.claim_retries"])
	}
	if _, ok := snap["portd.reaper.pass_duration_ms"]; !ok {
		t.Error("expected a portd.reaper.pass_duration_ms entry")
	}
}

func TestSnapshotOnNilHandleIsEmpty(t *testing.T) {
	var h *Handle
	snap, err := h.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot on nil handle: %v", err)
	}
	if len(snap) != 0 {
		t.Errorf("expected an empty snapshot, got %v", snap)
	}
}
