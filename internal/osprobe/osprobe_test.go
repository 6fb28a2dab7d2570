package osprobe

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestProcessAliveSelf(t *testing.T) {
	p := New()
	if !p.ProcessAlive(context.Background(), os.Getpid()) {
		t.Error("expected current process to be alive")
	}
}

func TestProcessAliveInvalidPID(t *testing.T) {
	p := New()
	if p.ProcessAlive(context.Background(), 0) {
		t.Error("pid 0 should never be reported alive")
	}
	if p.ProcessAlive(context.Background(), -5) {
		t.Error("negative pid should never be reported alive")
	}
}

func TestListenersCachesResult(t *testing.T) {
	calls := 0
	p := &Prober{listFunc: func(ctx context.Context) ([]Listener, error) {
		calls++
		return []Listener{{Port: 3000, PID: 1, Command: "node"}}, nil
	}}

	for i := 0; i < 3; i++ {
		ls, err := p.Listeners(context.Background())
		if err != nil {
			t.Fatalf("Listeners: %v", err)
		}
		if len(ls) != 1 || ls[0].Port != 3000 {
			t.Fatalf("unexpected listeners: %+v", ls)
		}
	}
	if calls != 1 {
		t.Errorf("expected listFunc called once (cached), got %d", calls)
	}
}

func TestListenersFallsBackToStaleCacheOnError(t *testing.T) {
	first := true
	p := &Prober{listFunc: func(ctx context.Context) ([]Listener, error) {
		if first {
			first = false
			return []Listener{{Port: 4000, PID: 2}}, nil
		}
		return nil, errors.New("spawn failed")
	}}

	ls, err := p.Listeners(context.Background())
	if err != nil || len(ls) != 1 {
		t.Fatalf("unexpected first call result: %v %+v", err, ls)
	}

	p.cacheAt = p.cacheAt.Add(-1 * cacheTTL * 2)
	ls, err = p.Listeners(context.Background())
	if err != nil {
		t.Fatalf("expected stale cache to be served without error, got %v", err)
	}
	if len(ls) != 1 || ls[0].Port != 4000 {
		t.Errorf("expected stale cache served, got %+v", ls)
	}
}

func TestListenersErrorsWithNoCache(t *testing.T) {
	p := &Prober{listFunc: func(ctx context.Context) ([]Listener, error) {
		return nil, errors.New("spawn failed")
	}}
	if _, err := p.Listeners(context.Background()); err == nil {
		t.Error("expected error when there is no prior cache to fall back on")
	}
}

func TestHasListener(t *testing.T) {
	p := &Prober{listFunc: func(ctx context.Context) ([]Listener, error) {
		return []Listener{{Port: 8080, PID: 1}}, nil
	}}
	ok, err := p.HasListener(context.Background(), 8080)
	if err != nil || !ok {
		t.Fatalf("expected port 8080 to be found, got %v %v", ok, err)
	}
	ok, err = p.HasListener(context.Background(), 9999)
	if err != nil || ok {
		t.Fatalf("expected port 9999 to be absent, got %v %v", ok, err)
	}
}

func TestDedupeSort(t *testing.T) {
	in := []Listener{
		{Port: 3000, PID: 1},
		{Port: 1000, PID: 2},
		{Port: 3000, PID: 3}, // duplicate port, first wins
	}
	out := dedupeSort(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped listeners, got %d", len(out))
	}
	if out[0].Port != 1000 || out[1].Port != 3000 {
		t.Errorf("expected sorted [1000, 3000], got %+v", out)
	}
	if out[1].PID != 1 {
		t.Errorf("expected first-seen entry to win dedupe, got PID %d", out[1].PID)
	}
}

func TestParseLsof(t *testing.T) {
	out := []byte(`COMMAND   PID   USER   FD   TYPE DEVICE SIZE/OFF NODE NAME
node    12345 alice   23u  IPv6 0x123abc      0t0  TCP *:3000 (LISTEN)
postgres 777  bob     7u   IPv4 0x456def      0t0  TCP 127.0.0.1:5432 (LISTEN)
`)
	got := parseLsof(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 listeners, got %d: %+v", len(got), got)
	}
	if got[0].Port != 3000 || got[0].PID != 12345 || got[0].Command != "node" || got[0].User != "alice" {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	if got[1].Port != 5432 || got[1].PID != 777 {
		t.Errorf("unexpected second entry: %+v", got[1])
	}
}

func TestParseNetstat(t *testing.T) {
	out := []byte(`
Active Connections

  Proto  Local Address          Foreign Address        State           PID
  TCP    0.0.0.0:3000           0.0.0.0:0              LISTENING       12345
  TCP    127.0.0.1:5432         0.0.0.0:0              LISTENING       777
  TCP    10.0.0.5:54321         93.184.216.34:443      ESTABLISHED     999
`)
	got := parseNetstat(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 listening entries, got %d: %+v", len(got), got)
	}
	if got[0].Port != 3000 || got[0].PID != 12345 {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	if got[1].Port != 5432 || got[1].PID != 777 {
		t.Errorf("unexpected second entry: %+v", got[1])
	}
}
