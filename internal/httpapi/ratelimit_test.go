package httpapi

import "testing"

func TestRateLimiterAllowsUpToBudgetPerKey(t *testing.T) {
	l := newRateLimiter(10)

	for i := 0; i < 10; i++ {
		if !l.Allow("key-a") {
			t.Fatalf("request %d refused under the budget", i)
		}
	}
	if l.Allow("key-a") {
		t.Error("request past the minute budget allowed")
	}

	// Another key has its own budget.
	if !l.Allow("key-b") {
		t.Error("fresh key refused while another key is exhausted")
	}
}

func TestRateLimiterSetRateAppliesToNewKeys(t *testing.T) {
	l := newRateLimiter(1)
	if !l.Allow("k") {
		t.Fatal("first request refused")
	}
	if l.Allow("k") {
		t.Fatal("second request allowed at rate 1")
	}

	// Raising the rate gives later keys the larger budget; existing
	// limiters refill at the new rate rather than instantly.
	l.setRate(500)
	for i := 0; i < 500; i++ {
		if !l.Allow("fresh") {
			t.Fatalf("request %d refused under the raised budget", i)
		}
	}
}
