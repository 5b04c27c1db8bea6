package alerting

import (
	"testing"
	"time"
)

func TestFingerprintStableWithinBucket(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 2, 0, 0, time.UTC)

	a := Fingerprint("BTC", "accumulation", "1m", base, 5*time.Minute)
	b := Fingerprint("BTC", "accumulation", "1m", base.Add(2*time.Minute), 5*time.Minute)
	if a != b {
		t.Fatal("timestamps in the same 5-minute bucket must share a fingerprint")
	}

	c := Fingerprint("BTC", "accumulation", "1m", base.Add(5*time.Minute), 5*time.Minute)
	if a == c {
		t.Fatal("next bucket must produce a distinct fingerprint")
	}

	d := Fingerprint("ETH", "accumulation", "1m", base, 5*time.Minute)
	if a == d {
		t.Fatal("different symbols must not collide")
	}
}

func TestDeduplicatorSuppressesSameBucket(t *testing.T) {
	d := NewDeduplicator(10*time.Minute, 5*time.Minute, testLogger())
	base := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)

	if !d.ShouldSend("BTC", "accumulation", "1m", base) {
		t.Fatal("first alert must pass")
	}
	if d.ShouldSend("BTC", "accumulation", "1m", base.Add(time.Minute)) {
		t.Fatal("second alert in the same bucket must be suppressed")
	}
	if d.Suppressed() != 1 {
		t.Fatalf("expected 1 suppressed alert, got %d", d.Suppressed())
	}

	// One bucket later: new fingerprint, passes again.
	if !d.ShouldSend("BTC", "accumulation", "1m", base.Add(5*time.Minute)) {
		t.Fatal("alert one bucket later must not be treated as duplicate")
	}
}

func TestDeduplicatorTTLExpiry(t *testing.T) {
	d := NewDeduplicator(time.Minute, 5*time.Minute, testLogger())
	current := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return current }

	at := time.Date(2025, 3, 1, 12, 0, 30, 0, time.UTC)
	if !d.ShouldSend("BTC", "capitulation", "1m", at) {
		t.Fatal("first alert must pass")
	}

	// TTL elapsed: the same fingerprint may fire again.
	current = current.Add(2 * time.Minute)
	if !d.ShouldSend("BTC", "capitulation", "1m", at) {
		t.Fatal("expired fingerprint should be evicted")
	}
}
