package worker

import "testing"

func TestKeyLimiterAllowsWithinBurstThenBlocks(t *testing.T) {
	l := NewKeyLimiter(1, 2)
	if !l.Allow("k1") || !l.Allow("k1") {
		t.Fatal("expected the first burst-sized batch of calls to be allowed")
	}
	if l.Allow("k1") {
		t.Fatal("expected a call beyond the burst to be throttled")
	}
}

func TestKeyLimiterKeysAreIndependent(t *testing.T) {
	l := NewKeyLimiter(1, 1)
	l.Allow("a")
	if !l.Allow("b") {
		t.Fatal("expected an unrelated key to have its own independent bucket")
	}
}

func TestKeyLimiterReserveReportsDelayWhenExhausted(t *testing.T) {
	l := NewKeyLimiter(1, 1)
	ok, _ := l.Reserve("k1")
	if !ok {
		t.Fatal("expected the first reservation to succeed immediately")
	}
	ok, delay := l.Reserve("k1")
	if ok {
		t.Fatal("expected the second immediate reservation to be delayed")
	}
	if delay <= 0 {
		t.Fatal("expected a positive delay to be reported")
	}
}
