package ratelimit

import (
	"fmt"
	"testing"
)

func TestLimiter_AllowsBurstThenBlocks(t *testing.T) {
	l := New(60) // 1/sec, burst 60
	for i := 0; i < 60; i++ {
		if !l.Allow("alice") {
			t.Fatalf("expected burst token %d to be allowed", i)
		}
	}
	if l.Allow("alice") {
		t.Fatal("expected burst to be exhausted")
	}
}

func TestLimiter_TracksPrincipalsIndependently(t *testing.T) {
	l := New(1)
	if !l.Allow("alice") {
		t.Fatal("alice's first request should be allowed")
	}
	if !l.Allow("bob") {
		t.Fatal("bob's first request should be independent of alice's bucket")
	}
}

func TestLimiter_EvictsOldestPastCap(t *testing.T) {
	l := New(600)
	for i := 0; i < maxTrackedPrincipals+10; i++ {
		l.Allow(fmt.Sprintf("principal-%d", i))
	}
	if len(l.buckets) > maxTrackedPrincipals {
		t.Fatalf("expected bucket count capped at %d, got %d", maxTrackedPrincipals, len(l.buckets))
	}
}
