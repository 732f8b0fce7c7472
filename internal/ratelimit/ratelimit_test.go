package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket(t *testing.T) {
	bucket := NewTokenBucket(2, 5) // 2 tokens per second, capacity of 5

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Errorf("Expected initial request %d to be allowed", i)
		}
	}
	if bucket.Allow() {
		t.Error("Expected request to be denied when bucket is empty")
	}

	time.Sleep(1100 * time.Millisecond)

	if !bucket.Allow() {
		t.Error("Expected request to be allowed after token refill")
	}
	if !bucket.Allow() {
		t.Error("Expected second request to be allowed after token refill")
	}
	if bucket.Allow() {
		t.Error("Expected third request to be denied")
	}
}

func TestLimiterPerClient(t *testing.T) {
	l := New(0, 2, 3)
	client := "203.0.113.7"

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(client); !ok {
			t.Errorf("Expected upgrade %d to be allowed for %s", i, client)
		}
	}
	ok, reason := l.Allow(client)
	if ok {
		t.Error("Expected upgrade to be denied due to per-client limit")
	}
	if reason != ReasonPerClient {
		t.Errorf("Expected reason %q, got %q", ReasonPerClient, reason)
	}

	if ok, _ := l.Allow("198.51.100.1"); !ok {
		t.Error("Expected upgrade to be allowed for different client")
	}
}

func TestLimiterGlobal(t *testing.T) {
	l := New(2, 0, 2)

	if ok, _ := l.Allow("a"); !ok {
		t.Error("Expected first global upgrade to be allowed")
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Error("Expected second global upgrade to be allowed")
	}
	ok, reason := l.Allow("c")
	if ok {
		t.Error("Expected upgrade to be denied due to global limit")
	}
	if reason != ReasonGlobal {
		t.Errorf("Expected reason %q, got %q", ReasonGlobal, reason)
	}
	if l.Clients() != 0 {
		t.Errorf("Expected no per-client buckets when that tier is disabled, got %d", l.Clients())
	}
}

func TestLimiterPrune(t *testing.T) {
	l := New(0, 1, 1)
	l.Allow("client1")
	l.Allow("client2")
	if l.Clients() != 2 {
		t.Fatalf("Expected 2 client buckets, got %d", l.Clients())
	}

	time.Sleep(20 * time.Millisecond)
	l.Allow("client1")

	if removed := l.Prune(10 * time.Millisecond); removed != 1 {
		t.Errorf("Expected 1 bucket pruned, got %d", removed)
	}
	if _, ok := l.perClient["client1"]; !ok {
		t.Error("Expected client1 bucket to remain")
	}
	if _, ok := l.perClient["client2"]; ok {
		t.Error("Expected client2 bucket to be pruned")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := New(0, 0, 5)
	for i := 0; i < 100; i++ {
		if ok, _ := l.Allow("client"); !ok {
			t.Errorf("Expected upgrade %d to be allowed when limits disabled", i)
		}
	}

	var nilLimiter *Limiter
	if ok, _ := nilLimiter.Allow("client"); !ok {
		t.Error("Expected nil limiter to allow everything")
	}
}
