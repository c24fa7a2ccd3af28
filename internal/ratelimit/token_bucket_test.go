package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucket_ConsumesCapacityThenRejects(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow(1) {
			t.Fatalf("allow %d: rejected within capacity", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("allowed beyond capacity")
	}
}

func TestTokenBucket_RefillsAtRate(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 2)

	if !b.Allow(2) {
		t.Fatalf("initial burst rejected")
	}
	if b.Allow(1) {
		t.Fatalf("allowed with empty bucket")
	}

	clk.Advance(500 * time.Millisecond) // 1 token at 2/sec
	if !b.Allow(1) {
		t.Fatalf("rejected after refill")
	}
	if b.Allow(1) {
		t.Fatalf("allowed more than refilled")
	}
}

func TestTokenBucket_CapsAtCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 100)

	clk.Advance(time.Hour)
	if !b.Allow(2) {
		t.Fatalf("capacity burst rejected")
	}
	if b.Allow(1) {
		t.Fatalf("bucket exceeded capacity after long idle")
	}
}

func TestTokenBucket_TimeGoingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clk, 1, 1)

	if !b.Allow(1) {
		t.Fatalf("initial token rejected")
	}
	clk.now = time.Unix(0, 0)
	if b.Allow(1) {
		t.Fatalf("allowed after clock moved backwards")
	}
}

func TestTokenBucket_NonPositiveCostAlwaysAllowed(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 0)
	if !b.Allow(0) {
		t.Fatalf("zero cost rejected")
	}
	if !b.Allow(-5) {
		t.Fatalf("negative cost rejected")
	}
}
