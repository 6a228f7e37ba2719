package session

import (
	"context"
	"testing"
	"time"
)

func TestMediaGateBoundsConcurrency(t *testing.T) {
	g := NewMediaGate(1)
	ctx := context.Background()

	release, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Second acquire must block until the slot is released.
	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(blocked); err == nil {
		t.Fatal("second acquire succeeded while slot held")
	}

	release()
	release2, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestMediaGateReleaseIdempotent(t *testing.T) {
	g := NewMediaGate(1)
	ctx := context.Background()

	release, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release() // double release must not free a second slot

	r1, err := g.Acquire(ctx)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer r1()

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := g.Acquire(blocked); err == nil {
		t.Fatal("gate over-released: second slot available")
	}
}
