package safety

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestControllerDefaultState(t *testing.T) {
	c := NewController(NewMemoryStore())
	state := c.Get(context.Background())
	if state.Halted {
		t.Fatal("fresh controller must not be halted")
	}
	if state.UpdatedBy != "system" {
		t.Fatalf("expected system as initial author, got %s", state.UpdatedBy)
	}
}

func TestControllerSetThenGet(t *testing.T) {
	store := NewMemoryStore()
	c := NewController(store).WithClock(func() time.Time {
		return time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)
	})
	ctx := context.Background()

	state, err := c.Set(ctx, true, "exchange outage", "ops@desk")
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !state.Halted || state.Reason != "exchange outage" || state.UpdatedBy != "ops@desk" {
		t.Fatalf("unexpected state after set: %+v", state)
	}

	// 另一个实例直接读同一个 store 也要看到 halt。
	other := NewController(store)
	got := other.Get(ctx)
	if !got.Halted || got.Reason != "exchange outage" {
		t.Fatalf("peer controller should observe the halt, got %+v", got)
	}
}

func TestControllerLastWriteWins(t *testing.T) {
	store := NewMemoryStore()
	a := NewController(store)
	b := NewController(store)
	ctx := context.Background()

	if _, err := a.Set(ctx, true, "first", "a"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if _, err := b.Set(ctx, false, "resolved", "b"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	state := a.Get(ctx)
	if state.Halted || state.UpdatedBy != "b" {
		t.Fatalf("expected the later write to win, got %+v", state)
	}
}

func TestControllerGetFailsOpenToLastKnown(t *testing.T) {
	store := NewMemoryStore()
	c := NewController(store)
	ctx := context.Background()

	if _, err := c.Set(ctx, true, "drill", "ops"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	store.LoadErr = errors.New("redis: connection refused")
	state := c.Get(ctx)
	if !state.Halted || state.Reason != "drill" {
		t.Fatalf("store outage should return last known state, got %+v", state)
	}
}

func TestControllerSetSurvivesStoreFailure(t *testing.T) {
	store := NewMemoryStore()
	c := NewController(store)
	ctx := context.Background()

	store.SaveErr = errors.New("redis: broken pipe")
	state, err := c.Set(ctx, true, "manual", "ops")
	if err == nil {
		t.Fatal("expected save error to surface")
	}
	if !state.Halted {
		t.Fatal("returned state should reflect the attempted write")
	}

	// 本实例的门控仍按新状态工作。
	store.LoadErr = errors.New("redis: still down")
	if got := c.Get(ctx); !got.Halted {
		t.Fatalf("in-process state should be updated despite save failure, got %+v", got)
	}
}
