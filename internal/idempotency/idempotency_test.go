package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fentz26/coact/internal/models"
)

func TestBodyHash(t *testing.T) {
	actions := []models.Action{{"type": "click", "params": map[string]interface{}{"x": 1, "y": 2}}}

	a, err := BodyHash("dev-1", "Open", "desc", actions)
	if err != nil {
		t.Fatalf("BodyHash failed: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(a))
	}

	// Key order inside actions does not matter.
	reordered := []models.Action{{"params": map[string]interface{}{"y": 2, "x": 1}, "type": "click"}}
	b, _ := BodyHash("dev-1", "Open", "desc", reordered)
	if a != b {
		t.Error("Expected hash to ignore key order")
	}

	c, _ := BodyHash("dev-1", "Open", "other", actions)
	if a == c {
		t.Error("Expected different description to change the hash")
	}
	d, _ := BodyHash("dev-2", "Open", "desc", actions)
	if a == d {
		t.Error("Expected different device to change the hash")
	}

	empty, _ := BodyHash("dev-1", "Open", "", nil)
	emptySlice, _ := BodyHash("dev-1", "Open", "", []models.Action{})
	if empty != emptySlice {
		t.Error("Expected nil and empty actions to hash the same")
	}
}

func TestBackoffPoll(t *testing.T) {
	var waits []time.Duration
	b := Backoff{
		Base:     100 * time.Millisecond,
		Attempts: 5,
		Sleep: func(ctx context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}

	calls := 0
	done, err := b.Poll(context.Background(), func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil || !done {
		t.Fatalf("Poll failed: done=%v err=%v", done, err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(waits) != len(want) {
		t.Fatalf("Expected %d waits, got %v", len(want), waits)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Errorf("Wait %d: expected %v, got %v", i, want[i], waits[i])
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	b := Backoff{Base: time.Millisecond, Attempts: 5, Sleep: func(context.Context, time.Duration) error { return nil }}
	calls := 0
	done, err := b.Poll(context.Background(), func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if err != nil || done {
		t.Fatalf("Expected exhausted poll, got done=%v err=%v", done, err)
	}
	if calls != 5 {
		t.Errorf("Expected 5 calls, got %d", calls)
	}
}

func TestBackoffErrors(t *testing.T) {
	boom := errors.New("boom")
	b := Backoff{Base: time.Millisecond, Attempts: 5}
	_, err := b.Poll(context.Background(), func(context.Context) (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b = Backoff{Base: time.Hour, Attempts: 5}
	_, err = b.Poll(ctx, func(context.Context) (bool, error) { return true, nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
