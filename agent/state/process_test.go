package state

import (
	"errors"
	"testing"
	"time"
)

func TestAdvance(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		from, to ProcessStatus
		ok       bool
	}{
		{StatusPendingExecution, StatusProcessing, true},
		{StatusPendingExecution, StatusFailed, true},
		{StatusPendingExecution, StatusFinished, false},
		{StatusProcessing, StatusPendingUserResponse, true},
		{StatusProcessing, StatusFinished, true},
		{StatusProcessing, StatusFailed, true},
		{StatusPendingUserResponse, StatusProcessing, true},
		{StatusPendingUserResponse, StatusFinished, false},
		{StatusPendingUserResponse, StatusFailed, true},
		{StatusFinished, StatusProcessing, false},
		{StatusFinished, StatusFailed, false},
		{StatusFailed, StatusProcessing, false},
	}

	for _, tc := range cases {
		tp := &ThoughtProcess{Status: tc.from}
		err := tp.Advance(tc.to, now)
		if tc.ok {
			if err != nil {
				t.Fatalf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
			}
			if tp.Status != tc.to {
				t.Fatalf("%s -> %s: status = %s", tc.from, tc.to, tp.Status)
			}
			if tc.to.Terminal() != !tp.FinishedAt.IsZero() {
				t.Fatalf("%s -> %s: finished_at = %v", tc.from, tc.to, tp.FinishedAt)
			}
			continue
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: error = %v, want ErrInvalidTransition", tc.from, tc.to, err)
		}
		if tp.Status != tc.from {
			t.Fatalf("%s -> %s: status changed on rejected transition", tc.from, tc.to)
		}
	}
}

func TestExpired(t *testing.T) {
	t.Parallel()

	deadline := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tp := &ThoughtProcess{Status: StatusPendingExecution, ExpiresAt: deadline}

	if tp.Expired(deadline.Add(-time.Second)) || !tp.Active(deadline.Add(-time.Second)) {
		t.Fatal("process must be active before its deadline")
	}
	if !tp.Expired(deadline) {
		t.Fatal("process must be expired at its deadline")
	}
}

func TestNewIDIsTimeOrdered(t *testing.T) {
	t.Parallel()

	prev := NewID()
	for i := 0; i < 100; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}
