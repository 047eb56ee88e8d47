package retryx

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecuteSucceedsAfterRetries(t *testing.T) {
	calls := 0
	var warnings []Warning
	policy := Policy{MaxRetries: 2, BaseDelay: time.Millisecond}

	result, err := Execute(context.Background(), policy, func() (string, error) {
		calls++
		if calls <= 2 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, func(w Warning) { warnings = append(warnings, w) })

	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result != "ok" {
		t.Fatalf("result = %q, want ok", result)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if len(warnings) != 2 {
		t.Fatalf("warnings = %d, want 2", len(warnings))
	}
	if warnings[0].Attempt != 1 || warnings[1].Attempt != 2 {
		t.Fatalf("unexpected attempt numbers: %+v", warnings)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	calls := 0
	policy := Policy{MaxRetries: 1, BaseDelay: time.Millisecond}

	_, err := Execute(context.Background(), policy, func() (int, error) {
		calls++
		return 0, errors.New("always fails")
	}, nil)

	if err == nil || err.Error() != "always fails" {
		t.Fatalf("err = %v, want last error", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (1 initial + 1 retry)", calls)
	}
}

func TestExecuteStopsOnSentinel(t *testing.T) {
	calls := 0
	fatal := errors.New("invalid credentials")
	policy := Policy{MaxRetries: 5, BaseDelay: time.Millisecond}

	_, err := Execute(context.Background(), policy, func() (int, error) {
		calls++
		return 0, Stop(fatal)
	}, nil)

	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want wrapped fatal", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestExecuteHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := Policy{MaxRetries: 3, BaseDelay: time.Minute}

	start := time.Now()
	_, err := Execute(ctx, policy, func() (int, error) {
		return 0, errors.New("transient")
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("execute did not honor cancellation promptly")
	}
}

func TestDelayBackoffAndCap(t *testing.T) {
	policy := Policy{MaxRetries: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, expected := range want {
		if got := policy.delay(i + 1); got != expected {
			t.Fatalf("delay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}
