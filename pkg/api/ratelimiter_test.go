package api

import (
	"context"
	"testing"
	"time"
)

func TestNilLimiterAdmitsEverything(t *testing.T) {
	t.Parallel()

	var limiter *RateLimiter
	permit, err := limiter.Acquire(context.Background(), "10.0.0.1", RequestHeavy)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if permit != nil {
		t.Errorf("permit = %+v, want nil", permit)
	}
	permit.Release()
	permit.Release()
}

func TestLimiterSequencesOneIP(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(0)
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	second := make(chan *Permit, 1)
	go func() {
		p, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
		if err != nil {
			t.Errorf("second acquire: %v", err)
		}
		second <- p
	}()

	select {
	case <-second:
		t.Fatal("second request ran while the first held its permit")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case p := <-second:
		if p == nil {
			t.Fatal("second permit is nil")
		}
		if !p.WaitNotice {
			t.Error("WaitNotice = false for a queued request")
		}
		p.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("second request still blocked after release")
	}
}

func TestLimiterIPsIndependent(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(0)
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.Release()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p, err := limiter.Acquire(ctx, "10.0.0.2", RequestGeneral)
		if err != nil {
			t.Errorf("other IP acquire: %v", err)
			return
		}
		p.Release()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second IP blocked behind a permit it does not share")
	}
}

func TestLimiterHeavyCooldown(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(80 * time.Millisecond)
	ctx := context.Background()

	first, err := limiter.Acquire(ctx, "10.0.0.1", RequestHeavy)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	first.Release()

	start := time.Now()
	second, err := limiter.Acquire(ctx, "10.0.0.1", RequestHeavy)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	defer second.Release()

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("second heavy call admitted after %v, want a cooldown near 80ms", elapsed)
	}
	if !second.WaitNotice {
		t.Error("WaitNotice = false after a cooldown wait")
	}
	if second.WaitDuration <= 0 {
		t.Errorf("WaitDuration = %v, want > 0", second.WaitDuration)
	}
}

func TestLimiterAcquireHonorsCancel(t *testing.T) {
	t.Parallel()

	limiter := NewRateLimiter(0)

	first, err := limiter.Acquire(context.Background(), "10.0.0.1", RequestGeneral)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := limiter.Acquire(ctx, "10.0.0.1", RequestGeneral)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Error("cancelled acquire returned a permit")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire never returned")
	}

	first.Release()
}
