package requery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryAttemptsTotalBudget(t *testing.T) {
	attempts := 0
	errBoom := errors.New("boom")
	r := newRetryer(func(context.Context) (any, error) {
		attempts++
		return nil, errBoom
	}, RetryAttempts(3), DelayFixed(time.Millisecond), nil)

	_, err := r.run(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected final error, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("RetryAttempts(3) must run 3 attempts total, ran %d", attempts)
	}
}

func TestRetrySucceedsMidSequence(t *testing.T) {
	attempts := 0
	var fails []int
	r := newRetryer(func(context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, RetryAttempts(5), DelayFixed(time.Millisecond), func(n int, _ error) {
		fails = append(fails, n)
	})

	v, err := r.run(context.Background())
	if err != nil || v != "ok" {
		t.Fatalf("run = (%v, %v), want (ok, nil)", v, err)
	}
	if len(fails) != 2 || fails[0] != 1 || fails[1] != 2 {
		t.Fatalf("onFail counts = %v, want [1 2]", fails)
	}
}

func TestRetryNeverStopsAtFirstFailure(t *testing.T) {
	attempts := 0
	r := newRetryer(func(context.Context) (any, error) {
		attempts++
		return nil, errors.New("boom")
	}, RetryNever(), DelayFixed(time.Millisecond), nil)

	if _, err := r.run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("RetryNever ran %d attempts, want 1", attempts)
	}
}

func TestRetryPredicate(t *testing.T) {
	errFatal := errors.New("fatal")
	attempts := 0
	r := newRetryer(func(context.Context) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("transient")
		}
		return nil, errFatal
	}, RetryFunc(func(_ int, err error) bool {
		return !errors.Is(err, errFatal)
	}), DelayFixed(time.Millisecond), nil)

	_, err := r.run(context.Background())
	if !errors.Is(err, errFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("predicate should allow exactly one retry, ran %d attempts", attempts)
	}
}

func TestRetryCancelDistinguishable(t *testing.T) {
	started := make(chan struct{}, 1)
	r := newRetryer(func(context.Context) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		return nil, errors.New("always failing")
	}, RetryForever(), DelayFixed(time.Hour), nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.run(context.Background())
		done <- err
	}()

	<-started
	r.cancel()

	select {
	case err := <-done:
		if !IsCancelled(err) {
			t.Fatalf("cancelled retryer must settle as ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not settle the retryer")
	}
}

func TestRetryContextCancelSettlesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := newRetryer(func(context.Context) (any, error) {
		t.Fatal("fn must not run after ctx cancel")
		return nil, nil
	}, RetryForever(), DelayFixed(time.Millisecond), nil)

	_, err := r.run(ctx)
	if !IsCancelled(err) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestDelayFuncReceivesFailureCount(t *testing.T) {
	var seen []int
	attempts := 0
	r := newRetryer(func(context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("boom")
		}
		return 1, nil
	}, RetryAttempts(3), DelayFunc(func(n int, _ error) time.Duration {
		seen = append(seen, n)
		return time.Millisecond
	}), nil)

	if _, err := r.run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("delay fn failure counts = %v, want [1 2]", seen)
	}
}
