package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLaneCallReturnsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLane(ctx, "test", 2, 4, nil)
	defer l.Terminate()

	res, err := l.Call(context.Background(), "echo", nil, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != "ok" {
		t.Fatalf("res = %v, want ok", res)
	}
}

func TestLaneCallSurfacesStructuredWorkerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLane(ctx, "test", 1, 4, nil)
	defer l.Terminate()

	_, err := l.Call(context.Background(), "failing-method", "some-args", func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	var werr *WorkerError
	if !errors.As(err, &werr) {
		t.Fatalf("expected *WorkerError, got %T", err)
	}
	if werr.Method != "failing-method" || werr.Message != "boom" {
		t.Fatalf("unexpected WorkerError: %+v", werr)
	}
}

func TestLaneRecordsCrashOnPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var crashed string
	var crashCount int
	l := NewLane(ctx, "panicky", 1, 4, func(lane string, n int) {
		crashed = lane
		crashCount = n
	})
	defer l.Terminate()

	_, _ = l.Call(context.Background(), "panics", nil, func(ctx context.Context) (any, error) {
		panic("kaboom")
	})

	if crashed != "panicky" {
		t.Fatalf("onCrash lane name = %q, want %q", crashed, "panicky")
	}
	if l.Errors() != 1 {
		t.Fatalf("Errors() = %d, want 1", l.Errors())
	}
	if crashCount != 1 {
		t.Fatalf("onCrash count = %d, want 1", crashCount)
	}
}

func TestLaneCallRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLane(ctx, "test", 0, 1, nil) // zero workers: queue fills and nothing drains
	defer l.cancel()

	callCtx, callCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer callCancel()

	// First Submit fills the one-slot queue; it should succeed immediately.
	if _, err := l.Submit(context.Background(), "a", nil, func(context.Context) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Second Submit blocks on the full queue until callCtx's deadline fires.
	if _, err := l.Submit(callCtx, "b", nil, func(context.Context) (any, error) { return nil, nil }); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestPoolNewPoolSkipsZeroSizedLanes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewPool(ctx, "ns", 2, 0, 4, nil)
	defer p.Terminate()

	if p.Read == nil {
		t.Fatal("expected a read lane")
	}
	if p.Write != nil {
		t.Fatal("expected no write lane when writeSize is 0")
	}
}
