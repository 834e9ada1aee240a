package uiqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEnqueueRunsSerially(t *testing.T) {
	q := New()
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return i, nil
			})
			if err != nil {
				t.Errorf("Enqueue: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(order) != 20 {
		t.Fatalf("expected 20 completed ops, got %d", len(order))
	}
}

func TestEnqueuePropagatesResult(t *testing.T) {
	q := New()
	defer q.Stop()
	v, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return "hello", nil
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if v != "hello" {
		t.Fatalf("got %v", v)
	}
}

func TestEnqueuePropagatesError(t *testing.T) {
	q := New()
	defer q.Stop()
	wantErr := errors.New("boom")
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestFailingOpDoesNotWedgeQueue(t *testing.T) {
	q := New()
	defer q.Stop()
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected panic to surface as an error")
	}
	v, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return "still alive", nil
	})
	if err != nil || v != "still alive" {
		t.Fatalf("expected queue to keep working after a panic, got v=%v err=%v", v, err)
	}
}

func TestEnqueueRespectsContextDeadline(t *testing.T) {
	q := New()
	defer q.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := q.Enqueue(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestEnqueueAfterStopReturnsErrStopped(t *testing.T) {
	q := New()
	q.Stop()
	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
