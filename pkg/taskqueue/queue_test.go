package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueue_BasicEnqueue(t *testing.T) {
	q := New()
	defer q.Close()

	executed := false
	result, err := q.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
}

func TestQueue_TaskError(t *testing.T) {
	q := New()
	defer q.Close()

	expectedErr := errors.New("task failed")
	result, err := q.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, nil)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestQueue_SerialExecution(t *testing.T) {
	q := New()
	defer q.Close()

	var running, maxRunning int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("serial", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxRunning, "default lane must never run tasks concurrently")
}

func TestQueue_IndependentLanes(t *testing.T) {
	q := New()
	defer q.Close()

	var count1, count2 int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("lane1", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				count1++
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("lane2", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				count2++
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, count1)
	assert.Equal(t, 3, count2)
}

func TestQueue_SetConcurrency(t *testing.T) {
	q := New()
	defer q.Close()

	q.SetConcurrency("pool", 3)

	var running, maxRunning int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue("pool", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				running--
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, maxRunning, 3, "lane must not exceed its concurrency cap")

	stats := q.Stats()
	assert.Equal(t, 3, stats["pool"]["concurrency"])
}

func TestQueue_ClearLane(t *testing.T) {
	q := New()
	defer q.Close()

	// Occupy the lane so followers pile up
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = q.Enqueue("test", func(ctx context.Context) (interface{}, error) {
				time.Sleep(1 * time.Second)
				return nil, nil
			}, nil)
		}()
	}

	time.Sleep(50 * time.Millisecond)

	cleared := q.ClearLane("test")
	assert.Greater(t, cleared, 0)
	assert.Equal(t, 0, q.QueueSize("test"))
}

func TestQueue_WarnTimer(t *testing.T) {
	q := New()
	defer q.Close()

	waited := make(chan int64, 1)

	// Block the lane so the second task has to wait
	go func() {
		_, _ = q.Enqueue("test", func(ctx context.Context) (interface{}, error) {
			time.Sleep(150 * time.Millisecond)
			return nil, nil
		}, nil)
	}()

	time.Sleep(20 * time.Millisecond)

	_, err := q.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, &TaskOptions{
		WarnAfterMs: 50,
		OnWait: func(waitMs int64, queuePos int) {
			select {
			case waited <- waitMs:
			default:
			}
		},
	})
	assert.NoError(t, err)

	select {
	case waitMs := <-waited:
		assert.GreaterOrEqual(t, waitMs, int64(50))
	default:
		t.Fatal("expected wait warning callback")
	}
}
