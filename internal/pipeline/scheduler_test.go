package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSchedulerProcessesEverythingOnce(t *testing.T) {
	var mu sync.Mutex
	seen := map[uuid.UUID]int{}

	s := NewScheduler(3, func(_ context.Context, id uuid.UUID) {
		mu.Lock()
		seen[id]++
		mu.Unlock()
	}, zap.NewNop().Sugar())

	ids := make([]uuid.UUID, 20)
	for i := range ids {
		ids[i] = uuid.New()
		s.Enqueue(ids[i])
	}
	// Repeated kicks while a drain is active must not double-process.
	for i := 0; i < 5; i++ {
		s.Kick(context.Background())
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(ids)
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, seen[id])
	}
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerHonorsConcurrencyLimit(t *testing.T) {
	const limit = 4
	var current, peak atomic.Int32

	s := NewScheduler(limit, func(_ context.Context, _ uuid.UUID) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
	}, zap.NewNop().Sugar())

	for i := 0; i < limit*4; i++ {
		s.Enqueue(uuid.New())
	}
	s.Kick(context.Background())

	assert.Eventually(t, func() bool {
		return s.Pending() == 0 && current.Load() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestSchedulerEnqueueFrontRunsBeforeBacklog(t *testing.T) {
	var mu sync.Mutex
	var order []uuid.UUID

	s := NewScheduler(1, func(_ context.Context, id uuid.UUID) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}, zap.NewNop().Sugar())

	backlog := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range backlog {
		s.Enqueue(id)
	}
	urgent := uuid.New()
	s.EnqueueFront(urgent)

	s.Kick(context.Background())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, urgent, order[0])
	assert.Equal(t, backlog, order[1:])
}

func TestSchedulerPicksUpLateArrivals(t *testing.T) {
	var count atomic.Int32
	s := NewScheduler(2, func(_ context.Context, _ uuid.UUID) {
		count.Add(1)
		time.Sleep(10 * time.Millisecond)
	}, zap.NewNop().Sugar())

	s.Enqueue(uuid.New())
	s.Kick(context.Background())

	// Enqueued while the drain loop is (probably) mid-batch; the active loop
	// must pick these up without another Kick.
	s.Enqueue(uuid.New())
	s.Enqueue(uuid.New())
	s.Kick(context.Background())

	assert.Eventually(t, func() bool {
		return count.Load() == 3 && s.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var count atomic.Int32

	s := NewScheduler(1, func(_ context.Context, _ uuid.UUID) {
		count.Add(1)
		cancel()
		time.Sleep(10 * time.Millisecond)
	}, zap.NewNop().Sugar())

	for i := 0; i < 10; i++ {
		s.Enqueue(uuid.New())
	}
	s.Kick(ctx)

	// The batch in flight finishes, then the loop exits with work pending.
	assert.Eventually(t, func() bool {
		return count.Load() >= 1 && s.Pending() > 0
	}, 2*time.Second, 10*time.Millisecond)
	got := count.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, got, count.Load())
}
