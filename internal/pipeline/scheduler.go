package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ProcessFunc executes one job to completion. Failures are expected to be
// absorbed by the func itself (funnelled into the retry path), never to
// affect sibling jobs in the batch.
type ProcessFunc func(ctx context.Context, jobID uuid.UUID)

// Scheduler owns the FIFO list of pending job ids and drains it in batches
// of at most concurrency jobs. There is exactly one active drain loop at a
// time; Kick while draining is a no-op. The durable store remains the source
// of truth — this list can always be rebuilt from it.
type Scheduler struct {
	process     ProcessFunc
	concurrency int
	log         *zap.SugaredLogger

	mu       sync.Mutex
	pending  []uuid.UUID
	draining bool
}

func NewScheduler(concurrency int, process ProcessFunc, log *zap.SugaredLogger) *Scheduler {
	if concurrency <= 0 {
		concurrency = 5
	}
	return &Scheduler{
		process:     process,
		concurrency: concurrency,
		log:         log,
	}
}

// Enqueue appends a job id to the pending list.
func (s *Scheduler) Enqueue(jobID uuid.UUID) {
	s.mu.Lock()
	s.pending = append(s.pending, jobID)
	s.mu.Unlock()
}

// EnqueueFront puts a job id at the head of the pending list. Retries re-enter
// here so an already-started upload is not starved by newer arrivals.
func (s *Scheduler) EnqueueFront(jobID uuid.UUID) {
	s.mu.Lock()
	s.pending = append([]uuid.UUID{jobID}, s.pending...)
	s.mu.Unlock()
}

// Pending returns the number of queued ids.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Kick starts the drain loop unless one is already running.
func (s *Scheduler) Kick(ctx context.Context) {
	s.mu.Lock()
	if s.draining || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	go s.drain(ctx)
}

func (s *Scheduler) drain(ctx context.Context) {
	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			s.mu.Lock()
			// Re-check under the lock: an Enqueue may have raced the exit.
			if len(s.pending) == 0 {
				s.draining = false
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			continue
		}

		s.log.Debugw("scheduler batch start", "size", len(batch), "pending", s.Pending())

		var g errgroup.Group
		for _, id := range batch {
			g.Go(func() error {
				s.process(ctx, id)
				return nil
			})
		}
		// All jobs in the batch settle independently before the next batch.
		_ = g.Wait()

		if ctx.Err() != nil {
			s.mu.Lock()
			s.draining = false
			s.mu.Unlock()
			return
		}
	}
}

func (s *Scheduler) takeBatch() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.concurrency
	if n > len(s.pending) {
		n = len(s.pending)
	}
	batch := make([]uuid.UUID, n)
	copy(batch, s.pending[:n])
	s.pending = s.pending[n:]
	return batch
}
