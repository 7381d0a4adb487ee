// Package notify pushes job-state transitions to interested listeners.
// Delivery is strictly best-effort: a slow or dead consumer must never
// affect a job's outcome, so publishes go through a buffered dispatch
// goroutine and are dropped (with a log line) when the buffer is full.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/southbooks/invoiceflow/constants"
)

// Event is one job-state transition as seen by the uploader's session.
type Event struct {
	Type      string              `json:"type"`
	JobID     uuid.UUID           `json:"jobId"`
	Status    constants.JobStatus `json:"status"`
	FileName  string              `json:"fileName"`
	InvoiceID *uuid.UUID          `json:"invoiceId,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// JobEvent builds the conventional "upload:<status>" event.
func JobEvent(jobID uuid.UUID, status constants.JobStatus, fileName string, invoiceID *uuid.UUID, errMsg string) Event {
	return Event{
		Type:      "upload:" + string(status),
		JobID:     jobID,
		Status:    status,
		FileName:  fileName,
		InvoiceID: invoiceID,
		Error:     errMsg,
	}
}

// Notifier is the non-blocking publish capability handed to the pipeline.
type Notifier interface {
	Publish(userID uuid.UUID, event Event)
}

// Sink delivers a single event; implementations may block or fail.
type Sink interface {
	Send(ctx context.Context, userID uuid.UUID, event Event) error
}

type queued struct {
	userID uuid.UUID
	event  Event
}

// Dispatcher decouples the pipeline from the sink with a buffered channel and
// a single delivery goroutine. Publish stays safe after Close: stragglers
// finishing a job during shutdown get their event dropped, never a panic.
type Dispatcher struct {
	sink    Sink
	ch      chan queued
	log     *zap.SugaredLogger
	mu      sync.Mutex
	closed  bool
	done    chan struct{}
	timeout time.Duration
}

func NewDispatcher(sink Sink, log *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		sink:    sink,
		ch:      make(chan queued, 256),
		log:     log,
		done:    make(chan struct{}),
		timeout: 5 * time.Second,
	}
	go d.run()
	return d
}

func (d *Dispatcher) Publish(userID uuid.UUID, event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.log.Debugw("notification dropped after shutdown",
			"user_id", userID, "type", event.Type, "job_id", event.JobID)
		return
	}
	select {
	case d.ch <- queued{userID: userID, event: event}:
	default:
		d.log.Warnw("notification dropped, dispatch buffer full",
			"user_id", userID, "type", event.Type, "job_id", event.JobID)
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for q := range d.ch {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Send(ctx, q.userID, q.event); err != nil {
			d.log.Warnw("notification delivery failed",
				"user_id", q.userID, "type", q.event.Type, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the buffer to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()
	<-d.done
}
