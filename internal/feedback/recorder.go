// Package feedback implements the learning feedback loop: append-only
// ingestion of outcomes and user ratings, plus background evaluation jobs
// over the accumulated records. Ingestion is fire and forget; a store
// outage or full buffer never blocks the task execution path.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkrader/taskmesh/internal/bus"
	"github.com/mkrader/taskmesh/internal/data"
	"github.com/mkrader/taskmesh/internal/logging"
	"github.com/mkrader/taskmesh/pkg/types"
)

// ErrStoreUnavailable is returned when the recorder has no backing store.
var ErrStoreUnavailable = errors.New("feedback: store unavailable")

// ErrInvalidRating is returned for ratings outside 1..5 (0 means unrated).
var ErrInvalidRating = errors.New("feedback: rating must be between 1 and 5")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("feedback: recorder closed")

type entry struct {
	record  *types.FeedbackRecord
	outcome *types.TaskOutcome
}

// Recorder ingests feedback records and task outcomes through a bounded
// queue drained by a single writer goroutine. When the queue is full the
// entry is dropped and counted rather than blocking the caller.
type Recorder struct {
	store  *data.Store
	events *bus.Bus
	log    zerolog.Logger

	queue  chan entry
	closed chan struct{}
	wg     sync.WaitGroup

	dropped  atomic.Uint64
	written  atomic.Uint64
	training atomic.Bool

	closeOnce sync.Once
}

// NewRecorder builds a recorder writing to store. bufferSize bounds the
// ingestion queue; values below 1 fall back to a small default.
func NewRecorder(store *data.Store, events *bus.Bus, bufferSize int) *Recorder {
	if bufferSize < 1 {
		bufferSize = 64
	}
	r := &Recorder{
		store:  store,
		events: events,
		log:    logging.For("feedback"),
		queue:  make(chan entry, bufferSize),
		closed: make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// RecordFeedback enqueues one feedback record. It validates the record,
// fills in id and timestamp, and returns without waiting for the write.
func (r *Recorder) RecordFeedback(record *types.FeedbackRecord) error {
	if r.store == nil {
		return ErrStoreUnavailable
	}
	if record.Prompt == "" || record.Response == "" {
		return fmt.Errorf("feedback: prompt and response are required")
	}
	if record.Rating < 0 || record.Rating > 5 {
		return ErrInvalidRating
	}
	clone := *record
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now().UTC()
	}
	return r.enqueue(entry{record: &clone})
}

// RecordOutcome enqueues one task outcome.
func (r *Recorder) RecordOutcome(taskID, modelID string, success bool, latency time.Duration) error {
	if r.store == nil {
		return ErrStoreUnavailable
	}
	o := &types.TaskOutcome{
		TaskID:    taskID,
		ModelID:   modelID,
		Success:   success,
		Latency:   latency,
		CreatedAt: time.Now().UTC(),
	}
	return r.enqueue(entry{outcome: o})
}

func (r *Recorder) enqueue(e entry) error {
	select {
	case <-r.closed:
		return ErrClosed
	default:
	}
	select {
	case r.queue <- e:
		return nil
	default:
		n := r.dropped.Add(1)
		r.log.Warn().Uint64("dropped_total", n).Msg("feedback buffer full, entry dropped")
		return nil
	}
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-r.closed:
			// Drain whatever is already buffered, then stop.
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	switch {
	case e.record != nil:
		err = r.store.AppendFeedback(ctx, e.record)
	case e.outcome != nil:
		err = r.store.AppendOutcome(ctx, e.outcome)
	}
	if err != nil {
		r.dropped.Add(1)
		r.log.Warn().Err(err).Msg("feedback write failed")
		return
	}
	r.written.Add(1)
}

// Stats reports entries written and dropped since start.
func (r *Recorder) Stats() (written, dropped uint64) {
	return r.written.Load(), r.dropped.Load()
}

// ModelStats returns aggregated outcome statistics for one model.
func (r *Recorder) ModelStats(ctx context.Context, modelID string) (successRate float64, count int, avgLatencyMs float64, err error) {
	if r.store == nil {
		return 0, 0, 0, ErrStoreUnavailable
	}
	return r.store.ModelOutcomeStats(ctx, modelID)
}

// Close drains the queue and stops the writer. Further ingestion returns
// ErrClosed.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.closed)
	})
	r.wg.Wait()
}

func (r *Recorder) publish(event bus.Event) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(event); err != nil {
		r.log.Debug().Err(err).Str("type", string(event.Type)).Msg("publish event")
	}
}
