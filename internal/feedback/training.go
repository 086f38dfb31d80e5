package feedback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mkrader/taskmesh/internal/bus"
)

// ErrTrainingInProgress is returned when a job is already running; only one
// evaluation job runs at a time.
var ErrTrainingInProgress = errors.New("feedback: training already in progress")

// BatchSelector picks the records an evaluation job runs over.
type BatchSelector struct {
	// Since excludes records created before this time. Zero means the
	// full history.
	Since time.Time

	// ModelID restricts the batch to one model. Empty means all models.
	ModelID string

	// MinRating drops explicit feedback rated below this value. Unrated
	// records are kept.
	MinRating int
}

// TrainingPhase names a stage of an evaluation job.
type TrainingPhase string

const (
	PhaseCollecting  TrainingPhase = "collecting"
	PhaseEvaluating  TrainingPhase = "evaluating"
	PhaseAggregating TrainingPhase = "aggregating"
	PhaseDone        TrainingPhase = "done"
	PhaseFailed      TrainingPhase = "failed"
)

// ModelReport holds the aggregated numbers for one model in a batch.
type ModelReport struct {
	ModelID     string  `json:"model_id"`
	Records     int     `json:"records"`
	AvgRating   float64 `json:"avg_rating"`
	Rated       int     `json:"rated"`
	SuccessRate float64 `json:"success_rate"`
	Outcomes    int     `json:"outcomes"`
}

// TrainingProgress is emitted on the progress channel as a job advances.
// The final message has Phase PhaseDone (with Reports set) or PhaseFailed
// (with Err set).
type TrainingProgress struct {
	Phase     TrainingPhase
	Processed int
	Total     int
	Reports   []ModelReport
	Err       error
}

// TriggerTraining starts a background evaluation job over the records the
// selector matches. It returns immediately; progress and the final report
// arrive on the returned channel, which is closed when the job ends.
// Cancelling ctx aborts the job. The job reads a snapshot of the store and
// never touches the task execution path.
func (r *Recorder) TriggerTraining(ctx context.Context, sel BatchSelector) (<-chan TrainingProgress, error) {
	if r.store == nil {
		return nil, ErrStoreUnavailable
	}
	if !r.training.CompareAndSwap(false, true) {
		return nil, ErrTrainingInProgress
	}

	progress := make(chan TrainingProgress, 8)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.training.Store(false)
		defer close(progress)
		r.runTraining(ctx, sel, progress)
	}()
	return progress, nil
}

func (r *Recorder) runTraining(ctx context.Context, sel BatchSelector, progress chan<- TrainingProgress) {
	started := time.Now()
	r.publish(bus.NewEvent(bus.EventTrainingStarted).WithModel(sel.ModelID))
	r.log.Info().Str("model", sel.ModelID).Time("since", sel.Since).Msg("evaluation job started")

	// emit blocks on the consumer but aborts if the context goes away, so
	// an abandoned channel cannot strand the job goroutine.
	emit := func(p TrainingProgress) {
		select {
		case progress <- p:
		case <-ctx.Done():
		}
	}

	fail := func(err error) {
		emit(TrainingProgress{Phase: PhaseFailed, Err: err})
		r.publish(bus.NewEvent(bus.EventTrainingFinished).WithModel(sel.ModelID).WithDetail(err.Error()))
		r.log.Error().Err(err).Msg("evaluation job failed")
	}

	emit(TrainingProgress{Phase: PhaseCollecting})
	records, err := r.store.FeedbackSince(ctx, sel.Since, sel.ModelID)
	if err != nil {
		fail(fmt.Errorf("collect batch: %w", err))
		return
	}

	type acc struct {
		records   int
		ratingSum int
		rated     int
	}
	byModel := make(map[string]*acc)

	total := len(records)
	for i, rec := range records {
		if ctx.Err() != nil {
			fail(ctx.Err())
			return
		}
		if rec.Rating != 0 && rec.Rating < sel.MinRating {
			continue
		}
		a := byModel[rec.ModelID]
		if a == nil {
			a = &acc{}
			byModel[rec.ModelID] = a
		}
		a.records++
		if rec.Rating != 0 {
			a.ratingSum += rec.Rating
			a.rated++
		}
		if (i+1)%100 == 0 {
			emit(TrainingProgress{Phase: PhaseEvaluating, Processed: i + 1, Total: total})
		}
	}
	emit(TrainingProgress{Phase: PhaseEvaluating, Processed: total, Total: total})

	emit(TrainingProgress{Phase: PhaseAggregating})
	reports := make([]ModelReport, 0, len(byModel))
	for modelID, a := range byModel {
		report := ModelReport{ModelID: modelID, Records: a.records, Rated: a.rated}
		if a.rated > 0 {
			report.AvgRating = float64(a.ratingSum) / float64(a.rated)
		}
		successRate, outcomes, _, err := r.store.ModelOutcomeStats(ctx, modelID)
		if err == nil {
			report.SuccessRate = successRate
			report.Outcomes = outcomes
		}
		reports = append(reports, report)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].ModelID < reports[j].ModelID })

	emit(TrainingProgress{Phase: PhaseDone, Processed: total, Total: total, Reports: reports})
	r.publish(bus.NewEvent(bus.EventTrainingFinished).WithModel(sel.ModelID))
	r.log.Info().Int("records", total).Int("models", len(reports)).Dur("elapsed", time.Since(started)).Msg("evaluation job finished")
}
