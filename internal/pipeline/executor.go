package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cardlens/cardlens/internal/domain"
)

// Job is one queued valuation run.
type Job struct {
	ExecutionID string
	Subject     string
	CardID      string
	WindowDays  int
}

// StateChange is one transition streamed to execution watchers.
type StateChange struct {
	ExecutionID string                `json:"executionId"`
	State       domain.ExecutionState `json:"state"`
	At          time.Time             `json:"at"`
	Error       *string               `json:"error,omitempty"`
}

// DeadLetter is a terminally failed execution retained for operators.
type DeadLetter struct {
	Record domain.ExecutionRecord `json:"record"`
	Reason string                 `json:"reason"`
	At     time.Time              `json:"at"`
}

// Executor owns the bounded worker pool that drains the job queue, the
// watcher registry and the dead letter buffer.
type Executor struct {
	pipeline *Pipeline
	jobs     chan Job

	mu       sync.Mutex
	watchers map[string][]chan StateChange
	dlq      []DeadLetter
	dlqHead  int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewExecutor builds the executor. Start must be called before Submit.
func NewExecutor(pipeline *Pipeline) *Executor {
	return &Executor{
		pipeline: pipeline,
		jobs:     make(chan Job, pipeline.config.QueueSize),
		watchers: make(map[string][]chan StateChange),
	}
}

// Start spawns the worker pool. Workers exit when ctx is canceled and
// the queue drains.
func (e *Executor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.pipeline.config.Workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case job := <-e.jobs:
					e.run(runCtx, job)
				}
			}
		}()
	}
	log.Info().Int("workers", e.pipeline.config.Workers).
		Int("queue_size", cap(e.jobs)).Msg("Pipeline executor started")
}

// Stop cancels in-flight executions and waits for the workers.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Submit enqueues a job without blocking. A full queue surfaces as
// rate limiting so the gateway can answer 429.
func (e *Executor) Submit(job Job) error {
	select {
	case e.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: execution queue full", domain.ErrRateLimited)
	}
}

// Watch subscribes to state changes for one execution. The returned
// cancel func must be called when the watcher goes away; the channel
// is closed after a terminal state is delivered.
func (e *Executor) Watch(executionID string) (<-chan StateChange, func()) {
	ch := make(chan StateChange, 8)
	e.mu.Lock()
	e.watchers[executionID] = append(e.watchers[executionID], ch)
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.watchers[executionID]
		for i, sub := range subs {
			if sub == ch {
				e.watchers[executionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// DeadLetters returns the retained terminal failures, newest last.
func (e *Executor) DeadLetters() []DeadLetter {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]DeadLetter, 0, len(e.dlq))
	n := len(e.dlq)
	for i := 0; i < n; i++ {
		out = append(out, e.dlq[(e.dlqHead+i)%n])
	}
	return out
}

func (e *Executor) notify(change StateChange) {
	e.mu.Lock()
	// Copy: a watcher cancel compacts the registered slice in place.
	subs := append([]chan StateChange(nil), e.watchers[change.ExecutionID]...)
	if change.State.Terminal() {
		delete(e.watchers, change.ExecutionID)
	}
	e.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
			// Slow watcher; drop rather than stall the pipeline.
		}
		if change.State.Terminal() {
			close(ch)
		}
	}
}

func (e *Executor) deadLetter(rec domain.ExecutionRecord, reason string) {
	e.mu.Lock()
	letter := DeadLetter{Record: rec, Reason: reason, At: e.pipeline.now().UTC()}
	if len(e.dlq) < e.pipeline.config.DLQSize {
		e.dlq = append(e.dlq, letter)
	} else {
		// Ring buffer: overwrite the oldest entry.
		e.dlq[e.dlqHead] = letter
		e.dlqHead = (e.dlqHead + 1) % len(e.dlq)
	}
	depth := len(e.dlq)
	e.mu.Unlock()

	e.pipeline.metrics.DLQDepth.Set(float64(depth))
	log.Error().Str("execution_id", rec.ExecutionID).Str("card_id", rec.CardID).
		Str("reason", reason).Msg("Execution dead-lettered")
}

// run drives one execution through the state machine under the hard
// deadline. Extract happens before the parallel branches, which happen
// before aggregation; a canceled context stops before any snapshot
// write.
func (e *Executor) run(ctx context.Context, job Job) {
	p := e.pipeline
	execCtx, cancel := context.WithTimeout(ctx, p.config.ExecutionDeadline)
	defer cancel()

	e.pipeline.metrics.ActiveExecutions.Inc()
	defer e.pipeline.metrics.ActiveExecutions.Dec()

	rec := domain.ExecutionRecord{
		ExecutionID: job.ExecutionID,
		CardID:      job.CardID,
		Subject:     job.Subject,
		State:       domain.ExecQueued,
		StartedAt:   p.now().UTC(),
	}
	e.transition(execCtx, &rec, domain.ExecExtracting, nil)

	card, err := p.deps.Store.GetCard(execCtx, job.Subject, job.CardID)
	if err != nil {
		e.fail(execCtx, &rec, fmt.Errorf("load card: %w", err))
		return
	}

	timer := p.metrics.StartStepTimer("extract")
	envelope, err := p.extract(execCtx, card)
	if err != nil {
		timer.Stop("error")
		e.fail(execCtx, &rec, fmt.Errorf("extract: %w", err))
		return
	}
	timer.Stop("ok")

	windowDays := job.WindowDays
	if windowDays < 1 {
		windowDays = p.config.DefaultWindowDays
	}

	e.transition(execCtx, &rec, domain.ExecParallel, nil)
	pricing, auth := p.runParallel(execCtx, card, envelope, windowDays)
	if execCtx.Err() != nil {
		e.fail(execCtx, &rec, fmt.Errorf("parallel branches: %w", domain.ErrTimeout))
		return
	}
	if branchesFailed(pricing, auth) {
		e.fail(execCtx, &rec, fmt.Errorf("%w: all pricing adapters failed and reasoning unavailable", domain.ErrProviderPermanent))
		return
	}

	e.transition(execCtx, &rec, domain.ExecAggregating, nil)
	timer = p.metrics.StartStepTimer("aggregate")
	if _, err := p.aggregate(execCtx, job.ExecutionID, card, envelope, pricing, auth); err != nil {
		timer.Stop("error")
		e.fail(execCtx, &rec, err)
		return
	}
	timer.Stop("ok")

	ended := p.now().UTC()
	rec.EndedAt = &ended
	e.transition(execCtx, &rec, domain.ExecSucceeded, nil)
	p.metrics.RecordExecution(string(domain.ExecSucceeded))
	log.Info().Str("execution_id", rec.ExecutionID).Str("card_id", rec.CardID).
		Dur("elapsed", ended.Sub(rec.StartedAt)).Msg("Execution succeeded")
}

// transition persists the new state and notifies watchers. Record
// writes use a detached context so a blown execution deadline cannot
// lose the terminal state.
func (e *Executor) transition(ctx context.Context, rec *domain.ExecutionRecord, state domain.ExecutionState, lastError *string) {
	p := e.pipeline
	rec.State = state
	rec.LastError = lastError

	writeCtx := ctx
	if state.Terminal() || ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), p.config.AggregateTimeout)
		defer cancel()
	}
	if err := p.deps.Store.PutExecution(writeCtx, rec); err != nil {
		log.Error().Str("execution_id", rec.ExecutionID).Str("state", string(state)).
			Err(err).Msg("Execution record write failed")
	}

	e.notify(StateChange{
		ExecutionID: rec.ExecutionID,
		State:       state,
		At:          p.now().UTC(),
		Error:       lastError,
	})
}

func (e *Executor) fail(ctx context.Context, rec *domain.ExecutionRecord, cause error) {
	p := e.pipeline
	reason := cause.Error()
	ended := p.now().UTC()
	rec.EndedAt = &ended

	e.transition(ctx, rec, domain.ExecFailed, &reason)
	p.metrics.RecordExecution(string(domain.ExecFailed))
	e.deadLetter(*rec, reason)
}
