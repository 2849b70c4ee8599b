package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dripflow/internal/domain"
)

// Reason classifies every delivery failure. Provider-specific errors
// never cross this package boundary unclassified.
type Reason string

const (
	ReasonRejected    Reason = "rejected_by_provider"
	ReasonUnreachable Reason = "recipient_unreachable"
	ReasonTransient   Reason = "transient_network_error"
)

// SendError is the normalized delivery failure.
type SendError struct {
	Reason Reason
	Err    error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

func Rejected(err error) *SendError    { return &SendError{Reason: ReasonRejected, Err: err} }
func Unreachable(err error) *SendError { return &SendError{Reason: ReasonUnreachable, Err: err} }
func Transient(err error) *SendError   { return &SendError{Reason: ReasonTransient, Err: err} }

// Classify normalizes any error into the three-case taxonomy. Unknown
// errors are treated as transient so a misbehaving provider gets the
// retry budget rather than an instant terminal failure.
func Classify(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return Transient(err)
}

// Sender delivers one content item to one recipient over one channel.
type Sender interface {
	Channel() domain.Channel
	Send(ctx context.Context, rcpt domain.Recipient, content domain.ContentItem) error
}

// JobStore is the slice of the store the dispatcher writes to. Each
// dispatch touches only its own job row.
type JobStore interface {
	IncrementJobAttempt(ctx context.Context, id string) error
	MarkJobSent(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id, lastError string) error
}

const (
	defaultMaxRetries = 3
	defaultBackoff    = 30 * time.Second
)

// Dispatcher runs the per-job delivery state machine: attempt, classify,
// retry transients with exponential backoff, record the outcome. Attempts
// execute on the pool; a retry waits out its backoff on a timer with the
// pool slot released, then requeues.
type Dispatcher struct {
	jobs       JobStore
	pool       *Pool
	senders    map[domain.Channel]Sender
	maxRetries int
	backoff    time.Duration
	pending    sync.WaitGroup
}

func NewDispatcher(jobs JobStore, pool *Pool, senders ...Sender) *Dispatcher {
	m := make(map[domain.Channel]Sender, len(senders))
	for _, s := range senders {
		m[s.Channel()] = s
	}
	return &Dispatcher{jobs: jobs, pool: pool, senders: m, maxRetries: defaultMaxRetries, backoff: defaultBackoff}
}

// WithRetryPolicy overrides the retry budget and backoff base. Used by
// tests; production keeps the defaults (3 retries, 30s base).
func (d *Dispatcher) WithRetryPolicy(maxRetries int, backoff time.Duration) *Dispatcher {
	d.maxRetries = maxRetries
	d.backoff = backoff
	return d
}

// Dispatch hands the job to the pool and returns without waiting on the
// delivery. The send runs on an application-scoped context, never the
// trigger's: a finished tick request or a shutdown signal must not abort
// a send already in flight. done, when non-nil, fires exactly once when
// the job reaches a terminal status.
func (d *Dispatcher) Dispatch(job domain.SendJob, rcpt domain.Recipient, content domain.ContentItem, done func()) {
	d.pending.Add(1)
	d.pool.Submit(func() { d.attempt(job, rcpt, content, 0, done) })
}

// Wait blocks until every dispatched job has settled, including jobs
// waiting out a retry backoff. Called at shutdown.
func (d *Dispatcher) Wait() { d.pending.Wait() }

// attempt performs one delivery try while holding a pool slot.
func (d *Dispatcher) attempt(job domain.SendJob, rcpt domain.Recipient, content domain.ContentItem, retry int, done func()) {
	logger := log.With().
		Str("job_id", job.ID).
		Str("drop_id", job.DropID).
		Str("user_id", job.UserID).
		Str("channel", string(job.Channel)).
		Logger()

	// Deliveries outlive their trigger; provider clients carry their
	// own timeouts so a hung provider cannot pin the slot forever.
	ctx := context.Background()

	sender, ok := d.senders[job.Channel]
	if !ok {
		logger.Error().Msg("no sender configured for channel")
		d.recordFailure(job.ID, Rejected(fmt.Errorf("no sender for channel %s", job.Channel)))
		d.settle(done)
		return
	}

	if err := d.jobs.IncrementJobAttempt(ctx, job.ID); err != nil {
		logger.Error().Err(err).Msg("record attempt")
	}

	err := sender.Send(ctx, rcpt, content)
	if err == nil {
		if err := d.jobs.MarkJobSent(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("mark sent")
		}
		logger.Debug().Int("attempt", retry+1).Msg("delivered")
		d.settle(done)
		return
	}

	se := Classify(err)
	if se.Reason != ReasonTransient {
		logger.Warn().Str("reason", string(se.Reason)).Err(se.Err).Msg("terminal delivery failure")
		d.recordFailure(job.ID, se)
		d.settle(done)
		return
	}
	if retry >= d.maxRetries {
		logger.Warn().Int("retries", retry).Err(se.Err).Msg("retry budget exhausted")
		d.recordFailure(job.ID, se)
		d.settle(done)
		return
	}

	delay := d.backoff << retry // base, 2x, 4x ...
	logger.Debug().Dur("delay", delay).Err(se.Err).Msg("transient failure, retrying")
	// The backoff waits on a timer, not on a slot, so one flaky
	// recipient never starves the rest of the pool.
	time.AfterFunc(delay, func() {
		d.pool.Submit(func() { d.attempt(job, rcpt, content, retry+1, done) })
	})
}

// settle marks the job's delivery as finished and notifies the caller.
func (d *Dispatcher) settle(done func()) {
	d.pending.Done()
	if done != nil {
		done()
	}
}

func (d *Dispatcher) recordFailure(jobID string, se *SendError) {
	if err := d.jobs.MarkJobFailed(context.Background(), jobID, se.Error()); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("mark failed")
	}
}
