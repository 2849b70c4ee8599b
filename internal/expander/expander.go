// Package expander materializes a due drop into its send jobs and
// fans them out to the channel dispatcher.
package expander

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dripflow/internal/dispatch"
	"dripflow/internal/domain"
	"dripflow/internal/store"
)

type Expander struct {
	store      store.Store
	dispatcher *dispatch.Dispatcher
	window     time.Duration

	finishers sync.WaitGroup
}

const defaultWindow = 2 * time.Minute

func New(st store.Store, d *dispatch.Dispatcher) *Expander {
	return &Expander{store: st, dispatcher: d, window: defaultWindow}
}

// WithWindow bounds how long a drop waits for its jobs to settle before
// being marked expanded anyway.
func (e *Expander) WithWindow(w time.Duration) *Expander {
	e.window = w
	return e
}

// Expand claims the drop, creates one send job per (recipient, channel)
// pair, and hands every job to the dispatcher. Losing the claim is a
// no-op, which is what makes duplicate triggers and retries harmless.
// Returns the number of jobs created.
func (e *Expander) Expand(ctx context.Context, dropID string) (int, error) {
	claimed, err := e.store.ClaimDrop(ctx, dropID)
	if err != nil {
		return 0, fmt.Errorf("claim drop %s: %w", dropID, err)
	}
	if !claimed {
		log.Debug().Str("drop_id", dropID).Msg("claim lost, drop already handled")
		return 0, nil
	}

	// From here on the drop is ours. If anything below fails the drop
	// stays in expanding and stale recovery returns it to pending.
	drop, err := e.store.GetDrop(ctx, dropID)
	if err != nil {
		return 0, fmt.Errorf("load drop %s: %w", dropID, err)
	}
	campaign, err := e.store.GetCampaign(ctx, drop.CampaignID)
	if err != nil {
		return 0, fmt.Errorf("load campaign %s: %w", drop.CampaignID, err)
	}
	content, err := e.store.GetContentItem(ctx, drop.ContentItemID)
	if err != nil {
		return 0, fmt.Errorf("load content %s: %w", drop.ContentItemID, err)
	}
	recipients, err := e.store.ListRecipients(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("load audience: %w", err)
	}

	jobs := make([]domain.SendJob, 0, len(recipients)*len(campaign.Channels))
	for _, r := range recipients {
		for _, ch := range campaign.Channels {
			jobs = append(jobs, domain.SendJob{DropID: drop.ID, UserID: r.UserID, Channel: ch})
		}
	}
	created, err := e.store.CreateSendJobs(ctx, jobs)
	if err != nil {
		return 0, fmt.Errorf("create jobs: %w", err)
	}

	// Read back what is actually pending: after a crash recovery some
	// jobs may already be sent or failed and must not be re-dispatched.
	pending, err := e.store.PendingJobs(ctx, drop.ID)
	if err != nil {
		return created, fmt.Errorf("list pending jobs: %w", err)
	}

	byUser := make(map[string]domain.Recipient, len(recipients))
	for _, r := range recipients {
		byUser[r.UserID] = r
	}

	log.Info().
		Str("drop_id", drop.ID).
		Str("campaign_id", campaign.ID).
		Int("jobs_created", created).
		Int("dispatching", len(pending)).
		Msg("drop expanded")

	// The fan-out runs off the caller's goroutine: a tick must never
	// wait on pool capacity or a provider round trip, and the trigger's
	// context has no say over deliveries already handed off.
	e.finishers.Add(1)
	go func() {
		defer e.finishers.Done()
		e.fanOut(drop.ID, content, pending, byUser)
	}()

	return created, nil
}

// fanOut hands every pending job to the dispatcher, then flips the drop
// to expanded once all jobs settle or the window elapses, whichever
// comes first. The flip is a reporting state, not a dispatch gate.
func (e *Expander) fanOut(dropID string, content domain.ContentItem, jobs []domain.SendJob, byUser map[string]domain.Recipient) {
	timer := time.NewTimer(e.window)
	defer timer.Stop()

	var inflight sync.WaitGroup
	for _, job := range jobs {
		inflight.Add(1)
		e.dispatcher.Dispatch(job, byUser[job.UserID], content, inflight.Done)
	}

	done := make(chan struct{})
	go func() {
		inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-timer.C:
		log.Warn().Str("drop_id", dropID).Dur("window", e.window).Msg("expand window elapsed with jobs still in flight")
	}

	if err := e.store.MarkDropExpanded(context.Background(), dropID); err != nil {
		log.Error().Err(err).Str("drop_id", dropID).Msg("mark drop expanded")
	}
}

// Drain blocks until every drop handed to Expand has been marked
// expanded. Called during shutdown after the dispatcher settles.
func (e *Expander) Drain() { e.finishers.Wait() }
