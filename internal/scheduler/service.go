// Package scheduler is the time-driven loop: once a minute it finds
// drops whose trigger time has arrived and hands each to the expander.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"dripflow/internal/store"
)

// Expander is what a tick hands due drops to.
type Expander interface {
	Expand(ctx context.Context, dropID string) (int, error)
}

type Service struct {
	store    store.Store
	expander Expander
	cron     *cron.Cron
}

// TickResult summarizes one scheduler pass.
type TickResult struct {
	DueDrops      int `json:"due_drops"`
	ExpandedDrops int `json:"expanded_drops"`
	JobsCreated   int `json:"jobs_created"`
}

func NewService(st store.Store, ex Expander) *Service {
	return &Service{store: st, expander: ex}
}

// Start registers the per-minute tick and runs it until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc("* * * * *", func() {
		s.RunTick(ctx, time.Now())
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Msg("trigger scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunTick performs one pass: select due pending drops in trigger order
// and expand each. Exposed for the on-demand ops endpoint and tests.
// A drop claimed by someone else counts as due but not expanded.
func (s *Service) RunTick(ctx context.Context, now time.Time) TickResult {
	drops, err := s.store.DueDrops(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("select due drops")
		return TickResult{}
	}

	res := TickResult{DueDrops: len(drops)}
	for _, d := range drops {
		n, err := s.expander.Expand(ctx, d.ID)
		if err != nil {
			log.Error().Err(err).Str("drop_id", d.ID).Msg("expand drop")
			continue
		}
		if n > 0 {
			res.ExpandedDrops++
			res.JobsCreated += n
		}
	}

	if res.DueDrops > 0 {
		log.Info().
			Int("due", res.DueDrops).
			Int("expanded", res.ExpandedDrops).
			Int("jobs", res.JobsCreated).
			Msg("tick complete")
	}
	return res
}
