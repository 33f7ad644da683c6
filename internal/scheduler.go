package internal

import (
	"context"

	"github.com/robfig/cron/v3"
)

// Scheduler owns the recurring maintenance work: search-view refreshes and
// the daily bestseller snapshot. Jobs share one context so shutdown stops
// them together.
type Scheduler struct {
	cron     *cron.Cron
	store    store
	ingestor *ListIngestor
	ctx      context.Context
}

// NewScheduler registers the jobs it has dependencies for. The store and
// ingestor are optional; missing ones simply skip their job.
func NewScheduler(ctx context.Context, st store, ingestor *ListIngestor) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		store:    st,
		ingestor: ingestor,
		ctx:      ctx,
	}

	if st != nil {
		// The store debounces internally, so a tight schedule is safe.
		if _, err := s.cron.AddFunc("@every 1m", s.refreshSearchView); err != nil {
			return nil, err
		}
	}
	if ingestor != nil {
		if _, err := s.cron.AddFunc("0 6 * * *", s.ingestBestsellers); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Start begins running jobs and stops them when the scheduler's context is
// cancelled.
func (s *Scheduler) Start() {
	s.cron.Start()
	go func() {
		<-s.ctx.Done()
		<-s.cron.Stop().Done()
	}()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) refreshSearchView() {
	if err := s.store.RefreshSearchView(s.ctx, false); err != nil {
		Log(s.ctx).Warn("problem refreshing search view", "err", err)
	}
}

func (s *Scheduler) ingestBestsellers() {
	summary, err := s.ingestor.Ingest(s.ctx)
	if err != nil {
		Log(s.ctx).Warn("problem ingesting bestsellers", "err", err)
		return
	}
	Log(s.ctx).Info("bestseller snapshot ingested",
		"lists", summary.Lists,
		"memberships", summary.Memberships,
		"minted", summary.Minted,
		"errors", len(summary.Errors))
}
