// Package scheduler runs the periodic background jobs: catalog refresh and
// the stale review sweep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
)

// CatalogReloader refreshes the in-memory reference catalog.
type CatalogReloader interface {
	ReloadCatalog(ctx context.Context) (*catalog.Snapshot, error)
}

// StaleLister lists pending review items older than maxAge.
type StaleLister interface {
	Stale(ctx context.Context, maxAge time.Duration) ([]*domain.ReviewItem, error)
}

// Scheduler owns a seconds-resolution cron.
type Scheduler struct {
	cron    *cron.Cron
	cfg     domain.SchedulerConfig
	catalog CatalogReloader
	reviews StaleLister
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a scheduler. Either job source may be nil.
func New(cfg domain.SchedulerConfig, reloader CatalogReloader, reviews StaleLister) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		cfg:     cfg,
		catalog: reloader,
		reviews: reviews,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start registers the configured jobs and starts the cron.
func (s *Scheduler) Start() error {
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	if s.cfg.CatalogRefresh != "" && s.catalog != nil {
		if _, err := s.cron.AddFunc(s.cfg.CatalogRefresh, func() { _ = s.RefreshCatalog(s.ctx) }); err != nil {
			return fmt.Errorf("invalid catalog refresh schedule %q: %w", s.cfg.CatalogRefresh, err)
		}
	}
	if s.cfg.ReviewSweep != "" && s.reviews != nil {
		if _, err := s.cron.AddFunc(s.cfg.ReviewSweep, func() { _, _ = s.SweepReviews(s.ctx) }); err != nil {
			return fmt.Errorf("invalid review sweep schedule %q: %w", s.cfg.ReviewSweep, err)
		}
	}

	s.cron.Start()
	s.started = true

	slog.Info("scheduler started",
		"catalog_refresh", s.cfg.CatalogRefresh,
		"review_sweep", s.cfg.ReviewSweep,
		"jobs", len(s.cron.Entries()),
	)
	return nil
}

// RefreshCatalog reloads the catalog once. A failed reload keeps the
// current snapshot.
func (s *Scheduler) RefreshCatalog(ctx context.Context) error {
	start := time.Now()
	snap, err := s.catalog.ReloadCatalog(ctx)
	if err != nil {
		slog.Error("catalog refresh failed", "error", err)
		return err
	}
	slog.Info("catalog refreshed",
		"catalog_version", snap.Version(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// SweepReviews logs pending review items older than the configured maximum age.
func (s *Scheduler) SweepReviews(ctx context.Context) ([]*domain.ReviewItem, error) {
	maxAge := s.cfg.ReviewMaxAge
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}

	items, err := s.reviews.Stale(ctx, maxAge)
	if err != nil {
		slog.Error("review sweep failed", "error", err)
		return nil, err
	}
	for _, item := range items {
		slog.Warn("stale review item",
			"review_item_id", item.ID,
			"transcript_id", item.TranscriptID,
			"record_id", item.RecordID,
			"reason", item.Reason,
			"created_at", item.CreatedAt,
		)
	}
	slog.Info("review sweep completed",
		"stale_count", len(items),
		"max_age", maxAge.String(),
	)
	return items, nil
}

// Stop cancels running jobs and waits for them to finish.
func (s *Scheduler) Stop() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.started = false
	slog.Info("scheduler stopped")
}
