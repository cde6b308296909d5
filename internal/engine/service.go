package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/eligibility"
	"github.com/go4it/credeval/internal/lock"
	"github.com/go4it/credeval/internal/metrics"
	"github.com/go4it/credeval/internal/review"
)

var tracer = otel.Tracer("credeval-engine")

// Default durations used when Options leaves them zero.
const (
	DefaultLockTTL  = 2 * time.Minute
	DefaultCacheTTL = 10 * time.Minute
)

// Options holds the optional collaborators of a Service.
type Options struct {
	Cache    domain.Cache
	Bus      domain.EventBus
	Metrics  *metrics.Metrics
	LockTTL  time.Duration
	CacheTTL time.Duration
	Clock    func() time.Time
}

// Service evaluates stored transcripts under a per-transcript lock and
// commits each run as a new evaluation version.
type Service struct {
	repo      domain.Repository
	catalog   *catalog.Store
	evaluator *eligibility.Evaluator
	locker    lock.Locker
	queue     *review.Queue

	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics
	lockTTL  time.Duration
	cacheTTL time.Duration
	now      func() time.Time
}

// NewService wires a service.
func NewService(repo domain.Repository, store *catalog.Store, evaluator *eligibility.Evaluator, locker lock.Locker, opts Options) *Service {
	s := &Service{
		repo:      repo,
		catalog:   store,
		evaluator: evaluator,
		locker:    locker,
		queue:     review.NewQueue(repo, opts.Bus, opts.Metrics),
		cache:     opts.Cache,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		lockTTL:   opts.LockTTL,
		cacheTTL:  opts.CacheTTL,
		now:       opts.Clock,
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = DefaultCacheTTL
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Catalog returns the catalog store.
func (s *Service) Catalog() *catalog.Store { return s.catalog }

// Evaluator returns the eligibility evaluator.
func (s *Service) Evaluator() *eligibility.Evaluator { return s.evaluator }

// Queue returns the review queue.
func (s *Service) Queue() *review.Queue { return s.queue }

// Submit validates and stores a new transcript, then announces it.
func (s *Service) Submit(ctx context.Context, req *domain.TranscriptRequest) (*domain.Transcript, error) {
	t, err := s.save(ctx, req)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, domain.TopicTranscriptSubmitted, domain.TranscriptEvent{
		TranscriptID: t.ID,
		SystemID:     t.SystemID,
	})
	return t, nil
}

// SubmitAndEvaluate stores a new transcript and evaluates it before
// returning. The transcript is not announced, so workers leave it alone.
// When the evaluation fails the stored transcript is still returned.
func (s *Service) SubmitAndEvaluate(ctx context.Context, req *domain.TranscriptRequest) (*domain.Transcript, *domain.Evaluation, error) {
	t, err := s.save(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	eval, err := s.Evaluate(ctx, t.ID)
	if err != nil {
		return t, nil, err
	}
	return t, eval, nil
}

func (s *Service) save(ctx context.Context, req *domain.TranscriptRequest) (*domain.Transcript, error) {
	if err := domain.ValidateRequest(req); err != nil {
		return nil, err
	}
	system, ok := s.catalog.Current().System(req.SystemID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown education system %q", domain.ErrInvalidInput, req.SystemID)
	}
	if system.CountryID != req.CountryID {
		return nil, fmt.Errorf("%w: education system %s belongs to %s, not %s",
			domain.ErrInvalidInput, system.ID, system.CountryID, req.CountryID)
	}

	t := req.ToTranscript(s.now())
	t.ID = uuid.New().String()
	for _, r := range t.Records {
		r.ID = uuid.New().String()
	}
	if err := s.repo.SaveTranscript(ctx, t); err != nil {
		return nil, fmt.Errorf("save transcript: %w", err)
	}
	slog.Info("transcript submitted",
		"transcript_id", t.ID,
		"system_id", t.SystemID,
		"records", len(t.Records),
	)
	return t, nil
}

// Evaluate runs a stored transcript through the pipeline and commits a new
// evaluation version. A transcript already being evaluated fails with
// *domain.ConcurrentEvaluationError. If ctx ends before the commit nothing
// new is written and the transcript keeps its previous status.
func (s *Service) Evaluate(ctx context.Context, transcriptID string) (*domain.Evaluation, error) {
	ctx, span := tracer.Start(ctx, "engine.Evaluate",
		trace.WithAttributes(attribute.String("transcript.id", transcriptID)),
	)
	defer span.End()

	eval, err := s.evaluate(ctx, transcriptID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("evaluation.id", eval.ID),
		attribute.Int("evaluation.version", eval.Version),
	)
	return eval, nil
}

func (s *Service) evaluate(ctx context.Context, transcriptID string) (*domain.Evaluation, error) {
	start := time.Now()

	release, err := s.locker.TryLock(ctx, "transcript:"+transcriptID, s.lockTTL)
	if errors.Is(err, lock.ErrLocked) {
		s.metrics.LockRejected()
		return nil, &domain.ConcurrentEvaluationError{TranscriptID: transcriptID}
	}
	if err != nil {
		return nil, fmt.Errorf("acquire transcript lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("failed to release transcript lock", "transcript_id", transcriptID, "error", err)
		}
	}()

	t, err := s.repo.GetTranscript(ctx, transcriptID)
	if err != nil {
		return nil, err
	}
	for _, r := range t.Records {
		if err := domain.ValidateRecord(r); err != nil {
			return nil, err
		}
	}

	version := 1
	latest, err := s.repo.GetLatestEvaluation(ctx, transcriptID)
	switch {
	case err == nil:
		version = latest.Version + 1
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("read latest evaluation: %w", err)
	}

	// The run uses this snapshot even if the catalog is reloaded meanwhile.
	snap := s.catalog.Current()

	previous := t.Status
	if err := s.repo.UpdateTranscriptStatus(ctx, transcriptID, domain.TranscriptProcessing); err != nil {
		return nil, fmt.Errorf("mark transcript processing: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			s.metrics.EvaluationFailed()
			if err := s.repo.UpdateTranscriptStatus(context.WithoutCancel(ctx), transcriptID, previous); err != nil {
				slog.Error("failed to restore transcript status", "transcript_id", transcriptID, "error", err)
			}
		}
	}()

	res, err := Run(RunInput{
		Transcript:   t,
		Snapshot:     snap,
		Evaluator:    s.evaluator,
		EvaluationID: uuid.New().String(),
		Version:      version,
		Now:          s.now(),
	})
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("evaluation of %s abandoned: %w", transcriptID, err)
	}

	status := domain.TranscriptCompleted
	if res.Evaluation.RequiresReview {
		status = domain.TranscriptNeedsReview
	}
	if err := s.repo.CommitEvaluation(ctx, &domain.EvaluationCommit{
		Evaluation: res.Evaluation,
		Records:    res.Records,
		Audit:      res.Audit,
		Status:     status,
	}); err != nil {
		return nil, fmt.Errorf("commit evaluation: %w", err)
	}
	committed = true
	eval := res.Evaluation

	if _, err := s.queue.EnqueueFlagged(ctx, eval, res.Flagged()); err != nil {
		slog.Error("failed to enqueue flagged records", "transcript_id", transcriptID, "error", err)
	}
	if s.cache != nil {
		if err := s.cache.SetLatestEvaluation(ctx, eval, s.cacheTTL); err != nil {
			slog.Warn("failed to cache evaluation", "transcript_id", transcriptID, "error", err)
		}
	}
	s.publish(ctx, domain.TopicEvaluationCompleted, domain.EvaluationEvent{
		TranscriptID:   transcriptID,
		EvaluationID:   eval.ID,
		Version:        eval.Version,
		Status:         status,
		DivisionI:      eval.DivisionI.Status,
		DivisionII:     eval.DivisionII.Status,
		RequiresReview: eval.RequiresReview,
	})

	elapsed := time.Since(start)
	s.metrics.EvaluationCommitted(string(status), elapsed, string(eval.DivisionI.Status), string(eval.DivisionII.Status))
	slog.Info("transcript evaluated",
		"transcript_id", transcriptID,
		"evaluation_id", eval.ID,
		"version", eval.Version,
		"rules_version", eval.Metadata.RulesVersion,
		"catalog_version", eval.Metadata.CatalogVersion,
		"division_i", eval.DivisionI.Status,
		"division_ii", eval.DivisionII.Status,
		"requires_review", eval.RequiresReview,
		"duration_ms", elapsed.Milliseconds(),
	)
	return eval, nil
}

// BatchResult is the outcome for one transcript of EvaluateBatch.
type BatchResult struct {
	TranscriptID string             `json:"transcriptId"`
	Evaluation   *domain.Evaluation `json:"evaluation,omitempty"`
	Err          error              `json:"-"`
	Error        string             `json:"error,omitempty"`
}

// EvaluateBatch evaluates transcripts in parallel with at most concurrency
// runs in flight. Per-transcript failures are reported in the results;
// only cancellation of ctx aborts the batch.
func (s *Service) EvaluateBatch(ctx context.Context, transcriptIDs []string, concurrency int) ([]BatchResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	results := make([]BatchResult, len(transcriptIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, id := range transcriptIDs {
		i, id := i, id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			eval, err := s.Evaluate(gctx, id)
			results[i] = BatchResult{TranscriptID: id, Evaluation: eval, Err: err}
			if err != nil {
				results[i].Error = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ResolveOutcome is the result of ResolveReview.
type ResolveOutcome struct {
	Item       *domain.ReviewItem `json:"item"`
	Evaluation *domain.Evaluation `json:"evaluation,omitempty"`
}

// ResolveReview applies a reviewer's resolution and re-evaluates the
// transcript. The resolution is kept even if the re-evaluation fails; the
// error is returned together with the resolved item.
func (s *Service) ResolveReview(ctx context.Context, itemID string, res *domain.Resolution) (*ResolveOutcome, error) {
	if res == nil {
		return nil, fmt.Errorf("%w: resolution is required", domain.ErrInvalidInput)
	}
	if res.RuleID != "" {
		if _, ok := s.catalog.Current().Rule(res.RuleID); !ok {
			return nil, fmt.Errorf("%w: unknown course rule %q", domain.ErrInvalidInput, res.RuleID)
		}
	}

	item, err := s.queue.Resolve(ctx, itemID, res)
	if err != nil {
		return nil, err
	}
	out := &ResolveOutcome{Item: item}
	eval, err := s.Evaluate(ctx, item.TranscriptID)
	if err != nil {
		return out, fmt.Errorf("re-evaluate transcript %s: %w", item.TranscriptID, err)
	}
	out.Evaluation = eval
	return out, nil
}

// Latest returns the newest evaluation of a transcript, from cache when possible.
func (s *Service) Latest(ctx context.Context, transcriptID string) (*domain.Evaluation, error) {
	if s.cache != nil {
		if eval, err := s.cache.GetLatestEvaluation(ctx, transcriptID); err == nil && eval != nil {
			return eval, nil
		}
	}
	eval, err := s.repo.GetLatestEvaluation(ctx, transcriptID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.SetLatestEvaluation(ctx, eval, s.cacheTTL)
	}
	return eval, nil
}

// ReloadCatalog pulls reference data from the repository and publishes it.
func (s *Service) ReloadCatalog(ctx context.Context) (*catalog.Snapshot, error) {
	snap, err := s.catalog.Reload(ctx, s.repo)
	var version int64
	if snap != nil {
		version = snap.Version()
	}
	s.metrics.CatalogReloaded(version, err)
	return snap, err
}

func (s *Service) publish(ctx context.Context, topic string, event any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err == nil {
		err = s.bus.Publish(ctx, topic, payload)
	}
	if err != nil {
		slog.Error("failed to publish event", "topic", topic, "error", err)
	}
}
