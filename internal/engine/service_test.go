package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go4it/credeval/internal/bus"
	"github.com/go4it/credeval/internal/cache"
	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/lock"
	"github.com/go4it/credeval/internal/metrics"
	"github.com/go4it/credeval/internal/repository"
)

type fixture struct {
	svc    *Service
	repo   *repository.SQLRepository
	locker *lock.LocalLocker
	bus    *bus.ChannelBus
}

func newFixture(t *testing.T, policy domain.Policy) *fixture {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store, err := catalog.NewSeededStore()
	require.NoError(t, err)

	locker := lock.NewLocalLocker()
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	clock := runAt
	var mu sync.Mutex
	svc := NewService(repo, store, evaluatorFor(t, policy), locker, Options{
		Cache:   cache.NewLRUCache(100),
		Bus:     b,
		Metrics: metrics.New(),
		Clock: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	return &fixture{svc: svc, repo: repo, locker: locker, bus: b}
}

func alevelRequest() *domain.TranscriptRequest {
	return &domain.TranscriptRequest{
		StudentID: "student-7",
		CountryID: "GB",
		SystemID:  "uk_alevel",
		Source:    "partner-api",
		Records: []domain.RecordRequest{
			{Subject: "A-Level Mathematics", LocalGrade: "A", IsCompleted: true},
			{Subject: "A-Level Chemistry", LocalGrade: "B", IsCompleted: true},
			{Subject: "A-Level English Literature", LocalGrade: "A*", IsCompleted: true},
			{Subject: "A-Level History", LocalGrade: "C", IsCompleted: true},
		},
	}
}

func TestServiceSubmitValidates(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	ctx := context.Background()

	bad := alevelRequest()
	bad.Records[0].HoursPerWeek = 500
	_, err := f.svc.Submit(ctx, bad)
	var invalid *domain.InvalidCourseRecordError
	assert.ErrorAs(t, err, &invalid)

	wrongCountry := alevelRequest()
	wrongCountry.CountryID = "DE"
	_, err = f.svc.Submit(ctx, wrongCountry)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	unknown := alevelRequest()
	unknown.SystemID = "atlantis"
	_, err = f.svc.Submit(ctx, unknown)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestServiceEvaluateCommitsVersions(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	ctx := context.Background()

	completed := make(chan domain.EvaluationEvent, 4)
	_, err := f.bus.Subscribe(ctx, domain.TopicEvaluationCompleted, func(_ context.Context, msg *domain.Message) error {
		var ev domain.EvaluationEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		completed <- ev
		return nil
	})
	require.NoError(t, err)

	tr, err := f.svc.Submit(ctx, alevelRequest())
	require.NoError(t, err)

	first, err := f.svc.Evaluate(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.Equal(t, domain.StatusEligible, first.DivisionI.Status)
	assert.Equal(t, 3.5, first.CoreGPA)

	second, err := f.svc.Evaluate(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)
	assert.NotEqual(t, first.ID, second.ID)

	// Both versions stay readable and differ only in identity and time.
	stored, err := f.repo.ListEvaluations(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	a, b := *stored[0], *stored[1]
	a.ID, b.ID, a.Version, b.Version, a.CreatedAt, b.CreatedAt = "", "", 0, 0, time.Time{}, time.Time{}
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	assert.JSONEq(t, string(ja), string(jb))

	got, err := f.repo.GetTranscript(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TranscriptCompleted, got.Status)
	require.NotNil(t, got.Records[0].Classification)
	assert.Equal(t, "uk-alevel-maths", got.Records[0].Classification.MatchedRuleID)

	latest, err := f.svc.Latest(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	entries, err := f.repo.Query(ctx, domain.AuditFilter{EvaluationID: second.ID})
	require.NoError(t, err)
	phases := make(map[domain.AuditPhase]int)
	for _, e := range entries {
		phases[e.Phase]++
	}
	assert.Equal(t, 4, phases[domain.PhaseIngest])
	assert.Equal(t, 8, phases[domain.PhaseSuggest])
	assert.Equal(t, 5, phases[domain.PhaseEvaluate])
	assert.Equal(t, 1, phases[domain.PhaseReport])

	select {
	case ev := <-completed:
		assert.Equal(t, tr.ID, ev.TranscriptID)
		assert.Equal(t, domain.TranscriptCompleted, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no evaluation.completed event")
	}
}

func TestServiceSubmitAndEvaluateSkipsHandOff(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	ctx := context.Background()

	submitted := make(chan string, 4)
	_, err := f.bus.Subscribe(ctx, domain.TopicTranscriptSubmitted, func(_ context.Context, msg *domain.Message) error {
		var ev domain.TranscriptEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		submitted <- ev.TranscriptID
		return nil
	})
	require.NoError(t, err)

	tr, eval, err := f.svc.SubmitAndEvaluate(ctx, alevelRequest())
	require.NoError(t, err)
	require.NotNil(t, eval)
	assert.Equal(t, tr.ID, eval.TranscriptID)
	assert.Equal(t, 1, eval.Version)

	queued, err := f.svc.Submit(ctx, alevelRequest())
	require.NoError(t, err)

	// Messages arrive in publish order, so the first one must be the queued transcript.
	select {
	case id := <-submitted:
		assert.Equal(t, queued.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("no transcript.submitted event")
	}

	evals, err := f.repo.ListEvaluations(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, evals, 1)

	unknown := alevelRequest()
	unknown.SystemID = "atlantis"
	_, _, err = f.svc.SubmitAndEvaluate(ctx, unknown)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestServiceRejectsConcurrentEvaluation(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	ctx := context.Background()

	tr, err := f.svc.Submit(ctx, alevelRequest())
	require.NoError(t, err)

	release, err := f.locker.TryLock(ctx, "transcript:"+tr.ID, time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Evaluate(ctx, tr.ID)
	var concurrent *domain.ConcurrentEvaluationError
	require.ErrorAs(t, err, &concurrent)
	assert.Equal(t, tr.ID, concurrent.TranscriptID)

	require.NoError(t, release(ctx))
	_, err = f.svc.Evaluate(ctx, tr.ID)
	assert.NoError(t, err)
}

func TestServiceCancelledRunWritesNothing(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	tr, err := f.svc.Submit(context.Background(), alevelRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	// The clock is read right before the pipeline runs; cancelling there
	// leaves the run to be abandoned at the commit check.
	f.svc.now = func() time.Time {
		cancel()
		return runAt
	}

	_, err = f.svc.Evaluate(ctx, tr.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = f.repo.GetLatestEvaluation(context.Background(), tr.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	got, err := f.repo.GetTranscript(context.Background(), tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TranscriptPending, got.Status)
	assert.Nil(t, got.Records[0].Classification)

	entries, err := f.repo.Query(context.Background(), domain.AuditFilter{TranscriptID: tr.ID})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServiceReviewRoundTrip(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	ctx := context.Background()

	req := alevelRequest()
	req.Records = append(req.Records, domain.RecordRequest{Subject: "Underwater Basket Weaving", LocalGrade: "B", IsCompleted: true})
	tr, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	first, err := f.svc.Evaluate(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, first.RequiresReview)

	got, _ := f.repo.GetTranscript(ctx, tr.ID)
	assert.Equal(t, domain.TranscriptNeedsReview, got.Status)

	items, err := f.svc.Queue().List(ctx, domain.ReviewFilter{Status: domain.ReviewPending, TranscriptID: tr.ID})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.RiskNoCourseMatch, items[0].Reason)

	// Re-evaluating does not duplicate the pending item.
	_, err = f.svc.Evaluate(ctx, tr.ID)
	require.NoError(t, err)
	items, _ = f.svc.Queue().List(ctx, domain.ReviewFilter{Status: domain.ReviewPending, TranscriptID: tr.ID})
	require.Len(t, items, 1)

	_, err = f.svc.ResolveReview(ctx, items[0].ID, &domain.Resolution{
		Action: domain.ResolutionCorrect, Reviewer: "alice", RuleID: "no-such-rule",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	out, err := f.svc.ResolveReview(ctx, items[0].ID, &domain.Resolution{
		Action: domain.ResolutionCorrect, Reviewer: "alice", RuleID: "uk-alevel-economics",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Evaluation)
	assert.Equal(t, 3, out.Evaluation.Version)
	assert.False(t, out.Evaluation.RequiresReview)
	assert.Equal(t, domain.ReviewResolved, out.Item.Status)

	got, _ = f.repo.GetTranscript(ctx, tr.ID)
	assert.Equal(t, domain.TranscriptCompleted, got.Status)
	last := got.Records[4]
	require.NotNil(t, last.Override)
	assert.Equal(t, "uk-alevel-economics", last.Override.RuleID)
	assert.Equal(t, "manual", last.Classification.MatchMethod)

	_, err = f.svc.ResolveReview(ctx, items[0].ID, &domain.Resolution{Action: domain.ResolutionConfirm, Reviewer: "bob"})
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	resolved, err := f.repo.Query(ctx, domain.AuditFilter{TranscriptID: tr.ID, Action: domain.ActionReviewResolved})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, domain.PhaseReport, resolved[0].Phase)
}

func TestServiceConfirmedReview(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	ctx := context.Background()

	req := alevelRequest()
	req.Records = append(req.Records, domain.RecordRequest{Subject: "A-Level Physics", LocalGrade: "Z", IsCompleted: true})
	tr, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	first, err := f.svc.Evaluate(ctx, tr.ID)
	require.NoError(t, err)
	require.True(t, first.RequiresReview)

	items, err := f.svc.Queue().List(ctx, domain.ReviewFilter{Status: domain.ReviewPending, TranscriptID: tr.ID})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.RiskUnmappableGrade, items[0].Reason)

	out, err := f.svc.ResolveReview(ctx, items[0].ID, &domain.Resolution{Action: domain.ResolutionConfirm, Reviewer: "bob"})
	require.NoError(t, err)
	require.NotNil(t, out.Evaluation)
	assert.False(t, out.Evaluation.RequiresReview)

	var kinds []string
	for _, rf := range out.Evaluation.RiskFactors {
		kinds = append(kinds, rf.Kind)
	}
	assert.Contains(t, kinds, domain.RiskUnmappableGrade, "confirmation keeps the risk factor")

	got, err := f.repo.GetTranscript(ctx, tr.ID)
	require.NoError(t, err)
	physics := got.Records[4]
	require.NotNil(t, physics.Override)
	assert.Equal(t, "uk-alevel-physics", physics.Override.ConfirmedRuleID)
	assert.False(t, physics.Classification.RequiresReview)
}

func TestServiceEvaluateBatch(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		tr, err := f.svc.Submit(ctx, alevelRequest())
		require.NoError(t, err)
		ids = append(ids, tr.ID)
	}
	ids = append(ids, "missing")

	results, err := f.svc.EvaluateBatch(ctx, ids, 3)
	require.NoError(t, err)
	require.Len(t, results, 6)
	for _, r := range results[:5] {
		assert.NoError(t, r.Err, r.TranscriptID)
		require.NotNil(t, r.Evaluation)
		assert.Equal(t, domain.StatusEligible, r.Evaluation.DivisionI.Status)
	}
	assert.ErrorIs(t, results[5].Err, domain.ErrNotFound)
}

func TestServiceReloadCatalogKeepsSnapshotWhenEmpty(t *testing.T) {
	f := newFixture(t, scenarioPolicy())
	ctx := context.Background()

	before := f.svc.Catalog().Current().Version()
	snap, err := f.svc.ReloadCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, snap.Version())

	seed, err := catalog.DefaultSeed()
	require.NoError(t, err)
	require.NoError(t, f.repo.SaveCatalog(ctx, seed))

	snap, err = f.svc.ReloadCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, before+1, snap.Version())
}
