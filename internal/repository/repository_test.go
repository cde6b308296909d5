package repository

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
)

func newTestRepo(t *testing.T) *SQLRepository {
	t.Helper()
	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "credeval-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleTranscript() *domain.Transcript {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	req := &domain.TranscriptRequest{
		StudentID: "student-001",
		CountryID: "GB",
		SystemID:  "uk_alevel",
		Source:    "manual",
		Records: []domain.RecordRequest{
			{Subject: "A-Level Mathematics", LocalGrade: "A*", HoursPerWeek: 4, WeeksPerYear: 30, IsCompleted: true},
			{Subject: "A-Level Physics", LocalGrade: "A", HoursPerWeek: 4, WeeksPerYear: 30, IsCompleted: true},
			{Subject: "Underwater Basket Weaving", LocalGrade: "B", IsCompleted: true},
		},
	}
	return req.ToTranscript(now)
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("CatalogRoundTrip", func(t *testing.T) {
		seed, err := catalog.DefaultSeed()
		if err != nil {
			t.Fatalf("DefaultSeed failed: %v", err)
		}
		if err := repo.SaveCatalog(ctx, seed); err != nil {
			t.Fatalf("SaveCatalog failed: %v", err)
		}
		loaded, err := repo.LoadCatalog(ctx)
		if err != nil {
			t.Fatalf("LoadCatalog failed: %v", err)
		}
		if len(loaded.Countries) != len(seed.Countries) {
			t.Errorf("expected %d countries, got %d", len(seed.Countries), len(loaded.Countries))
		}
		if len(loaded.Systems) != len(seed.Systems) {
			t.Errorf("expected %d systems, got %d", len(seed.Systems), len(loaded.Systems))
		}
		if len(loaded.GradeScales) != len(seed.GradeScales) {
			t.Errorf("expected %d grades, got %d", len(seed.GradeScales), len(loaded.GradeScales))
		}
		if len(loaded.Rules) != len(seed.Rules) {
			t.Errorf("expected %d rules, got %d", len(seed.Rules), len(loaded.Rules))
		}
		if err := catalog.Validate(loaded); err != nil {
			t.Errorf("loaded catalog does not validate: %v", err)
		}

		// Saving again replaces rather than duplicates.
		if err := repo.SaveCatalog(ctx, loaded); err != nil {
			t.Fatalf("second SaveCatalog failed: %v", err)
		}
		again, _ := repo.LoadCatalog(ctx)
		if len(again.Rules) != len(seed.Rules) {
			t.Errorf("expected %d rules after resave, got %d", len(seed.Rules), len(again.Rules))
		}
	})

	t.Run("SaveAndGetTranscript", func(t *testing.T) {
		tr := sampleTranscript()
		if err := repo.SaveTranscript(ctx, tr); err != nil {
			t.Fatalf("SaveTranscript failed: %v", err)
		}
		if tr.ID == "" {
			t.Fatal("expected transcript ID to be assigned")
		}

		got, err := repo.GetTranscript(ctx, tr.ID)
		if err != nil {
			t.Fatalf("GetTranscript failed: %v", err)
		}
		if got.Status != domain.TranscriptPending {
			t.Errorf("expected status pending, got %s", got.Status)
		}
		if len(got.Records) != 3 {
			t.Fatalf("expected 3 records, got %d", len(got.Records))
		}
		for i, rec := range got.Records {
			if rec.Position != i {
				t.Errorf("record %d has position %d", i, rec.Position)
			}
			if rec.Subject != tr.Records[i].Subject {
				t.Errorf("record %d: expected subject %q, got %q", i, tr.Records[i].Subject, rec.Subject)
			}
		}
		if !got.Records[0].IsCompleted {
			t.Error("expected record 0 to be completed")
		}
	})

	t.Run("TranscriptNotFound", func(t *testing.T) {
		_, err := repo.GetTranscript(ctx, "missing")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := repo.UpdateTranscriptStatus(ctx, "missing", domain.TranscriptCompleted); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound from UpdateTranscriptStatus, got %v", err)
		}
	})

	t.Run("ListTranscriptsByStatus", func(t *testing.T) {
		tr := sampleTranscript()
		if err := repo.SaveTranscript(ctx, tr); err != nil {
			t.Fatalf("SaveTranscript failed: %v", err)
		}
		if err := repo.UpdateTranscriptStatus(ctx, tr.ID, domain.TranscriptNeedsReview); err != nil {
			t.Fatalf("UpdateTranscriptStatus failed: %v", err)
		}
		list, err := repo.ListTranscripts(ctx, domain.TranscriptNeedsReview, 10)
		if err != nil {
			t.Fatalf("ListTranscripts failed: %v", err)
		}
		if len(list) != 1 || list[0].ID != tr.ID {
			t.Errorf("expected only %s, got %d transcripts", tr.ID, len(list))
		}
	})

	t.Run("RecordOverride", func(t *testing.T) {
		tr := sampleTranscript()
		if err := repo.SaveTranscript(ctx, tr); err != nil {
			t.Fatalf("SaveTranscript failed: %v", err)
		}
		rec := tr.Records[2]
		item := &domain.ReviewItem{TranscriptID: tr.ID, RecordID: rec.ID, Reason: domain.RiskNoCourseMatch}
		if err := repo.SaveReviewItem(ctx, item); err != nil {
			t.Fatalf("SaveReviewItem failed: %v", err)
		}
		err := repo.CommitResolution(ctx, &domain.ResolutionCommit{
			ItemID:     item.ID,
			Resolution: &domain.Resolution{Action: domain.ResolutionCorrect, Reviewer: "alice", RuleID: "uk-alevel-history"},
			ResolvedAt: time.Now(),
			RecordID:   rec.ID,
			Override:   &domain.RecordOverride{ReviewItemID: item.ID, RuleID: "uk-alevel-history", Reviewer: "alice"},
		})
		if err != nil {
			t.Fatalf("CommitResolution failed: %v", err)
		}
		got, _ := repo.GetTranscript(ctx, tr.ID)
		if got.Records[2].Override == nil || got.Records[2].Override.RuleID != "uk-alevel-history" {
			t.Errorf("expected override to persist, got %+v", got.Records[2].Override)
		}
	})
}

func commitFor(tr *domain.Transcript, at time.Time) *domain.EvaluationCommit {
	gpa := 4.0
	records := []*domain.CourseRecord{tr.Records[0]}
	records[0].Classification = &domain.Classification{
		NormalizedGrade: &gpa,
		Category:        domain.CategoryMath,
		MatchConfidence: 1,
		MatchMethod:     "exact",
	}
	return &domain.EvaluationCommit{
		Evaluation: &domain.Evaluation{
			TranscriptID: tr.ID,
			CreatedAt:    at,
			CoreGPA:      4.0,
			CoreUnits:    1,
			DivisionI:    domain.DivisionResult{Status: domain.StatusIneligible},
			DivisionII:   domain.DivisionResult{Status: domain.StatusIneligible},
		},
		Records: records,
		Audit: []*domain.AuditEntry{
			{TranscriptID: tr.ID, RecordID: records[0].ID, Action: domain.ActionCourseIngested, Phase: domain.PhaseIngest, Details: json.RawMessage(`{}`), Timestamp: at},
			{TranscriptID: tr.ID, Action: domain.ActionEvaluationCommitted, Phase: domain.PhaseReport, Details: json.RawMessage(`{"version":1}`), Timestamp: at.Add(time.Millisecond)},
		},
		Status: domain.TranscriptCompleted,
	}
}

func TestCommitEvaluation(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tr := sampleTranscript()
	if err := repo.SaveTranscript(ctx, tr); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}

	at := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	first := commitFor(tr, at)
	if err := repo.CommitEvaluation(ctx, first); err != nil {
		t.Fatalf("CommitEvaluation failed: %v", err)
	}
	if first.Evaluation.Version != 1 {
		t.Errorf("expected version 1, got %d", first.Evaluation.Version)
	}

	second := commitFor(tr, at.Add(time.Hour))
	if err := repo.CommitEvaluation(ctx, second); err != nil {
		t.Fatalf("second CommitEvaluation failed: %v", err)
	}
	if second.Evaluation.Version != 2 {
		t.Errorf("expected version 2, got %d", second.Evaluation.Version)
	}

	latest, err := repo.GetLatestEvaluation(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetLatestEvaluation failed: %v", err)
	}
	if latest.ID != second.Evaluation.ID {
		t.Errorf("expected latest %s, got %s", second.Evaluation.ID, latest.ID)
	}

	// Prior versions stay readable.
	old, err := repo.GetEvaluation(ctx, first.Evaluation.ID)
	if err != nil {
		t.Fatalf("GetEvaluation failed: %v", err)
	}
	if old.Version != 1 {
		t.Errorf("expected version 1, got %d", old.Version)
	}

	all, err := repo.ListEvaluations(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ListEvaluations failed: %v", err)
	}
	if len(all) != 2 || all[0].Version != 1 || all[1].Version != 2 {
		t.Errorf("expected versions [1 2], got %d evaluations", len(all))
	}

	got, _ := repo.GetTranscript(ctx, tr.ID)
	if got.Status != domain.TranscriptCompleted {
		t.Errorf("expected status completed, got %s", got.Status)
	}
	if !got.Records[0].Classification.GradeResolved() {
		t.Error("expected classification to be stored")
	}

	entries, err := repo.Query(ctx, domain.AuditFilter{EvaluationID: first.Evaluation.ID})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries for the first run, got %d", len(entries))
	}
	if entries[0].Action != domain.ActionCourseIngested {
		t.Errorf("expected entries in timestamp order, got %s first", entries[0].Action)
	}

	if _, err := repo.GetEvaluation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitEvaluationRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tr := sampleTranscript()
	if err := repo.SaveTranscript(ctx, tr); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}

	c := commitFor(tr, time.Now().UTC())
	// Duplicate audit IDs violate the primary key after the evaluation row is written.
	c.Audit[0].ID = "dup"
	c.Audit[1].ID = "dup"
	if err := repo.CommitEvaluation(ctx, c); err == nil {
		t.Fatal("expected commit to fail")
	}

	if _, err := repo.GetLatestEvaluation(ctx, tr.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no evaluation after rollback, got %v", err)
	}
	got, _ := repo.GetTranscript(ctx, tr.ID)
	if got.Status != domain.TranscriptPending {
		t.Errorf("expected status to stay pending, got %s", got.Status)
	}
	if got.Records[0].Classification != nil {
		t.Error("expected classification to be rolled back")
	}
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ids, err := repo.Append(ctx, &domain.AuditEntry{
		TranscriptID: "tr-1",
		Action:       domain.ActionReviewResolved,
		Phase:        domain.PhaseReport,
		Details:      json.RawMessage(`{"action":"confirm"}`),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if len(ids) != 1 || ids[0] == "" {
		t.Fatalf("expected one assigned ID, got %v", ids)
	}

	if _, err := repo.db.ExecContext(ctx, `UPDATE audit_log SET action = 'tampered' WHERE id = ?`, ids[0]); err == nil {
		t.Error("expected UPDATE on audit_log to fail")
	}
	if _, err := repo.db.ExecContext(ctx, `DELETE FROM audit_log WHERE id = ?`, ids[0]); err == nil {
		t.Error("expected DELETE on audit_log to fail")
	}

	entries, err := repo.Query(ctx, domain.AuditFilter{TranscriptID: "tr-1"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != domain.ActionReviewResolved {
		t.Errorf("expected the original entry to survive, got %+v", entries)
	}

	byPhase, _ := repo.Query(ctx, domain.AuditFilter{Phase: domain.PhaseIngest})
	if len(byPhase) != 0 {
		t.Errorf("expected no ingest entries, got %d", len(byPhase))
	}
}

func TestAuditQueryTimeRangeWithOffset(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	if _, err := repo.Append(ctx, &domain.AuditEntry{
		TranscriptID: "tr-1",
		Action:       domain.ActionReviewResolved,
		Phase:        domain.PhaseReport,
		Timestamp:    at,
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	cest := time.FixedZone("CEST", 2*60*60)
	tests := []struct {
		name     string
		from, to time.Time
		want     int
	}{
		{"from before in offset zone", time.Date(2026, 5, 4, 11, 30, 0, 0, cest), time.Time{}, 1},
		{"from after in offset zone", time.Date(2026, 5, 4, 12, 30, 0, 0, cest), time.Time{}, 0},
		{"to after in offset zone", time.Time{}, time.Date(2026, 5, 4, 12, 30, 0, 0, cest), 1},
		{"to before in offset zone", time.Time{}, time.Date(2026, 5, 4, 11, 30, 0, 0, cest), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Query(ctx, domain.AuditFilter{TranscriptID: "tr-1", From: tt.from, To: tt.to})
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d entries, got %d", tt.want, len(got))
			}
		})
	}

	t.Run("entry timestamps stored in UTC", func(t *testing.T) {
		local := time.Date(2026, 5, 4, 13, 0, 0, 0, cest)
		if _, err := repo.Append(ctx, &domain.AuditEntry{
			TranscriptID: "tr-2",
			Action:       domain.ActionReviewResolved,
			Phase:        domain.PhaseReport,
			Timestamp:    local,
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		got, _ := repo.Query(ctx, domain.AuditFilter{
			TranscriptID: "tr-2",
			From:         time.Date(2026, 5, 4, 10, 59, 0, 0, time.UTC),
			To:           time.Date(2026, 5, 4, 11, 1, 0, 0, time.UTC),
		})
		if len(got) != 1 {
			t.Fatalf("expected the entry at 11:00Z, got %d entries", len(got))
		}
		if !got[0].Timestamp.Equal(local) {
			t.Errorf("expected %v, got %v", local, got[0].Timestamp)
		}
	})
}

func TestReviewItems(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	created := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	item := &domain.ReviewItem{
		TranscriptID: "tr-1",
		RecordID:     "rec-1",
		Reason:       domain.RiskNoCourseMatch,
		Payload:      json.RawMessage(`{"subject":"Underwater Basket Weaving"}`),
		CreatedAt:    created,
	}
	if err := repo.SaveReviewItem(ctx, item); err != nil {
		t.Fatalf("SaveReviewItem failed: %v", err)
	}

	pending, err := repo.ListReviewItems(ctx, domain.ReviewFilter{Status: domain.ReviewPending})
	if err != nil {
		t.Fatalf("ListReviewItems failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending item, got %d", len(pending))
	}

	stale, _ := repo.ListReviewItems(ctx, domain.ReviewFilter{OlderThan: created.Add(time.Hour)})
	if len(stale) != 1 {
		t.Errorf("expected 1 stale item, got %d", len(stale))
	}

	res := &domain.Resolution{Action: domain.ResolutionConfirm, Reviewer: "alice"}
	commit := &domain.ResolutionCommit{ItemID: item.ID, Resolution: res, ResolvedAt: created.Add(2 * time.Hour)}
	if err := repo.CommitResolution(ctx, commit); err != nil {
		t.Fatalf("CommitResolution failed: %v", err)
	}

	got, err := repo.GetReviewItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetReviewItem failed: %v", err)
	}
	if got.Status != domain.ReviewResolved {
		t.Errorf("expected resolved, got %s", got.Status)
	}
	if got.Resolution == nil || got.Resolution.Reviewer != "alice" {
		t.Errorf("expected resolution by alice, got %+v", got.Resolution)
	}
	if got.ResolvedAt == nil {
		t.Error("expected resolvedAt to be set")
	}

	if err := repo.CommitResolution(ctx, commit); !errors.Is(err, domain.ErrAlreadyResolved) {
		t.Errorf("expected ErrAlreadyResolved, got %v", err)
	}
	commit.ItemID = "missing"
	if err := repo.CommitResolution(ctx, commit); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCommitResolutionRollsBack(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tr := sampleTranscript()
	if err := repo.SaveTranscript(ctx, tr); err != nil {
		t.Fatalf("SaveTranscript failed: %v", err)
	}
	item := &domain.ReviewItem{TranscriptID: tr.ID, RecordID: tr.Records[2].ID, Reason: domain.RiskNoCourseMatch}
	if err := repo.SaveReviewItem(ctx, item); err != nil {
		t.Fatalf("SaveReviewItem failed: %v", err)
	}

	res := &domain.Resolution{Action: domain.ResolutionCorrect, Reviewer: "alice", RuleID: "uk-alevel-history"}
	commit := &domain.ResolutionCommit{
		ItemID:     item.ID,
		Resolution: res,
		ResolvedAt: time.Now(),
		// The override targets a record that does not exist, after the item row is updated.
		RecordID: "missing-record",
		Override: &domain.RecordOverride{ReviewItemID: item.ID, RuleID: "uk-alevel-history", Reviewer: "alice"},
		Audit: []*domain.AuditEntry{{
			TranscriptID: tr.ID,
			RecordID:     tr.Records[2].ID,
			Action:       domain.ActionReviewResolved,
			Phase:        domain.PhaseReport,
		}},
	}
	if err := repo.CommitResolution(ctx, commit); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, _ := repo.GetReviewItem(ctx, item.ID)
	if got.Status != domain.ReviewPending || got.Resolution != nil {
		t.Errorf("expected item to stay pending, got %s %+v", got.Status, got.Resolution)
	}
	entries, _ := repo.Query(ctx, domain.AuditFilter{TranscriptID: tr.ID})
	if len(entries) != 0 {
		t.Errorf("expected no audit entries after rollback, got %d", len(entries))
	}

	// The same resolution succeeds once it targets the right record.
	commit.RecordID = tr.Records[2].ID
	if err := repo.CommitResolution(ctx, commit); err != nil {
		t.Fatalf("CommitResolution retry failed: %v", err)
	}
	got, _ = repo.GetReviewItem(ctx, item.ID)
	if got.Status != domain.ReviewResolved {
		t.Errorf("expected resolved after retry, got %s", got.Status)
	}
	entries, _ = repo.Query(ctx, domain.AuditFilter{TranscriptID: tr.ID})
	if len(entries) != 1 {
		t.Errorf("expected one audit entry after retry, got %d", len(entries))
	}
}

func TestRebind(t *testing.T) {
	r := &SQLRepository{driver: "postgres"}
	got := r.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("unexpected rebind result: %s", got)
	}
	sqlite := &SQLRepository{driver: "sqlite"}
	if q := sqlite.rebind("a = ?"); q != "a = ?" {
		t.Errorf("expected sqlite query unchanged, got %s", q)
	}
}
