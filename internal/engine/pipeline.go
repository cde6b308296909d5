// Package engine runs transcripts through normalization, matching, credit
// aggregation and eligibility evaluation, and commits the result.
package engine

import (
	"fmt"
	"time"

	"github.com/go4it/credeval/internal/audit"
	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/credit"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/eligibility"
	"github.com/go4it/credeval/internal/matcher"
	"github.com/go4it/credeval/internal/normalize"
)

// RunInput is everything a single evaluation run depends on.
type RunInput struct {
	Transcript   *domain.Transcript
	Snapshot     *catalog.Snapshot
	Evaluator    *eligibility.Evaluator
	EvaluationID string
	Version      int
	Now          time.Time
}

// RunResult is the uncommitted output of a run.
type RunResult struct {
	Evaluation *domain.Evaluation
	// Records are copies of the transcript's records with Classification set.
	Records []*domain.CourseRecord
	Audit   []*domain.AuditEntry
	Totals  credit.Totals
}

// Flagged returns the completed records that need a reviewer.
func (r *RunResult) Flagged() []*domain.CourseRecord {
	var out []*domain.CourseRecord
	for _, rec := range r.Records {
		if rec.IsCompleted && rec.Classification != nil && rec.Classification.RequiresReview {
			out = append(out, rec)
		}
	}
	return out
}

type classified struct {
	record *domain.CourseRecord
	match  matcher.Result
}

// Run evaluates one transcript against a pinned catalog snapshot. It does
// not touch storage and does not modify in: identical inputs produce
// identical results.
func Run(in RunInput) (*RunResult, error) {
	t := in.Transcript
	if t == nil || in.Snapshot == nil || in.Evaluator == nil {
		return nil, fmt.Errorf("%w: run needs a transcript, a catalog snapshot and an evaluator", domain.ErrInvalidInput)
	}
	if _, ok := in.Snapshot.System(t.SystemID); !ok {
		return nil, fmt.Errorf("%w: unknown education system %q", domain.ErrInvalidInput, t.SystemID)
	}

	policy := in.Evaluator.Rules().Policy()
	norm := normalize.New(in.Snapshot)
	match := matcher.New(in.Snapshot, policy.ReviewThreshold)
	rec := audit.NewRecorder(t.ID, in.EvaluationID, in.Now)

	items := make([]classified, 0, len(t.Records))
	for _, r := range t.Records {
		cr := *r
		items = append(items, classify(&cr, t.SystemID, norm, match, rec))
	}

	creditItems := make([]credit.Item, 0, len(items))
	for _, it := range items {
		creditItems = append(creditItems, credit.Item{
			RecordID:           it.record.ID,
			HoursPerWeek:       it.record.HoursPerWeek,
			WeeksPerYear:       it.record.WeeksPerYear,
			IsCompleted:        it.record.IsCompleted,
			Category:           it.match.Category,
			IsLabScience:       it.match.IsLabScience,
			IsAlgebraIOrHigher: it.match.IsAlgebraIOrHigher,
			DefaultCreditHours: it.match.DefaultCreditHours,
		})
	}
	totals := credit.Aggregate(creditItems, policy)

	records := make([]*domain.CourseRecord, 0, len(items))
	evalRecords := make([]eligibility.Record, 0, len(items))
	for _, it := range items {
		award, _ := totals.Award(it.record.ID)
		c := it.record.Classification
		c.CreditHoursAwarded = eligibility.RoundUnits(award.Units)
		c.UsedDefaultCredit = award.UsedDefault
		c.CountsTowardCore = award.Counted && award.CountsTowardCore

		rec.Record(it.record.ID, domain.ActionCreditAwarded, award, nil, false)

		records = append(records, it.record)
		evalRecords = append(evalRecords, eligibility.Record{
			RecordID:       it.record.ID,
			Subject:        it.record.EffectiveSubject(),
			IsCompleted:    it.record.IsCompleted,
			Category:       c.Category,
			GPA:            c.NormalizedGrade,
			Confidence:     c.MatchConfidence,
			Matched:        c.MatchedRuleID != "",
			RequiresReview: c.RequiresReview,
			ReviewReasons:  c.ReviewReasons,
		})
	}

	eval, err := in.Evaluator.Evaluate(&eligibility.Input{
		EvaluationID:   in.EvaluationID,
		TranscriptID:   t.ID,
		SystemID:       t.SystemID,
		Version:        in.Version,
		Records:        evalRecords,
		Totals:         totals,
		RulesVersion:   in.Snapshot.RulesVersion(t.SystemID),
		CatalogVersion: in.Snapshot.Version(),
		Now:            in.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate eligibility: %w", err)
	}

	rec.Record("", domain.ActionEligibilityDetermined, map[string]any{
		"coreGpa":     eval.CoreGPA,
		"overallGpa":  eval.OverallGPA,
		"coreUnits":   eval.CoreUnits,
		"labUnits":    eval.LabUnits,
		"divisionI":   eval.DivisionI,
		"divisionII":  eval.DivisionII,
		"riskFactors": len(eval.RiskFactors),
	}, audit.Score(eval.DivisionI.Confidence), eval.RequiresReview)

	rec.Record("", domain.ActionEvaluationCommitted, map[string]any{
		"version":          eval.Version,
		"evaluatorVersion": eval.Metadata.EvaluatorVersion,
		"rulesVersion":     eval.Metadata.RulesVersion,
		"catalogVersion":   eval.Metadata.CatalogVersion,
		"policy":           eval.Metadata.PolicyName,
	}, nil, eval.RequiresReview)

	if err := rec.Err(); err != nil {
		return nil, err
	}

	return &RunResult{
		Evaluation: eval,
		Records:    records,
		Audit:      rec.Entries(),
		Totals:     totals,
	}, nil
}

// classify normalizes the grade and matches the course of r, attaching a
// fresh Classification and buffering the ingest and suggest entries.
func classify(r *domain.CourseRecord, systemID string, norm *normalize.Normalizer, m *matcher.Matcher, rec *audit.Recorder) classified {
	rec.Record(r.ID, domain.ActionCourseIngested, map[string]any{
		"subject":        r.Subject,
		"curriculumArea": r.CurriculumArea,
		"localGrade":     r.LocalGrade,
		"hoursPerWeek":   r.HoursPerWeek,
		"weeksPerYear":   r.WeeksPerYear,
		"isCompleted":    r.IsCompleted,
		"academicYear":   r.AcademicYear,
		"term":           r.Term,
		"override":       r.Override,
	}, nil, false)

	grade := norm.Resolve(systemID, r.EffectiveGrade())
	gradeFlag := r.IsCompleted && !grade.Found
	rec.Record(r.ID, domain.ActionGradeNormalized, map[string]any{
		"systemId":    systemID,
		"localGrade":  grade.LocalGrade,
		"resolvedGpa": grade.ResolvedGPA(),
		"method":      grade.Method,
		"matched":     grade.Matched,
	}, nil, gradeFlag)

	var (
		result matcher.Result
		pinned bool
	)
	if r.Override != nil && r.Override.RuleID != "" {
		result, pinned = m.Pin(r.Override.RuleID)
	}
	if !pinned {
		result = m.Match(systemID, r.EffectiveSubject(), r.CurriculumArea)
	}

	var reasons []string
	if r.IsCompleted {
		switch {
		case !result.Matched():
			reasons = append(reasons, domain.RiskNoCourseMatch)
		case result.RequiresReview:
			reasons = append(reasons, domain.RiskLowConfidenceMatch)
		}
		if gradeFlag {
			reasons = append(reasons, domain.RiskUnmappableGrade)
		}
	}
	// A confirmation clears the review flag, not the risk reasons, and only
	// while the record still matches the rule the reviewer saw.
	confirmed := r.Override.ConfirmationHolds(result.MatchedRuleID)
	requiresReview := len(reasons) > 0 && !confirmed

	rec.Record(r.ID, domain.ActionCourseMatched, map[string]any{
		"subject":       r.EffectiveSubject(),
		"method":        result.Method,
		"matchedRuleId": result.MatchedRuleID,
		"category":      result.Category,
		"confidence":    result.Confidence,
		"candidates":    result.Candidates,
		"reviewReasons": reasons,
		"confirmed":     confirmed,
	}, audit.Score(result.Confidence), requiresReview)

	r.Classification = &domain.Classification{
		NormalizedGrade:    grade.ResolvedGPA(),
		Category:           result.Category,
		USEquivalentName:   result.USEquivalentName,
		IsLabScience:       result.IsLabScience,
		IsAlgebraIOrHigher: result.IsAlgebraIOrHigher,
		MatchConfidence:    result.Confidence,
		MatchedRuleID:      result.MatchedRuleID,
		MatchMethod:        string(result.Method),
		RequiresReview:     requiresReview,
		ReviewReasons:      reasons,
	}
	return classified{record: r, match: result}
}
