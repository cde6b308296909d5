package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/eligibility"
)

var runAt = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func seededSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	store, err := catalog.NewSeededStore()
	require.NoError(t, err)
	return store.Current()
}

func evaluatorFor(t *testing.T, policy domain.Policy) *eligibility.Evaluator {
	t.Helper()
	rules, err := eligibility.NewRules(policy)
	require.NoError(t, err)
	return eligibility.NewEvaluator(rules)
}

// scenarioPolicy lowers the Division I unit floor so that a four-course
// transcript can be eligible.
func scenarioPolicy() domain.Policy {
	p := domain.DefaultPolicy()
	p.Name = "scenario"
	p.DivisionI.MinUnits = 4
	return p
}

func alevelTranscript() *domain.Transcript {
	rec := func(id, subject, grade string) *domain.CourseRecord {
		return &domain.CourseRecord{ID: id, TranscriptID: "tr-alevel", Subject: subject, LocalGrade: grade, IsCompleted: true}
	}
	return &domain.Transcript{
		ID:        "tr-alevel",
		StudentID: "student-7",
		CountryID: "GB",
		SystemID:  "uk_alevel",
		Status:    domain.TranscriptPending,
		Records: []*domain.CourseRecord{
			rec("r1", "A-Level Mathematics", "A"),
			rec("r2", "A-Level Chemistry", "B"),
			rec("r3", "A-Level English Literature", "A*"),
			rec("r4", "A-Level History", "C"),
		},
	}
}

func runScenario(t *testing.T, tr *domain.Transcript, policy domain.Policy) *RunResult {
	t.Helper()
	res, err := Run(RunInput{
		Transcript:   tr,
		Snapshot:     seededSnapshot(t),
		Evaluator:    evaluatorFor(t, policy),
		EvaluationID: "ev-1",
		Version:      1,
		Now:          runAt,
	})
	require.NoError(t, err)
	return res
}

func TestRunALevelScenario(t *testing.T) {
	res := runScenario(t, alevelTranscript(), scenarioPolicy())
	eval := res.Evaluation

	wantCategories := []domain.Category{domain.CategoryMath, domain.CategoryScience, domain.CategoryEnglish, domain.CategorySocialScience}
	wantGrades := []float64{3.7, 3.3, 4.0, 3.0}
	require.Len(t, res.Records, 4)
	for i, rec := range res.Records {
		c := rec.Classification
		require.NotNil(t, c, rec.Subject)
		assert.Equal(t, wantCategories[i], c.Category, rec.Subject)
		require.NotNil(t, c.NormalizedGrade, rec.Subject)
		assert.Equal(t, wantGrades[i], *c.NormalizedGrade, rec.Subject)
		assert.Equal(t, "exact", c.MatchMethod, rec.Subject)
		assert.Equal(t, 1.0, c.CreditHoursAwarded, rec.Subject)
		assert.True(t, c.UsedDefaultCredit, rec.Subject)
		assert.True(t, c.CountsTowardCore, rec.Subject)
		assert.False(t, c.RequiresReview, rec.Subject)
	}
	assert.True(t, res.Records[1].Classification.IsLabScience)

	assert.Equal(t, 4.0, eval.CoreUnits)
	assert.Equal(t, 1.0, eval.LabUnits)
	assert.Equal(t, 3.5, eval.CoreGPA)
	assert.Equal(t, 1.0, eval.DivisionI.Confidence)
	assert.Equal(t, domain.StatusEligible, eval.DivisionI.Status)
	assert.False(t, eval.RequiresReview)
	assert.Empty(t, res.Flagged())
	assert.Equal(t, "uk-2024.1", eval.Metadata.RulesVersion)
	assert.Equal(t, "scenario", eval.Metadata.PolicyName)
}

func TestRunDoesNotMutateInput(t *testing.T) {
	tr := alevelTranscript()
	runScenario(t, tr, scenarioPolicy())
	for _, rec := range tr.Records {
		assert.Nil(t, rec.Classification, rec.Subject)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	a := runScenario(t, alevelTranscript(), scenarioPolicy())
	b := runScenario(t, alevelTranscript(), scenarioPolicy())

	ja, err := json.Marshal(a.Evaluation)
	require.NoError(t, err)
	jb, err := json.Marshal(b.Evaluation)
	require.NoError(t, err)
	assert.JSONEq(t, string(ja), string(jb))

	require.Len(t, b.Audit, len(a.Audit))
	for i := range a.Audit {
		assert.Equal(t, a.Audit[i].Action, b.Audit[i].Action)
		assert.JSONEq(t, string(a.Audit[i].Details), string(b.Audit[i].Details))
	}
}

func TestRunAuditCoversEveryPhasePerRecord(t *testing.T) {
	res := runScenario(t, alevelTranscript(), scenarioPolicy())

	phases := make(map[string]map[domain.AuditPhase]bool)
	var report int
	for _, e := range res.Audit {
		assert.Equal(t, "ev-1", e.EvaluationID)
		if e.RecordID == "" {
			if e.Phase == domain.PhaseReport {
				report++
			}
			continue
		}
		if phases[e.RecordID] == nil {
			phases[e.RecordID] = make(map[domain.AuditPhase]bool)
		}
		phases[e.RecordID][e.Phase] = true
	}
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		for _, p := range []domain.AuditPhase{domain.PhaseIngest, domain.PhaseSuggest, domain.PhaseEvaluate} {
			assert.True(t, phases[id][p], "record %s missing phase %s", id, p)
		}
	}
	assert.Equal(t, 1, report)

	for i := 1; i < len(res.Audit); i++ {
		assert.True(t, res.Audit[i].Timestamp.After(res.Audit[i-1].Timestamp))
	}
}

func TestRunMatchAuditListsCandidates(t *testing.T) {
	res := runScenario(t, alevelTranscript(), scenarioPolicy())
	snap := seededSnapshot(t)

	for _, e := range res.Audit {
		if e.Action != domain.ActionCourseMatched {
			continue
		}
		var details struct {
			Candidates []struct {
				RuleID string  `json:"ruleId"`
				Score  float64 `json:"score"`
			} `json:"candidates"`
		}
		require.NoError(t, json.Unmarshal(e.Details, &details))
		assert.Len(t, details.Candidates, len(snap.Rules("uk_alevel")))
		require.NotNil(t, e.ConfidenceScore)
	}
}

func TestRunFlagsSoftErrors(t *testing.T) {
	tr := alevelTranscript()
	tr.Records = append(tr.Records,
		&domain.CourseRecord{ID: "r5", Subject: "Underwater Basket Weaving", LocalGrade: "B", IsCompleted: true},
		&domain.CourseRecord{ID: "r6", Subject: "A-Level Physics", LocalGrade: "Z", IsCompleted: true},
		&domain.CourseRecord{ID: "r7", Subject: "Mystery Course", LocalGrade: "Q", IsCompleted: false},
	)
	res := runScenario(t, tr, scenarioPolicy())

	flagged := res.Flagged()
	require.Len(t, flagged, 2)
	assert.Equal(t, "r5", flagged[0].ID)
	assert.Equal(t, []string{domain.RiskNoCourseMatch}, flagged[0].Classification.ReviewReasons)
	assert.Equal(t, "r6", flagged[1].ID)
	assert.Equal(t, []string{domain.RiskUnmappableGrade}, flagged[1].Classification.ReviewReasons)
	assert.Nil(t, flagged[1].Classification.NormalizedGrade)

	// Incomplete records are never flagged.
	assert.False(t, res.Records[6].Classification.RequiresReview)

	eval := res.Evaluation
	assert.True(t, eval.RequiresReview)
	assert.Equal(t, 3.5, eval.CoreGPA, "unmapped grade is excluded from the GPA")
	assert.Less(t, eval.DivisionI.Confidence, 1.0)

	kinds := make(map[string]bool)
	for _, rf := range eval.RiskFactors {
		kinds[rf.Kind] = true
	}
	assert.True(t, kinds[domain.RiskNoCourseMatch])
	assert.True(t, kinds[domain.RiskUnmappableGrade])
}

func TestRunCreditFromContactHours(t *testing.T) {
	tr := &domain.Transcript{
		ID:       "tr-hours",
		SystemID: "de_abitur",
		Records: []*domain.CourseRecord{
			{ID: "r1", Subject: "Mathematik", LocalGrade: "1,3", HoursPerWeek: 5, WeeksPerYear: 36, IsCompleted: true},
		},
	}
	res := runScenario(t, tr, domain.DefaultPolicy())
	c := res.Records[0].Classification

	assert.Equal(t, 1.5, c.CreditHoursAwarded)
	assert.False(t, c.UsedDefaultCredit)
	require.NotNil(t, c.NormalizedGrade)
	assert.Equal(t, 3.7, *c.NormalizedGrade)
	assert.Equal(t, 1.5, res.Evaluation.CategoryUnits[domain.CategoryMath])
}

func TestRunBelowAlgebraI(t *testing.T) {
	tr := &domain.Transcript{
		ID:       "tr-gcse",
		SystemID: "uk_alevel",
		Records: []*domain.CourseRecord{
			{ID: "r1", Subject: "GCSE Mathematics Foundation", LocalGrade: "B", IsCompleted: true},
		},
	}
	res := runScenario(t, tr, domain.DefaultPolicy())
	c := res.Records[0].Classification

	assert.Equal(t, domain.CategoryMath, c.Category)
	assert.Equal(t, 0.5, c.CreditHoursAwarded)
	assert.False(t, c.CountsTowardCore)
	assert.Equal(t, 0.0, res.Evaluation.CoreUnits)
	assert.Contains(t, res.Evaluation.RecommendedActions, "Complete a mathematics course at Algebra I level or higher")
}

func TestRunAppliesOverrides(t *testing.T) {
	t.Run("pinned rule", func(t *testing.T) {
		tr := alevelTranscript()
		tr.Records[0].Subject = "Maths (Pure)"
		tr.Records[0].Override = &domain.RecordOverride{ReviewItemID: "rev-1", RuleID: "uk-alevel-further-maths", Reviewer: "alice"}

		res := runScenario(t, tr, scenarioPolicy())
		c := res.Records[0].Classification
		assert.Equal(t, "manual", c.MatchMethod)
		assert.Equal(t, "uk-alevel-further-maths", c.MatchedRuleID)
		assert.Equal(t, 1.0, c.MatchConfidence)
		assert.False(t, c.RequiresReview)
	})

	t.Run("corrected grade and subject", func(t *testing.T) {
		tr := alevelTranscript()
		tr.Records[0].Subject = "Maths??"
		tr.Records[0].LocalGrade = "A plus"
		tr.Records[0].Override = &domain.RecordOverride{Subject: "A-Level Mathematics", LocalGrade: "A*"}

		res := runScenario(t, tr, scenarioPolicy())
		c := res.Records[0].Classification
		assert.Equal(t, "uk-alevel-maths", c.MatchedRuleID)
		require.NotNil(t, c.NormalizedGrade)
		assert.Equal(t, 4.0, *c.NormalizedGrade)
	})

	t.Run("confirmed", func(t *testing.T) {
		tr := alevelTranscript()
		tr.Records = append(tr.Records, &domain.CourseRecord{
			ID: "r5", Subject: "Underwater Basket Weaving", LocalGrade: "B", IsCompleted: true,
			Override: &domain.RecordOverride{Confirmed: true, Reviewer: "bob"},
		})
		res := runScenario(t, tr, scenarioPolicy())
		c := res.Records[4].Classification
		assert.False(t, c.RequiresReview)
		assert.Equal(t, []string{domain.RiskNoCourseMatch}, c.ReviewReasons)
		assert.Equal(t, "none", c.MatchMethod)
		assert.False(t, res.Evaluation.RequiresReview)
		assert.Contains(t, riskKinds(res.Evaluation, "r5"), domain.RiskNoCourseMatch)
	})

	t.Run("confirmed record keeps unmappable grade risk", func(t *testing.T) {
		tr := alevelTranscript()
		tr.Records = append(tr.Records, &domain.CourseRecord{
			ID: "r5", Subject: "A-Level Physics", LocalGrade: "Z", IsCompleted: true,
			Override: &domain.RecordOverride{Confirmed: true, ConfirmedRuleID: "uk-alevel-physics", Reviewer: "bob"},
		})
		res := runScenario(t, tr, scenarioPolicy())
		c := res.Records[4].Classification
		assert.Nil(t, c.NormalizedGrade)
		assert.False(t, c.RequiresReview)
		assert.Equal(t, []string{domain.RiskUnmappableGrade}, c.ReviewReasons)
		assert.False(t, res.Evaluation.RequiresReview)
		assert.Contains(t, riskKinds(res.Evaluation, "r5"), domain.RiskUnmappableGrade)
		assert.Equal(t, 3.5, res.Evaluation.CoreGPA, "ungraded record stays out of the GPA")
	})

	t.Run("confirmation of a different match does not hold", func(t *testing.T) {
		tr := alevelTranscript()
		tr.Records = append(tr.Records, &domain.CourseRecord{
			ID: "r5", Subject: "A-Level Physics", LocalGrade: "Z", IsCompleted: true,
			Override: &domain.RecordOverride{Confirmed: true, ConfirmedRuleID: "uk-alevel-history", Reviewer: "bob"},
		})
		res := runScenario(t, tr, scenarioPolicy())
		c := res.Records[4].Classification
		assert.True(t, c.RequiresReview)
		assert.True(t, res.Evaluation.RequiresReview)
		require.Len(t, res.Flagged(), 1)
		assert.Equal(t, "r5", res.Flagged()[0].ID)
	})
}

func riskKinds(eval *domain.Evaluation, recordID string) []string {
	var kinds []string
	for _, rf := range eval.RiskFactors {
		if rf.RecordID == recordID {
			kinds = append(kinds, rf.Kind)
		}
	}
	return kinds
}

func TestRunRejectsUnknownSystem(t *testing.T) {
	tr := alevelTranscript()
	tr.SystemID = "atlantis"
	_, err := Run(RunInput{
		Transcript: tr,
		Snapshot:   seededSnapshot(t),
		Evaluator:  evaluatorFor(t, domain.DefaultPolicy()),
		Now:        runAt,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
