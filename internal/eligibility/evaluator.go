package eligibility

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go4it/credeval/internal/credit"
	"github.com/go4it/credeval/internal/domain"
)

// EvaluatorVersion identifies the evaluation algorithm in every Evaluation.
const EvaluatorVersion = "credeval-eval-1.2"

// Record is one classified course as seen by the evaluator.
type Record struct {
	RecordID       string
	Subject        string
	IsCompleted    bool
	Category       domain.Category
	GPA            *float64
	Confidence     float64
	Matched        bool
	RequiresReview bool
	ReviewReasons  []string
}

// Input is everything an evaluation depends on.
type Input struct {
	EvaluationID   string
	TranscriptID   string
	SystemID       string
	Version        int
	Records        []Record
	Totals         credit.Totals
	RulesVersion   string
	CatalogVersion int64
	Now            time.Time
}

// Evaluator determines division eligibility from aggregated results.
// Evaluate is pure: the same Input always yields the same Evaluation.
type Evaluator struct {
	rules *Rules
}

// NewEvaluator returns an evaluator using rules.
func NewEvaluator(rules *Rules) *Evaluator {
	return &Evaluator{rules: rules}
}

// Rules returns the evaluator's division rules.
func (e *Evaluator) Rules() *Rules {
	return e.rules
}

// Evaluate produces the Evaluation for in.
func (e *Evaluator) Evaluate(in *Input) (*domain.Evaluation, error) {
	policy := e.rules.Policy()
	awards := make(map[string]credit.Award, len(in.Totals.Awards))
	for _, a := range in.Totals.Awards {
		awards[a.RecordID] = a
	}

	coreGPA, overallGPA := gpas(in.Records, awards)
	reviewCount := 0
	for _, r := range in.Records {
		if r.IsCompleted && r.RequiresReview {
			reviewCount++
		}
	}

	units := make(map[domain.Category]float64, len(in.Totals.PerCategory))
	for c, u := range in.Totals.PerCategory {
		units[c] = RoundUnits(u)
	}

	facts := Facts{
		CoreGPA:     coreGPA,
		OverallGPA:  overallGPA,
		CoreUnits:   RoundUnits(in.Totals.CoreUnits),
		LabUnits:    RoundUnits(in.Totals.LabUnits),
		Units:       units,
		ReviewCount: reviewCount,
	}
	confidence := Confidence(in.Records, awards)

	eval := &domain.Evaluation{
		ID:             in.EvaluationID,
		TranscriptID:   in.TranscriptID,
		Version:        in.Version,
		CreatedAt:      in.Now,
		CoreGPA:        facts.CoreGPA,
		OverallGPA:     facts.OverallGPA,
		CoreUnits:      facts.CoreUnits,
		LabUnits:       facts.LabUnits,
		CategoryUnits:  units,
		RequiresReview: reviewCount > 0,
		Metadata: domain.EvaluationMetadata{
			EvaluatorVersion: EvaluatorVersion,
			RulesVersion:     in.RulesVersion,
			CatalogVersion:   in.CatalogVersion,
			PolicyName:       policy.Name,
			RecordsEvaluated: len(in.Records),
		},
	}

	for _, d := range []domain.Division{domain.DivisionI, domain.DivisionII} {
		status, err := e.rules.Status(d, facts)
		if err != nil {
			return nil, err
		}
		dp := policy.Division(d)
		result := domain.DivisionResult{
			Status:              status,
			Confidence:          confidence,
			MinGPA:              dp.MinGPA,
			MinUnits:            dp.MinUnits,
			MissingRequirements: missingRequirements(dp, facts),
		}
		if d == domain.DivisionI {
			eval.DivisionI = result
		} else {
			eval.DivisionII = result
		}
		for _, m := range result.MissingRequirements {
			eval.MissingRequirements = append(eval.MissingRequirements, string(d)+" "+m.String())
		}
	}

	eval.RiskFactors = riskFactors(in.Records, awards)
	eval.RecommendedActions = recommendedActions(eval, policy, reviewCount)
	return eval, nil
}

// gpas returns the unit-weighted core and overall GPA. Records without a
// resolved grade or without units do not contribute.
func gpas(records []Record, awards map[string]credit.Award) (core, overall float64) {
	var coreSum, coreUnits, allSum, allUnits float64
	for _, r := range records {
		a := awards[r.RecordID]
		if !r.IsCompleted || r.GPA == nil || a.Units <= 0 {
			continue
		}
		allSum += *r.GPA * a.Units
		allUnits += a.Units
		if a.Counted && a.CountsTowardCore {
			coreSum += *r.GPA * a.Units
			coreUnits += a.Units
		}
	}
	if coreUnits > 0 {
		core = RoundGPA(coreSum / coreUnits)
	}
	if allUnits > 0 {
		overall = RoundGPA(allSum / allUnits)
	}
	return core, overall
}

// Confidence is the mean match confidence of the records contributing to
// core units, with flagged records contributing zero, scaled by the share
// of completed records that are not flagged. Adding a flagged record can
// only lower it.
func Confidence(records []Record, awards map[string]credit.Award) float64 {
	var (
		sum          float64
		contributing int
		completed    int
		flagged      int
	)
	for _, r := range records {
		if !r.IsCompleted {
			continue
		}
		completed++
		if r.RequiresReview {
			flagged++
		}
		a := awards[r.RecordID]
		if a.Counted && a.CountsTowardCore {
			contributing++
			if !r.RequiresReview {
				sum += r.Confidence
			}
		}
	}
	if contributing == 0 || completed == 0 {
		return 0
	}
	c := sum / float64(contributing) * (1 - float64(flagged)/float64(completed))
	return round(c, 4)
}

func missingRequirements(p domain.DivisionPolicy, f Facts) []domain.MissingRequirement {
	var out []domain.MissingRequirement
	for _, c := range domain.AllCategories {
		required, ok := p.CategoryMinimums[c]
		if !ok || required <= 0 {
			continue
		}
		if earned := f.Units[c]; earned < required {
			out = append(out, domain.MissingRequirement{Requirement: string(c), Earned: earned, Required: required})
		}
	}
	if p.MinLabUnits > 0 && f.LabUnits < p.MinLabUnits {
		out = append(out, domain.MissingRequirement{Requirement: domain.RequirementLabScience, Earned: f.LabUnits, Required: p.MinLabUnits})
	}
	if f.CoreUnits < p.MinUnits {
		out = append(out, domain.MissingRequirement{Requirement: domain.RequirementCoreUnits, Earned: f.CoreUnits, Required: p.MinUnits})
	}
	return out
}

func riskFactors(records []Record, awards map[string]credit.Award) []domain.RiskFactor {
	out := []domain.RiskFactor{}
	for _, r := range records {
		if !r.IsCompleted {
			continue
		}
		for _, reason := range r.ReviewReasons {
			out = append(out, domain.RiskFactor{
				Kind:     reason,
				RecordID: r.RecordID,
				Subject:  r.Subject,
				Detail:   riskDetail(reason, r),
			})
		}
		a := awards[r.RecordID]
		if a.UsedDefault {
			out = append(out, domain.RiskFactor{
				Kind:     domain.RiskDefaultCreditUsed,
				RecordID: r.RecordID,
				Subject:  r.Subject,
				Detail:   fmt.Sprintf("%q credited with the default %.2f units", r.Subject, a.Units),
			})
		}
		if a.Excluded == credit.ExcludedBelowAlgebraI {
			out = append(out, domain.RiskFactor{
				Kind:     domain.RiskBelowAlgebraI,
				RecordID: r.RecordID,
				Subject:  r.Subject,
				Detail:   fmt.Sprintf("%q is below Algebra I and does not count toward math", r.Subject),
			})
		}
	}
	return out
}

func riskDetail(kind string, r Record) string {
	switch kind {
	case domain.RiskLowConfidenceMatch:
		return fmt.Sprintf("%q matched %s with confidence %.2f", r.Subject, r.Category, r.Confidence)
	case domain.RiskNoCourseMatch:
		return fmt.Sprintf("%q matched no course rule", r.Subject)
	case domain.RiskUnmappableGrade:
		return fmt.Sprintf("grade of %q could not be normalized", r.Subject)
	default:
		return fmt.Sprintf("%q: %s", r.Subject, kind)
	}
}

func recommendedActions(eval *domain.Evaluation, policy domain.Policy, reviewCount int) []string {
	var actions []string
	seen := make(map[string]bool)
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			actions = append(actions, a)
		}
	}

	if reviewCount > 0 {
		add(fmt.Sprintf("Resolve %d flagged course record(s) with a compliance reviewer", reviewCount))
	}

	kinds := make(map[string]bool)
	for _, rf := range eval.RiskFactors {
		kinds[rf.Kind] = true
	}
	if kinds[domain.RiskUnmappableGrade] {
		add("Obtain the official grading scale for grades that could not be normalized")
	}
	if kinds[domain.RiskDefaultCreditUsed] {
		add("Request contact-hour documentation for courses credited by default")
	}
	if kinds[domain.RiskBelowAlgebraI] {
		add("Complete a mathematics course at Algebra I level or higher")
	}

	d1 := policy.DivisionI
	if eval.CoreGPA < d1.MinGPA {
		add(fmt.Sprintf("Raise core GPA to at least %.3f for Division I", d1.MinGPA))
	}
	missing := append([]domain.MissingRequirement(nil), eval.DivisionI.MissingRequirements...)
	sort.SliceStable(missing, func(i, j int) bool { return missing[i].Shortfall() > missing[j].Shortfall() })
	for _, m := range missing {
		add(fmt.Sprintf("Complete %.1f more unit(s) of %s for Division I", m.Shortfall(), m.Requirement))
	}
	if eval.DivisionI.Status == domain.StatusIneligible && eval.DivisionII.Status != domain.StatusIneligible {
		add("Consider the Division II pathway")
	}

	if len(actions) == 0 {
		add("No action required")
	}
	return actions
}

// RoundGPA rounds to 3 decimals.
func RoundGPA(v float64) float64 { return round(v, 3) }

// RoundUnits rounds to 4 decimals.
func RoundUnits(v float64) float64 { return round(v, 4) }

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
