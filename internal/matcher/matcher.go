// Package matcher classifies foreign course names into NCAA categories
// using the course-equivalency rules of the pinned catalog.
package matcher

import (
	"math"
	"sort"

	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/textfold"
)

// Method records which stage produced a match.
type Method string

const (
	MethodExact   Method = "exact"
	MethodKeyword Method = "keyword"
	MethodManual  Method = "manual"
	MethodNone    Method = "none"
)

// DefaultReviewThreshold is used when a matcher is built with a zero threshold.
const DefaultReviewThreshold = 0.85

const scoreEpsilon = 1e-9

// Candidate is one rule considered for a course and its score.
type Candidate struct {
	RuleID   string          `json:"ruleId"`
	Category domain.Category `json:"category"`
	Score    float64         `json:"score"`
	Exact    bool            `json:"exact,omitempty"`
}

// Result is the classification of one course.
type Result struct {
	Category           domain.Category `json:"category,omitempty"`
	USEquivalentName   string          `json:"usEquivalentName,omitempty"`
	IsLabScience       bool            `json:"isLabScience"`
	IsAlgebraIOrHigher bool            `json:"isAlgebraIOrHigher"`
	Confidence         float64         `json:"confidence"`
	MatchedRuleID      string          `json:"matchedRuleId,omitempty"`
	Method             Method          `json:"method"`
	DefaultCreditHours float64         `json:"defaultCreditHours"`
	RequiresReview     bool            `json:"requiresReview"`
	Candidates         []Candidate     `json:"candidates"`
}

// Matched reports whether a rule was selected.
func (r Result) Matched() bool {
	return r.MatchedRuleID != ""
}

// Matcher matches against one catalog snapshot.
type Matcher struct {
	snap      *catalog.Snapshot
	threshold float64
}

// New returns a matcher for snap. A non-positive threshold uses DefaultReviewThreshold.
func New(snap *catalog.Snapshot, reviewThreshold float64) *Matcher {
	if reviewThreshold <= 0 {
		reviewThreshold = DefaultReviewThreshold
	}
	return &Matcher{snap: snap, threshold: reviewThreshold}
}

// Match classifies rawCourseName within systemID. declaredArea, when set,
// breaks ties between equally scored rules.
func (m *Matcher) Match(systemID, rawCourseName string, declaredArea domain.Category) Result {
	rules := m.snap.Rules(systemID)
	name := textfold.Fold(rawCourseName)
	tokens := textfold.TokenSet(rawCourseName)

	candidates := make([]Candidate, 0, len(rules))
	var exact []int
	for i, r := range rules {
		c := Candidate{
			RuleID:   r.ID,
			Category: r.Category,
			Score:    keywordScore(tokens, r),
		}
		if name != "" && textfold.Fold(r.LocalCourseName) == name {
			c.Exact = true
			exact = append(exact, i)
		}
		candidates = append(candidates, c)
	}

	best, method := -1, MethodNone
	if len(exact) > 0 {
		best, method = pick(exact, candidates, rules, declaredArea), MethodExact
	} else {
		var scored []int
		for i, c := range candidates {
			if c.Score > 0 {
				scored = append(scored, i)
			}
		}
		if len(scored) > 0 {
			best, method = pick(scored, candidates, rules, declaredArea), MethodKeyword
		}
	}

	res := Result{Method: method}
	switch method {
	case MethodExact:
		res = fromRule(rules[best], rules[best].BaseConfidence, method)
	case MethodKeyword:
		res = fromRule(rules[best], candidates[best].Score, method)
	}
	sortCandidates(candidates)
	res.Candidates = candidates
	res.RequiresReview = res.Confidence < m.threshold || res.Category == ""
	return res
}

// Pin returns the classification for a rule chosen by a reviewer.
func (m *Matcher) Pin(ruleID string) (Result, bool) {
	r, ok := m.snap.Rule(ruleID)
	if !ok {
		return Result{Method: MethodNone, RequiresReview: true}, false
	}
	res := fromRule(r, 1.0, MethodManual)
	res.Candidates = []Candidate{{RuleID: r.ID, Category: r.Category, Score: 1.0, Exact: true}}
	return res, true
}

func fromRule(r domain.CourseRule, confidence float64, method Method) Result {
	return Result{
		Category:           r.Category,
		USEquivalentName:   r.USEquivalentName,
		IsLabScience:       r.IsLabScience,
		IsAlgebraIOrHigher: r.IsAlgebraIOrHigher,
		Confidence:         confidence,
		MatchedRuleID:      r.ID,
		Method:             method,
		DefaultCreditHours: r.DefaultCreditHours,
	}
}

// keywordScore is |tokens ∩ keywords| / |keywords| × BaseConfidence.
func keywordScore(tokens map[string]struct{}, r domain.CourseRule) float64 {
	if len(r.MatchKeywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range r.MatchKeywords {
		if _, ok := tokens[kw]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(r.MatchKeywords)) * r.BaseConfidence
}

// pick chooses among idx the rule with the highest keyword score; ties go
// to the rule in the declared area, then to the smaller rule ID.
func pick(idx []int, cands []Candidate, rules []domain.CourseRule, declared domain.Category) int {
	best := idx[0]
	for _, i := range idx[1:] {
		if better(i, best, cands, rules, declared) {
			best = i
		}
	}
	return best
}

func better(i, j int, cands []Candidate, rules []domain.CourseRule, declared domain.Category) bool {
	si, sj := cands[i].Score, cands[j].Score
	if math.Abs(si-sj) > scoreEpsilon {
		return si > sj
	}
	if declared != "" {
		di, dj := rules[i].Category == declared, rules[j].Category == declared
		if di != dj {
			return di
		}
	}
	return rules[i].ID < rules[j].ID
}

func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Exact != c[j].Exact {
			return c[i].Exact
		}
		if math.Abs(c[i].Score-c[j].Score) > scoreEpsilon {
			return c[i].Score > c[j].Score
		}
		return c[i].RuleID < c[j].RuleID
	})
}
