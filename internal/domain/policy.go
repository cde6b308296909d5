package domain

// Policy holds the named thresholds that drive classification and eligibility.
type Policy struct {
	Name string `json:"name"`

	// ReviewThreshold is the match confidence below which a record is flagged.
	ReviewThreshold float64 `json:"reviewThreshold"`

	DivisionI  DivisionPolicy `json:"divisionI"`
	DivisionII DivisionPolicy `json:"divisionII"`

	// PromotedCategories count toward core units in addition to the four core categories.
	PromotedCategories []Category `json:"promotedCategories,omitempty"`

	// RequireAlgebraIOrHigher excludes math below Algebra I from math and core units.
	RequireAlgebraIOrHigher bool `json:"requireAlgebraIOrHigher"`
}

// DivisionPolicy holds a division's thresholds and CEL hooks.
type DivisionPolicy struct {
	MinGPA      float64 `json:"minGpa"`
	MinUnits    float64 `json:"minUnits"`
	GPAMargin   float64 `json:"gpaMargin"`
	UnitsMargin float64 `json:"unitsMargin"`

	// EligibleExpr and AtRiskExpr are CEL expressions. Empty uses the defaults.
	EligibleExpr string `json:"eligibleExpr,omitempty"`
	AtRiskExpr   string `json:"atRiskExpr,omitempty"`

	CategoryMinimums map[Category]float64 `json:"categoryMinimums,omitempty"`
	MinLabUnits      float64              `json:"minLabUnits,omitempty"`
}

// Default CEL expressions for division status.
const (
	DefaultEligibleExpr = `core_gpa >= min_gpa && core_units >= min_units`
	DefaultAtRiskExpr   = `core_gpa >= min_gpa - gpa_margin && core_units >= min_units - units_margin`
)

// Division returns the policy for d.
func (p *Policy) Division(d Division) DivisionPolicy {
	if d == DivisionII {
		return p.DivisionII
	}
	return p.DivisionI
}

// CountsTowardCore reports whether units in c add to core units under p.
func (p *Policy) CountsTowardCore(c Category) bool {
	if c.IsCore() {
		return true
	}
	for _, pc := range p.PromotedCategories {
		if pc == c {
			return true
		}
	}
	return false
}

// DefaultPolicy returns the standard NCAA policy.
func DefaultPolicy() Policy {
	return Policy{
		Name:            "ncaa-default",
		ReviewThreshold: 0.85,
		DivisionI: DivisionPolicy{
			MinGPA:      2.3,
			MinUnits:    16,
			GPAMargin:   0.1,
			UnitsMargin: 1.0,
			CategoryMinimums: map[Category]float64{
				CategoryEnglish:       4,
				CategoryMath:          3,
				CategoryScience:       2,
				CategorySocialScience: 2,
			},
			MinLabUnits: 1,
		},
		DivisionII: DivisionPolicy{
			MinGPA:      2.2,
			MinUnits:    16,
			GPAMargin:   0.1,
			UnitsMargin: 1.0,
			CategoryMinimums: map[Category]float64{
				CategoryEnglish:       3,
				CategoryMath:          2,
				CategoryScience:       2,
				CategorySocialScience: 2,
			},
		},
		RequireAlgebraIOrHigher: true,
	}
}
