package domain

import "fmt"

// Category is an NCAA core-course category.
type Category string

const (
	CategoryEnglish            Category = "english"
	CategoryMath               Category = "math"
	CategoryScience            Category = "science"
	CategorySocialScience      Category = "social_science"
	CategoryForeignLanguage    Category = "foreign_language"
	CategoryAdditionalAcademic Category = "additional_academic"
)

// AllCategories lists every category in reporting order.
var AllCategories = []Category{
	CategoryEnglish,
	CategoryMath,
	CategoryScience,
	CategorySocialScience,
	CategoryForeignLanguage,
	CategoryAdditionalAcademic,
}

// CoreCategories are the categories that always count toward core units.
var CoreCategories = []Category{
	CategoryEnglish,
	CategoryMath,
	CategoryScience,
	CategorySocialScience,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// IsCore reports whether c is one of the four core categories.
func (c Category) IsCore() bool {
	for _, core := range CoreCategories {
		if c == core {
			return true
		}
	}
	return false
}

// ParseCategory converts a string to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidInput, s)
	}
	return c, nil
}

// Country is immutable reference data keyed by ISO code.
type Country struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Region string `json:"region" yaml:"region"`
}

// EducationSystem describes a national or international secondary curriculum.
// It is only changed by catalog maintenance, never during evaluation.
type EducationSystem struct {
	ID               string `json:"id" yaml:"id"`
	CountryID        string `json:"countryId" yaml:"countryId"`
	Name             string `json:"name" yaml:"name"`
	GradingScaleKind string `json:"gradingScaleKind" yaml:"gradingScaleKind"` // e.g. "A*-E", "1-7", "1.0-6.0"
	CreditSystem     string `json:"creditSystem" yaml:"creditSystem"`
	RulesVersion     string `json:"rulesVersion" yaml:"rulesVersion"`
}

// GradeScaleEntry maps a local grade token to its US 4.0 equivalent.
// Rank orders grades within a system: 0 is the best grade.
type GradeScaleEntry struct {
	SystemID   string  `json:"systemId" yaml:"-"`
	LocalGrade string  `json:"localGrade" yaml:"grade"`
	USGPA      float64 `json:"usGpa" yaml:"gpa"`
	Label      string  `json:"label" yaml:"label"`
	Rank       int     `json:"rank" yaml:"-"`
}

// CourseRule is a course-equivalency rule. Several rules may share a
// LocalCourseName inside a system when their keywords disambiguate them.
type CourseRule struct {
	ID                 string   `json:"id" yaml:"id"`
	SystemID           string   `json:"systemId" yaml:"-"`
	LocalCourseName    string   `json:"localCourseName" yaml:"localCourseName"`
	Category           Category `json:"category" yaml:"category"`
	USEquivalentName   string   `json:"usEquivalentName" yaml:"usEquivalentName"`
	IsLabScience       bool     `json:"isLabScience" yaml:"isLabScience"`
	IsAlgebraIOrHigher bool     `json:"isAlgebraIOrHigher" yaml:"isAlgebraIOrHigher"`
	DefaultCreditHours float64  `json:"defaultCreditHours" yaml:"defaultCreditHours"`
	MatchKeywords      []string `json:"matchKeywords" yaml:"matchKeywords"`
	BaseConfidence     float64  `json:"baseConfidence" yaml:"baseConfidence"`
}

// CatalogData is the raw reference data feed, as loaded from a seed file or the repository.
type CatalogData struct {
	Countries   []Country         `json:"countries"`
	Systems     []EducationSystem `json:"systems"`
	GradeScales []GradeScaleEntry `json:"gradeScales"`
	Rules       []CourseRule      `json:"rules"`
}
