// Package normalize maps local grade tokens to the US 4.0 scale.
package normalize

import (
	"strconv"
	"strings"

	"github.com/go4it/credeval/internal/catalog"
	"github.com/go4it/credeval/internal/domain"
	"github.com/go4it/credeval/internal/textfold"
)

// Method records how a grade was resolved.
type Method string

const (
	MethodExact    Method = "exact"
	MethodTolerant Method = "tolerant"
	MethodNone     Method = "none"
)

// Result is the outcome of normalizing one grade token.
type Result struct {
	SystemID   string  `json:"systemId"`
	LocalGrade string  `json:"localGrade"`
	GPA        float64 `json:"-"`
	Found      bool    `json:"-"`
	Method     Method  `json:"method"`
	Matched    string  `json:"matchedGrade,omitempty"`
}

// ResolvedGPA returns the GPA, or nil when the grade was not found.
func (r Result) ResolvedGPA() *float64 {
	if !r.Found {
		return nil
	}
	gpa := r.GPA
	return &gpa
}

// Normalizer resolves grades against a pinned catalog snapshot.
type Normalizer struct {
	snap *catalog.Snapshot
}

// New returns a normalizer for snap.
func New(snap *catalog.Snapshot) *Normalizer {
	return &Normalizer{snap: snap}
}

// Normalize returns the 4.0-scale value of localGrade in systemID.
func (n *Normalizer) Normalize(systemID, localGrade string) (float64, bool) {
	r := n.Resolve(systemID, localGrade)
	return r.GPA, r.Found
}

// Require is Normalize that reports a miss as *domain.UnmappableGradeError.
func (n *Normalizer) Require(systemID, localGrade string) (float64, error) {
	r := n.Resolve(systemID, localGrade)
	if !r.Found {
		return 0, &domain.UnmappableGradeError{SystemID: systemID, LocalGrade: localGrade}
	}
	return r.GPA, nil
}

// Resolve tries an exact lookup, then a tolerant one.
func (n *Normalizer) Resolve(systemID, localGrade string) Result {
	res := Result{SystemID: systemID, LocalGrade: localGrade, Method: MethodNone}
	grades := n.snap.Grades(systemID)

	for _, g := range grades {
		if g.LocalGrade == localGrade {
			res.GPA, res.Found, res.Method, res.Matched = g.USGPA, true, MethodExact, g.LocalGrade
			return res
		}
	}

	key := foldGrade(localGrade)
	if key == "" {
		return res
	}
	for _, g := range grades {
		if foldGrade(g.LocalGrade) == key {
			res.GPA, res.Found, res.Method, res.Matched = g.USGPA, true, MethodTolerant, g.LocalGrade
			return res
		}
	}

	if num, ok := parseNumber(key); ok {
		for _, g := range grades {
			if gn, ok := parseNumber(foldGrade(g.LocalGrade)); ok && gn == num {
				res.GPA, res.Found, res.Method, res.Matched = g.USGPA, true, MethodTolerant, g.LocalGrade
				return res
			}
		}
	}
	return res
}

var gradeReplacer = strings.NewReplacer(
	",", ".",
	"‐", "-", // hyphen
	"‑", "-", // non-breaking hyphen
	"‒", "-", // figure dash
	"–", "-", // en dash
	"—", "-", // em dash
	"−", "-", // minus sign
	"＊", "*", // fullwidth asterisk
	"＋", "+", // fullwidth plus
)

// foldGrade canonicalizes a grade token: case, accents, inner whitespace,
// decimal comma and dash variants.
func foldGrade(s string) string {
	s = textfold.StripMarks(s)
	s = gradeReplacer.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), "")
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
