// Package eligibility turns aggregated GPA and credit into per-division
// eligibility determinations. Division thresholds are CEL expressions so
// a policy can be tightened without a code change.
package eligibility

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/go4it/credeval/internal/domain"
)

// Rules holds the compiled division hooks of the active policy.
type Rules struct {
	mu        sync.RWMutex
	env       *cel.Env
	policy    domain.Policy
	divisions map[domain.Division]*compiledDivision
}

type compiledDivision struct {
	policy   domain.DivisionPolicy
	eligible cel.Program
	atRisk   cel.Program
}

// Facts are the aggregate values a division hook can read.
type Facts struct {
	CoreGPA     float64
	OverallGPA  float64
	CoreUnits   float64
	LabUnits    float64
	Units       map[domain.Category]float64
	ReviewCount int
}

// NewRules compiles the hooks of policy.
func NewRules(policy domain.Policy) (*Rules, error) {
	env, err := cel.NewEnv(
		cel.Variable("core_gpa", cel.DoubleType),
		cel.Variable("overall_gpa", cel.DoubleType),
		cel.Variable("core_units", cel.DoubleType),
		cel.Variable("lab_units", cel.DoubleType),
		cel.Variable("min_gpa", cel.DoubleType),
		cel.Variable("min_units", cel.DoubleType),
		cel.Variable("gpa_margin", cel.DoubleType),
		cel.Variable("units_margin", cel.DoubleType),
		cel.Variable("units", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("review_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	r := &Rules{env: env}
	if err := r.Reload(policy); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload compiles policy and swaps it in. On error the previous policy stays active.
func (r *Rules) Reload(policy domain.Policy) error {
	divisions := make(map[domain.Division]*compiledDivision, 2)
	for _, d := range []domain.Division{domain.DivisionI, domain.DivisionII} {
		compiled, err := r.compileDivision(d, policy.Division(d))
		if err != nil {
			return err
		}
		divisions[d] = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
	r.divisions = divisions
	return nil
}

// Policy returns the active policy.
func (r *Rules) Policy() domain.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// ValidateExpression compiles expr without loading it.
func (r *Rules) ValidateExpression(expr string) error {
	_, err := r.compile("validate", expr)
	return err
}

// Status decides a division's status from facts: eligible, else at_risk, else ineligible.
func (r *Rules) Status(d domain.Division, f Facts) (domain.DivisionStatus, error) {
	r.mu.RLock()
	compiled, ok := r.divisions[d]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: unknown division %q", domain.ErrInvalidInput, d)
	}

	vars := activation(compiled.policy, f)

	eligible, err := evalBool(compiled.eligible, vars)
	if err != nil {
		return "", fmt.Errorf("%s eligible hook: %w", d, err)
	}
	if eligible {
		return domain.StatusEligible, nil
	}

	atRisk, err := evalBool(compiled.atRisk, vars)
	if err != nil {
		return "", fmt.Errorf("%s at_risk hook: %w", d, err)
	}
	if atRisk {
		return domain.StatusAtRisk, nil
	}
	return domain.StatusIneligible, nil
}

func activation(p domain.DivisionPolicy, f Facts) map[string]any {
	units := make(map[string]float64, len(f.Units))
	for c, u := range f.Units {
		units[string(c)] = u
	}
	return map[string]any{
		"core_gpa":     f.CoreGPA,
		"overall_gpa":  f.OverallGPA,
		"core_units":   f.CoreUnits,
		"lab_units":    f.LabUnits,
		"min_gpa":      p.MinGPA,
		"min_units":    p.MinUnits,
		"gpa_margin":   p.GPAMargin,
		"units_margin": p.UnitsMargin,
		"units":        units,
		"review_count": int64(f.ReviewCount),
	}
}

func evalBool(prg cel.Program, activation map[string]any) (bool, error) {
	out, _, err := prg.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %s", out.Type())
	}
	return bool(b), nil
}

func (r *Rules) compileDivision(d domain.Division, p domain.DivisionPolicy) (*compiledDivision, error) {
	eligibleExpr := p.EligibleExpr
	if eligibleExpr == "" {
		eligibleExpr = domain.DefaultEligibleExpr
	}
	atRiskExpr := p.AtRiskExpr
	if atRiskExpr == "" {
		atRiskExpr = domain.DefaultAtRiskExpr
	}

	eligible, err := r.compile(string(d)+".eligible", eligibleExpr)
	if err != nil {
		return nil, err
	}
	atRisk, err := r.compile(string(d)+".at_risk", atRiskExpr)
	if err != nil {
		return nil, err
	}
	return &compiledDivision{policy: p, eligible: eligible, atRisk: atRisk}, nil
}

func (r *Rules) compile(name, expr string) (cel.Program, error) {
	ast, issues := r.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile hook %s: %w", name, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("hook %s: expression must return bool, got %s", name, ast.OutputType())
	}
	program, err := r.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for hook %s: %w", name, err)
	}
	return program, nil
}
