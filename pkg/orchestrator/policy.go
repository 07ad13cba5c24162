package orchestrator

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/choiros/director/pkg/contracts"
)

// commitPolicy is the operator's hook into the commit gate: a CEL
// expression over the run's verification footprint. An empty policy allows
// everything; evaluation errors fail closed.
type commitPolicy struct {
	expr    string
	program cel.Program
}

func newCommitPolicy(expr string) (*commitPolicy, error) {
	if expr == "" {
		return &commitPolicy{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("mood", cel.StringType),
		cel.Variable("risk_tier", cel.StringType),
		cel.Variable("verifier_count", cel.IntType),
		cel.Variable("failures", cel.IntType),
		cel.Variable("inconclusive", cel.IntType),
		cel.Variable("diff_bytes", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: cel env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("orchestrator: commit policy %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("orchestrator: commit policy %q is not boolean", expr)
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: commit policy %q: %w", expr, err)
	}
	return &commitPolicy{expr: expr, program: program}, nil
}

type policyInput struct {
	Mood          string
	RiskTier      contracts.RiskTier
	VerifierCount int
	Failures      int
	Inconclusive  int
	DiffBytes     int64
}

// Allow evaluates the policy against one run's gate input.
func (p *commitPolicy) Allow(in policyInput) (bool, string) {
	if p.program == nil {
		return true, ""
	}
	out, _, err := p.program.Eval(map[string]any{
		"mood":           in.Mood,
		"risk_tier":      string(in.RiskTier),
		"verifier_count": in.VerifierCount,
		"failures":       in.Failures,
		"inconclusive":   in.Inconclusive,
		"diff_bytes":     in.DiffBytes,
	})
	if err != nil {
		return false, fmt.Sprintf("commit policy evaluation failed: %v", err)
	}
	if allowed, ok := out.Value().(bool); !ok || !allowed {
		return false, "commit policy refused: " + p.expr
	}
	return true, ""
}
