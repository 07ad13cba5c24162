package capability

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// constraintEnv declares the variables a lease constraint may reference:
// the attempted use's class, operation, path, host, and bytes, plus the
// lease's mood. Expressions must evaluate to bool.
func constraintEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("class", cel.StringType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("bytes", cel.IntType),
		cel.Variable("mood", cel.StringType),
	)
}

// validateConstraints compiles every expression, rejecting malformed or
// non-boolean constraints at issue time rather than at use time.
func validateConstraints(constraints []string) error {
	if len(constraints) == 0 {
		return nil
	}
	env, err := constraintEnv()
	if err != nil {
		return fmt.Errorf("capability: cel env: %w", err)
	}
	for _, expr := range constraints {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("capability: constraint %q: %w", expr, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return fmt.Errorf("capability: constraint %q is not boolean", expr)
		}
	}
	return nil
}

// evalConstraints runs every constraint against the use. All must be true.
// Evaluation errors fail closed.
func evalConstraints(lease Lease, use Use) (bool, string) {
	if len(lease.Constraints) == 0 {
		return true, ""
	}
	env, err := constraintEnv()
	if err != nil {
		return false, fmt.Sprintf("cel env: %v", err)
	}

	vars := map[string]any{
		"class":     string(use.Class),
		"operation": use.Operation,
		"path":      use.Path,
		"host":      use.Host,
		"bytes":     use.Bytes,
		"mood":      lease.Mood,
	}

	for _, expr := range lease.Constraints {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return false, fmt.Sprintf("constraint %q: %v", expr, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return false, fmt.Sprintf("constraint %q: %v", expr, err)
		}
		out, _, err := prg.Eval(vars)
		if err != nil {
			return false, fmt.Sprintf("constraint %q: %v", expr, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool || !ok {
			return false, fmt.Sprintf("constraint %q not satisfied", expr)
		}
	}
	return true, ""
}
