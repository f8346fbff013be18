// Package guard implements admin-defined CEL argument guards: optional
// boolean conditions evaluated against tools/call arguments after RBAC
// allows the call and before it is dispatched upstream. A failing guard
// denies the call.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Safety limits on guard expressions.
const (
	// maxExpressionLength bounds stored guard expressions.
	maxExpressionLength = 1024

	// maxCostBudget is the CEL runtime cost limit.
	maxCostBudget = 100_000

	// maxNestingDepth bounds parenthesis/bracket nesting.
	maxNestingDepth = 50

	// evalTimeout bounds a single evaluation.
	evalTimeout = 5 * time.Second

	// interruptCheckFreq is how often (in comprehension iterations)
	// context cancellation is checked.
	interruptCheckFreq = 100
)

// Guard is one stored argument guard for a (server, tool) pair.
type Guard struct {
	ServerID   string    `json:"server_id"`
	ToolName   string    `json:"tool_name"`
	Expression string    `json:"expression"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Input is the data a guard expression may reference.
type Input struct {
	ToolName  string
	ServerID  string
	Arguments map[string]interface{}
	UserID    string
	UserRoles []string
}

// Evaluator compiles and evaluates guard expressions.
type Evaluator struct {
	env *cel.Env
}

// NewEvaluator creates a CEL evaluator with the guard environment:
// tool_name, server_id, arguments, user_id, and user_roles variables.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("server_id", cel.StringType),
		cel.Variable("arguments", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("user_roles", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create guard environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks a guard expression, returning a
// compiled program with the cost limit applied.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// ValidateExpression checks that an expression is syntactically valid
// and within the safety limits. Called by the admin API before a guard
// is stored.
func (e *Evaluator) ValidateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	if err := validateNesting(expr); err != nil {
		return err
	}
	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid guard expression: %w", err)
	}
	return nil
}

// validateNesting bounds parenthesis/bracket/brace nesting depth.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Evaluate runs a compiled guard against the call input. Returns true
// when the call may proceed. Evaluation errors deny the call: a guard
// that cannot be evaluated must not be bypassed.
func (e *Evaluator) Evaluate(prg cel.Program, in Input) (bool, error) {
	args := in.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	roles := in.UserRoles
	if roles == nil {
		roles = []string{}
	}

	activation := map[string]interface{}{
		"tool_name":  in.ToolName,
		"server_id":  in.ServerID,
		"arguments":  args,
		"user_id":    in.UserID,
		"user_roles": roles,
	}

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
