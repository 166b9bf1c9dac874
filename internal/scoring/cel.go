package scoring

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// CompiledRule wraps a pre-compiled CEL program for repeated evaluation.
type CompiledRule struct {
	Expression string
	program    cel.Program
}

// CELEvaluator compiles and evaluates operator-defined rule conditions
// against an agent's manifest and traffic summary. Evaluation is safe for
// concurrent use.
type CELEvaluator struct {
	env    *cel.Env
	logger *slog.Logger
}

// RuleContext is the data a custom rule condition can reference.
type RuleContext struct {
	AgentID      string
	Name         string
	Description  string
	Version      string
	Role         string
	Capabilities []string
	Tags         []string
	Anonymous    bool
	Valid        bool

	CommsTotal     int
	CommsErrors    int
	CommsPerMinute float64
}

// NewCELEvaluator creates a CELEvaluator with the variables available to
// custom scoring rules.
func NewCELEvaluator(logger *slog.Logger) (*CELEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		// agent.*
		cel.Variable("agent.id", cel.StringType),
		cel.Variable("agent.name", cel.StringType),
		cel.Variable("agent.description", cel.StringType),
		cel.Variable("agent.version", cel.StringType),
		cel.Variable("agent.role", cel.StringType),
		cel.Variable("agent.capabilities", cel.ListType(cel.StringType)),
		cel.Variable("agent.tags", cel.ListType(cel.StringType)),
		cel.Variable("agent.anonymous", cel.BoolType),
		cel.Variable("agent.manifest_valid", cel.BoolType),

		// comms.*
		cel.Variable("comms.total", cel.IntType),
		cel.Variable("comms.errors", cel.IntType),
		cel.Variable("comms.per_minute", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEvaluator{
		env:    env,
		logger: logger.With("component", "scoring.CELEvaluator"),
	}, nil
}

// CompileExpression parses and type-checks a condition. Call at load time.
func (c *CELEvaluator) CompileExpression(expr string) (CompiledRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return CompiledRule{}, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return CompiledRule{}, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return CompiledRule{}, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	c.logger.Debug("compiled CEL expression", "expression", expr)

	return CompiledRule{
		Expression: expr,
		program:    prg,
	}, nil
}

// Evaluate runs a compiled rule. Returns true if the condition matches.
func (c *CELEvaluator) Evaluate(rule CompiledRule, ctx RuleContext) (bool, error) {
	vars := map[string]interface{}{
		"agent.id":             ctx.AgentID,
		"agent.name":           ctx.Name,
		"agent.description":    ctx.Description,
		"agent.version":        ctx.Version,
		"agent.role":           ctx.Role,
		"agent.capabilities":   nonNil(ctx.Capabilities),
		"agent.tags":           nonNil(ctx.Tags),
		"agent.anonymous":      ctx.Anonymous,
		"agent.manifest_valid": ctx.Valid,

		"comms.total":      int64(ctx.CommsTotal),
		"comms.errors":     int64(ctx.CommsErrors),
		"comms.per_minute": ctx.CommsPerMinute,
	}

	out, _, err := rule.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", rule.Expression, err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", rule.Expression, out.Value())
	}

	return result, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
