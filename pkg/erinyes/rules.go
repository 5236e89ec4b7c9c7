package erinyes

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

// BlockRule disables a plugin when Condition holds over its usage for the day.
// Variables are the usage metric names, e.g. `errors > 100 && api_requests < 10`.
type BlockRule struct {
	Name      string `mapstructure:"name" yaml:"name" validate:"required"`
	Condition string `mapstructure:"condition" yaml:"condition" validate:"required"`
}

type compiledRule struct {
	rule BlockRule
	prg  cel.Program
}

// RuleSet evaluates compiled block rules.
type RuleSet struct {
	rules []compiledRule
}

// NewRuleSet compiles rules. Invalid or non-boolean expressions are rejected.
func NewRuleSet(rules []BlockRule) (*RuleSet, error) {
	opts := make([]cel.EnvOption, 0, len(domain.UsageMetrics))
	for _, m := range domain.UsageMetrics {
		opts = append(opts, cel.Variable(string(m), cel.IntType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	rs := &RuleSet{}
	for _, r := range rules {
		ast, issues := env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("block rule %q: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("block rule %q: condition must be boolean, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("block rule %q: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{rule: r, prg: prg})
	}
	return rs, nil
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Match returns the first rule whose condition holds for usage.
func (rs *RuleSet) Match(usage domain.UsageCounter) (BlockRule, bool) {
	if rs == nil {
		return BlockRule{}, false
	}
	vars := make(map[string]any, len(domain.UsageMetrics))
	for _, m := range domain.UsageMetrics {
		vars[string(m)] = usage.Get(m)
	}
	for _, r := range rs.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			continue
		}
		if b, ok := out.Value().(bool); ok && b {
			return r.rule, true
		}
	}
	return BlockRule{}, false
}
