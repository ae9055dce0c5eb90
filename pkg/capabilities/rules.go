package capabilities

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Rule is a named CEL deny expression evaluated over the request map. A rule
// that evaluates to true denies the request.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// DefaultDenyRules blocks direct sms invites from students under 13 and
// invites sent from headless clients.
func DefaultDenyRules() []Rule {
	return []Rule{
		{
			Name: "under_13_direct_sms",
			Expr: `request.persona == "student" && request.age > 0 && request.age < 13 && request.channel == "sms"`,
		},
		{
			Name: "headless_client",
			Expr: `request.device.startsWith("headless-")`,
		},
	}
}

type compiledRule struct {
	Rule
	prg cel.Program
}

// ruleSet holds compiled deny rules over a single `request` variable.
type ruleSet struct {
	rules []compiledRule
}

func compileRules(rules []Rule) (*ruleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	rs := &ruleSet{}
	for _, r := range rules {
		if strings.TrimSpace(r.Name) == "" {
			return nil, fmt.Errorf("deny rule %q has no name", r.Expr)
		}
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %s: %w", r.Name, issues.Err())
		}
		if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
			return nil, fmt.Errorf("rule %s must evaluate to bool, got %s", r.Name, t)
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("program rule %s: %w", r.Name, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, prg: prg})
	}
	return rs, nil
}

// match returns the name of the first rule that denies input, or "".
func (rs *ruleSet) match(input map[string]any) (string, error) {
	for _, r := range rs.rules {
		out, _, err := r.prg.Eval(map[string]any{"request": input})
		if err != nil {
			return "", fmt.Errorf("evaluate rule %s: %w", r.Name, err)
		}
		deny, ok := out.Value().(bool)
		if !ok {
			return "", fmt.Errorf("rule %s returned %T", r.Name, out.Value())
		}
		if deny {
			return r.Name, nil
		}
	}
	return "", nil
}
