package governance

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Whitelist admits stateful calls inside autonomy windows. Each rule is a
// CEL expression over `tool`, `tier` and `args` that must yield a bool; any
// true rule admits the call.
type Whitelist struct {
	rules []whitelistRule
}

type whitelistRule struct {
	expr string
	prg  cel.Program
}

// NewWhitelist compiles exprs. An empty list admits nothing.
func NewWhitelist(exprs []string) (*Whitelist, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("tier", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: create CEL environment: %w", err)
	}
	w := &Whitelist{}
	for _, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("governance: compile whitelist rule %q: %w", expr, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("governance: whitelist rule %q must be boolean, got %s", expr, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("governance: program whitelist rule %q: %w", expr, err)
		}
		w.rules = append(w.rules, whitelistRule{expr: expr, prg: prg})
	}
	return w, nil
}

// Admits evaluates the rules against a staged call. Evaluation errors count
// as no match.
func (w *Whitelist) Admits(tool string, tier Tier, args map[string]any) (string, bool) {
	if w == nil {
		return "", false
	}
	input := map[string]any{"tool": tool, "tier": string(tier), "args": celArgs(args)}
	for _, r := range w.rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			continue
		}
		if ok, isBool := out.Value().(bool); isBool && ok {
			return r.expr, true
		}
	}
	return "", false
}

func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.rules)
}
