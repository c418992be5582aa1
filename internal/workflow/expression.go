package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles expr-lang expressions once and caches the programs.
// Expressions see json (the current item), env and input (the trigger payload)
// plus the expr builtins such as lower, upper and now.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

func NewEvaluator() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

// env builds the variables visible to an expression.
func env(item map[string]any, vars map[string]any, input map[string]any) map[string]any {
	if item == nil {
		item = map[string]any{}
	}
	if vars == nil {
		vars = map[string]any{}
	}
	if input == nil {
		input = map[string]any{}
	}
	return map[string]any{"json": item, "env": vars, "input": input}
}

func (e *Evaluator) Eval(expression string, vars map[string]any) (any, error) {
	program, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, vars)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	return out, nil
}

func (e *Evaluator) EvalBool(expression string, vars map[string]any) (bool, error) {
	out, err := e.Eval(expression, vars)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expression, out)
	}
	return result, nil
}

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.programs[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prog, ok := e.programs[expression]; ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.Env(env(nil, nil, nil)))
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", expression, err)
	}
	e.programs[expression] = prog
	return prog, nil
}

// resolve evaluates string values that start with "=" and returns everything
// else unchanged.
func (e *Evaluator) resolve(value any, vars map[string]any) (any, error) {
	text, ok := value.(string)
	if !ok || !strings.HasPrefix(text, "=") {
		return value, nil
	}
	return e.Eval(strings.TrimPrefix(text, "="), vars)
}

func (e *Evaluator) resolveString(value any, vars map[string]any) (string, error) {
	out, err := e.resolve(value, vars)
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", nil
	}
	if text, ok := out.(string); ok {
		return text, nil
	}
	return fmt.Sprint(out), nil
}
