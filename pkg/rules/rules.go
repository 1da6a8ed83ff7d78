// Package rules evaluates submit-time business rules against the application
// payload. Rules are CEL expressions carried by the workflow definition
// (e.g. mandatory document references); a failing rule maps to
// VALIDATION_FAILED and blocks submission.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/vinaykumarvk/puda-workflow-engine/pkg/contracts"
)

type compiledRule struct {
	expr    string
	program cel.Program
}

// Engine compiles each service's rules once and evaluates them per
// submission.
type Engine struct {
	env *cel.Env

	mu       sync.RWMutex
	services map[string][]compiledRule
}

// New creates an engine with the standard evaluation environment.
func New() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
		cel.Variable("authority", cel.StringType),
		cel.Variable("service", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: create environment: %w", err)
	}
	return &Engine{env: env, services: make(map[string][]compiledRule)}, nil
}

// Register compiles and stores the rules of one service. Compilation errors
// fail the whole registration: a service with a broken rule must not accept
// submissions unchecked.
func (e *Engine) Register(serviceKey string, exprs []string) error {
	compiled := make([]compiledRule, 0, len(exprs))
	for _, expr := range exprs {
		ast, issues := e.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("rules: %s: compile %q: %w", serviceKey, expr, issues.Err())
		}
		program, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("rules: %s: program %q: %w", serviceKey, expr, err)
		}
		compiled = append(compiled, compiledRule{expr: expr, program: program})
	}
	e.mu.Lock()
	e.services[serviceKey] = compiled
	e.mu.Unlock()
	return nil
}

// Validate runs every rule of the service against the payload. The first
// failing or erroring rule is reported as VALIDATION_FAILED.
func (e *Engine) Validate(_ context.Context, serviceKey, authorityID string, payload json.RawMessage) error {
	e.mu.RLock()
	compiled := e.services[serviceKey]
	e.mu.RUnlock()
	if len(compiled) == 0 {
		return nil
	}

	var decoded map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return contracts.Errorf(contracts.CodeValidationFailed, "payload is not a JSON object: %v", err)
		}
	}
	if decoded == nil {
		decoded = map[string]any{}
	}

	input := map[string]any{
		"payload":   decoded,
		"authority": authorityID,
		"service":   serviceKey,
	}
	for _, rule := range compiled {
		out, _, err := rule.program.Eval(input)
		if err != nil {
			return contracts.Errorf(contracts.CodeValidationFailed, "rule %q: %v", rule.expr, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return contracts.Errorf(contracts.CodeValidationFailed, "rule %q did not evaluate to a boolean", rule.expr)
		}
		if !ok {
			return contracts.Errorf(contracts.CodeValidationFailed, "rule %q failed", rule.expr)
		}
	}
	return nil
}
