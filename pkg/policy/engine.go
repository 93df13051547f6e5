package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies over plan documents. Every mutating run
// passes through EvaluatePlan before its first backend call; a blocking
// violation stops the run before anything changes.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared deny query. Queries are
// prepared once at compile time and reused across evaluations.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates an engine with the builtin policies compiled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy").Logger(),
	}

	for _, p := range BuiltinPolicies() {
		if err := e.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("compiling builtin policy %s: %w", p.Name, err)
		}
	}
	return e, nil
}

// LoadDir compiles every policy file under dir on top of the builtins. A
// user policy with a builtin's name replaces the builtin. An empty dir
// leaves the builtins as they are.
func (e *Engine) LoadDir(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}

	policies, err := NewLoader(e.logger).LoadDir(ctx, dir)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range policies {
		if err := e.compileLocked(ctx, p); err != nil {
			return fmt.Errorf("compiling policy %s from %s: %w", p.Name, p.Source, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Str("dir", dir).
		Msg("User policies loaded")
	return nil
}

// EvaluatePlan runs every enabled policy's deny rule against the document.
// A policy whose evaluation errors is reported in EvalFailures and skipped;
// a broken policy never blocks a run on its own.
func (e *Engine) EvaluatePlan(ctx context.Context, doc *PlanDocument) (*Result, error) {
	if doc == nil {
		return nil, fmt.Errorf("plan document is nil")
	}
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{
		Allowed:     true,
		EvaluatedAt: start,
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.Evaluated = append(result.Evaluated, name)

		violations, err := e.evaluate(ctx, cp, doc)
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", name).
				Msg("Policy evaluation failed; skipping policy")
			result.EvalFailures = append(result.EvalFailures,
				fmt.Sprintf("%s: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
			break
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("deployment", doc.Deployment).
		Str("run_type", doc.RunType).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all policies in name order.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name. Disabled policies stay loaded
// and can be re-enabled.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Debug().Str("policy", name).Bool("enabled", enabled).
		Msg("Policy toggled")
	return nil
}

// sortedNames returns the policy names in order. Callers hold the lock.
func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// evaluate runs one prepared deny query against the document.
func (e *Engine) evaluate(ctx context.Context, cp *compiledPolicy, doc *PlanDocument) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range rs {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, raw := range denySet {
				violations = append(violations, violationFrom(cp.policy, raw))
			}
		}
	}
	return violations, nil
}

// violationFrom maps one deny result onto a Violation. Rules may return a
// bare message string or an object carrying message, severity, resource
// and remediation; missing fields fall back to the policy's defaults.
func violationFrom(p *Policy, raw interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch val := raw.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := val["resource"].(string); ok {
			v.Resource = res
		}
		if rem, ok := val["remediation"].(string); ok {
			v.Remediation = rem
		}
	default:
		v.Message = fmt.Sprintf("%v", raw)
	}
	return v
}

// compile parses, prepares and stores one policy.
func (e *Engine) compile(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileLocked(ctx, p)
}

func (e *Engine) compileLocked(ctx context.Context, p Policy) error {
	filename := p.Name + ".rego"
	module, err := ast.ParseModule(filename, p.Rego)
	if err != nil {
		return fmt.Errorf("parsing policy: %w", err)
	}

	// The deny rule of the policy's own package is the contract; the
	// query is derived from the declared package rather than guessed.
	query := fmt.Sprintf("%s.deny", module.Package.Path.String())

	// Builtin errors surface as evaluation failures instead of leaving
	// the rule silently undefined.
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(filename, p.Rego),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("preparing query %s: %w", query, err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy: &p,
		query:  prepared,
	}

	e.logger.Debug().Str("policy", p.Name).Str("query", query).
		Msg("Policy compiled")
	return nil
}
