package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/opencurator/opencurator/pkg/engine"
	"github.com/opencurator/opencurator/pkg/telemetry"
)

// Engine evaluates Rego submission policies. It implements
// engine.SubmissionGate: each policy's deny set is queried against the
// submission input, and any error-severity deny blocks the submission.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	log      *telemetry.Logger
}

// compiledPolicy pairs a policy with its prepared query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine preloaded with the built-in
// submission policies.
func NewEngine(log *telemetry.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		log:      log.NewComponentLogger("policy"),
	}

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	return e, nil
}

// Authorize evaluates every enabled policy against the submission input.
func (e *Engine) Authorize(ctx context.Context, input *engine.SubmissionInput) (*engine.SubmissionDecision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var reasons []string
	for _, cp := range e.policies {
		if !cp.policy.Enabled {
			continue
		}
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		for _, v := range violations {
			if v.Severity == SeverityError {
				reasons = append(reasons, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			} else {
				e.log.WithField("policy", v.Policy).Warn(v.Message)
			}
		}
	}

	decision := &engine.SubmissionDecision{
		Allow:   len(reasons) == 0,
		Reasons: reasons,
	}
	if !decision.Allow {
		e.log.WithField("package_id", input.PackageID).
			WithField("reasons", strings.Join(reasons, "; ")).
			Debug("submission denied")
	}
	return decision, nil
}

// LoadPolicies compiles and registers policies from *.rego files found
// under the given paths, replacing built-ins with the same name.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	policies, err := LoadFromPaths(paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	for i := range policies {
		if err := e.compileAndStoreLocked(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.log.WithField("count", len(policies)).Info("policies loaded")
	return nil
}

func (e *Engine) compileAndStore(ctx context.Context, p *Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStoreLocked(ctx, p)
}

func (e *Engine) compileAndStoreLocked(ctx context.Context, p *Policy) error {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(p.Rego))

	prepared, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    prepared,
		compiled: time.Now(),
	}
	return nil
}

func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *engine.SubmissionInput) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, e.toViolation(cp.policy, d))
			}
		}
	}
	return violations, nil
}

// toViolation converts a deny-set element into a Violation. Deny rules
// emit either a bare message string or an object with message/severity.
func (e *Engine) toViolation(p *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}
	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "curator.policies"
}
