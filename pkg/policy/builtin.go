package policy

import (
	"time"
)

// GetBuiltinPolicies returns the built-in submission policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		endpointBudgetPolicy(),
		intensiveConcurrencyPolicy(),
	}
}

// endpointBudgetPolicy rejects plans with an implausible endpoint count;
// these are almost always synthesis bugs rather than real plans.
func endpointBudgetPolicy() Policy {
	return Policy{
		Name:        "endpoint-budget",
		Description: "Rejects submissions whose plan carries more than 32 collection endpoints",
		Severity:    SeverityError,
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package curator.policies.endpoints

import rego.v1

deny contains violation if {
	input.endpoint_count > 32
	violation := {
		"message": sprintf("package %s carries %d endpoints, budget is 32", [input.package_id, input.endpoint_count]),
		"severity": "error",
	}
}
`,
	}
}

// intensiveConcurrencyPolicy holds resource-intensive submissions back
// while the executor is already saturated with intensive work.
func intensiveConcurrencyPolicy() Policy {
	return Policy{
		Name:        "intensive-concurrency",
		Description: "Defers resource-intensive submissions while the executor is at its intensive-task cap",
		Severity:    SeverityError,
		Enabled:     true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package curator.policies.intensive

import rego.v1

deny contains violation if {
	input.resource_intensive
	input.max_running_intensive > 0
	input.running_intensive >= input.max_running_intensive
	violation := {
		"message": sprintf("package %s is resource-intensive and the executor already runs %d intensive tasks", [input.package_id, input.running_intensive]),
		"severity": "error",
	}
}
`,
	}
}
