package policy

// BuiltinPolicies returns the policies every engine starts with. Each can
// be disabled by name, or replaced by a user policy with the same name.
func BuiltinPolicies() []Policy {
	return []Policy{
		protectedResourcesPolicy(),
		kindAllowlistPolicy(),
		regionAllowlistPolicy(),
		dependencyDepthPolicy(),
		teardownReviewPolicy(),
	}
}

// protectedResourcesPolicy denies deletion of resources labelled
// protected=true. The label is recorded in state at apply time, so the
// rule holds for teardowns planned long after the manifest is gone.
func protectedResourcesPolicy() Policy {
	return Policy{
		Name:        "protected-resources",
		Description: "Denies deletion of resources labelled protected=true",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "teardown"},
		Source:      "builtin",
		Rego: `package opengrove.policies.protected

import rego.v1

deny contains violation if {
	some step in input.steps
	step.operation == "delete"
	step.protected

	violation := {
		"message": sprintf("resource %s is labelled protected=true and cannot be deleted", [step.resource]),
		"severity": "critical",
		"resource": step.resource,
		"remediation": "remove the protected label and apply before destroying",
	}
}`,
	}
}

// kindAllowlistPolicy rejects plan steps whose kind is outside the
// supported set. The manifest schema enforces the same set at load time;
// this rule catches plans built from tampered or corrupted state.
func kindAllowlistPolicy() Policy {
	return Policy{
		Name:        "kind-allowlist",
		Description: "Rejects resources of kinds outside the supported set",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"kinds", "integrity"},
		Source:      "builtin",
		Rego: `package opengrove.policies.kinds

import rego.v1

allowed_kinds := {
	"registry",
	"compute-cluster",
	"database",
	"ai-service",
	"secret",
	"gateway",
	"network",
}

deny contains violation if {
	some step in input.steps
	not step.kind in allowed_kinds

	violation := {
		"message": sprintf("resource %s has unsupported kind %s", [step.resource, step.kind]),
		"severity": "error",
		"resource": step.resource,
	}
}`,
	}
}

// regionAllowlistPolicy limits config.location to the regions the
// organisation operates in. Values still referencing another resource's
// output are skipped; they are resolved at execution time.
func regionAllowlistPolicy() Policy {
	return Policy{
		Name:        "region-allowlist",
		Description: "Limits resource locations to the allowed regions",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"regions", "compliance"},
		Source:      "builtin",
		Rego: `package opengrove.policies.regions

import rego.v1

allowed_regions := {
	"westeurope", "northeurope", "uksouth", "ukwest",
	"francecentral", "germanywestcentral", "swedencentral",
	"switzerlandnorth", "norwayeast", "polandcentral",
	"eastus", "eastus2", "westus2", "westus3", "centralus",
	"canadacentral", "brazilsouth",
	"southeastasia", "eastasia", "japaneast", "koreacentral",
	"australiaeast", "centralindia", "southafricanorth", "uaenorth",
}

deny contains violation if {
	some step in input.steps
	location := step.config.location
	not startswith(location, "${")
	not location in allowed_regions

	violation := {
		"message": sprintf("resource %s targets region %s, which is not in the allowed set", [step.resource, location]),
		"severity": "error",
		"resource": step.resource,
		"remediation": "pick an allowed region or disable the region-allowlist policy",
	}
}`,
	}
}

// dependencyDepthPolicy caps how deep a plan's dependency chain may go.
// Very deep chains serialise the whole run and usually indicate a
// manifest that strings resources together instead of fanning them out.
func dependencyDepthPolicy() Policy {
	return Policy{
		Name:        "dependency-depth",
		Description: "Caps the dependency depth of a plan",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"graph", "limits"},
		Source:      "builtin",
		Rego: `package opengrove.policies.depth

import rego.v1

max_depth := 8

deny contains violation if {
	input.summary.depth > max_depth

	violation := {
		"message": sprintf("plan has %d dependency levels, exceeding the maximum of %d", [input.summary.depth, max_depth]),
		"severity": "error",
		"remediation": "flatten the dependency chain or split the deployment",
	}
}`,
	}
}

// teardownReviewPolicy flags runs that delete many resources at once.
// It warns without blocking.
func teardownReviewPolicy() Policy {
	return Policy{
		Name:        "teardown-review",
		Description: "Flags runs that delete more than five resources",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"teardown", "review"},
		Source:      "builtin",
		Rego: `package opengrove.policies.teardown

import rego.v1

deny contains violation if {
	input.summary.deletes > 5

	violation := {
		"message": sprintf("run deletes %d resources; review the plan before proceeding", [input.summary.deletes]),
		"severity": "warning",
	}
}`,
	}
}
