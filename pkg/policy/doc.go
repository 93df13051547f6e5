// Package policy gates plans with Open Policy Agent rules before any
// backend call is made.
//
// Every apply and destroy run is flattened into a plan document and
// evaluated against the builtin rules plus any user rules loaded from the
// policy directory. Violations of severity error or critical deny the
// run; info and warning violations are reported and logged.
//
// # Overview
//
// The package has three parts:
//
//   - Engine compiles Rego policies and evaluates their deny rules over
//     plan documents. Queries are prepared once and reused.
//   - Loader reads user policies: bare .rego rule files, or .json policy
//     documents carrying metadata alongside the source.
//   - BuildDocument flattens an engine.RunPlan into the input document,
//     pulling labels from the manifest for apply runs and from recorded
//     state for destroy runs.
//
// # Usage
//
// Gating a plan:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadDir(ctx, settings.Policy.Dir); err != nil {
//	    return err
//	}
//
//	doc := policy.BuildDocument(runPlan, states)
//	result, err := eng.EvaluatePlan(ctx, doc)
//	if err != nil {
//	    return err
//	}
//	if err := result.DeniedError(); err != nil {
//	    return err
//	}
//
// # Builtin Policies
//
// Enabled by default, each can be disabled by name or replaced by a user
// policy of the same name:
//
//   - protected-resources: denies deletion of resources labelled
//     protected=true (critical)
//   - kind-allowlist: rejects resource kinds outside the supported set
//     (error)
//   - region-allowlist: limits config.location to the allowed regions
//     (error)
//   - dependency-depth: caps the plan's dependency depth (error)
//   - teardown-review: flags runs deleting more than five resources
//     (warning)
//
// # User Policies
//
// A user rule is a Rego file whose deny rule yields violation objects:
//
//	# require an owner label on every created resource
//	# severity: error
//	package myorg.policies.owner
//
//	import rego.v1
//
//	deny contains violation if {
//	    some step in input.steps
//	    step.operation == "create"
//	    not step.labels.owner
//
//	    violation := {
//	        "message": sprintf("resource %s has no owner label", [step.resource]),
//	        "severity": "error",
//	        "resource": step.resource,
//	    }
//	}
//
// The leading comment block doubles as metadata: a "severity:" directive
// sets the policy's default severity, the remaining lines become its
// description. Without a directive the default is warning, so a rule
// must opt in to blocking.
//
// # Plan Document
//
// Rules see the run as a single JSON document:
//
//	{
//	    "deployment": "ml-stack",
//	    "run_type": "destroy",
//	    "steps": [
//	        {
//	            "resource": "db",
//	            "kind": "database",
//	            "operation": "delete",
//	            "level": 1,
//	            "labels": {"protected": "true"},
//	            "protected": true
//	        }
//	    ],
//	    "summary": {"resources": 1, "deletes": 1, "depth": 2}
//	}
//
// # Failure Semantics
//
// A policy whose evaluation errors is skipped and reported in
// Result.EvalFailures; it never blocks a run on its own. Builtin errors
// such as division by zero count as evaluation failures rather than
// leaving the rule silently undefined. A policy file that fails to load
// or compile fails the whole command instead, because a rule silently
// dropped is worse than a loud error.
//
// # Thread Safety
//
// The Engine is safe for concurrent use. Compiled policies are guarded by
// a read-write mutex; evaluation takes the read side only.
package policy
