// Package config loads the two configuration surfaces of the orchestrator:
// deployment manifests written in CUE and the orchestrator's own settings
// file written in YAML.
//
// # Overview
//
// A deployment manifest declares the resources of one deployment: their
// kinds, configuration values, dependencies and labels. Manifests are CUE,
// so overlays unify, schemas constrain, and YAML or JSON documents ingest
// through CUE's encoding bridges. The Loader turns manifest sources into
// engine.ResourceDescriptor values the planner consumes.
//
// The settings file tunes the orchestrator itself: state database path,
// execution defaults, bastion transport, plugin and policy directories,
// and telemetry. It is plain YAML with strict field checking.
//
// # Components
//
// Loader: parses manifest sources (files, directories, inline content),
// validates them against the builtin deployment schema, runs any starlark
// block, substitutes ${var.*} placeholders, and emits descriptors.
//
// SchemaRegistry: holds the builtin CUE schemas and accepts custom ones.
//
// StarlarkEvaluator: sandboxed execution of a manifest's starlark block
// for computed configuration values, with timeout and context
// cancellation.
//
// Settings: the orchestrator settings document, loaded with LoadSettings.
//
// # Manifest Structure
//
//	deployment: "ml-stack"
//
//	variables: {
//		location: "westeurope"
//		replicas: 2
//	}
//
//	resources: {
//		net: {
//			kind: "network"
//			config: {location: "${var.location}"}
//		}
//		cluster: {
//			kind: "compute-cluster"
//			config: {
//				location:  "${var.location}"
//				subnet_id: "${net.subnet_id}"
//			}
//			depends_on: ["net"]
//		}
//	}
//
// Two placeholder forms appear in configuration values. ${var.name} is
// replaced at load time from the manifest's variables (including values a
// starlark block computed). ${id.output} survives loading untouched; the
// engine resolves it against recorded outputs at execution time, and it
// implies a dependency edge.
//
// # Starlark Blocks
//
// A manifest may carry a starlark field holding a script. The script sees
// the deployment name and the variables dict, and every global it exports
// (underscore-prefixed names excluded) becomes a manifest variable:
//
//	starlark: """
//		replicas = 2 if deployment == "staging" else 6
//		db_password = secret_handle("ops-vault", deployment, "db-password")
//		"""
//
// Execution is sandboxed: no filesystem, no network, print suppressed,
// and a hard timeout.
//
// # Error Reporting
//
// Manifest problems surface as ValidationError values carrying file, line
// and column where CUE can provide them. Load folds them into a single
// configuration error; Parse returns the full list for tooling that wants
// every finding at once.
package config
