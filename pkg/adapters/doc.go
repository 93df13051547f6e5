// Package adapters implements the backend adapters that realize resources.
//
// The enterprise environments this orchestrator targets expose no SDK-level
// API access from the deployment workstation: provisioning happens through
// the vendor CLIs (az for cloud resources, kubectl for cluster workloads),
// either locally or on a bastion host that has network line of sight. Every
// adapter therefore builds argument vectors and hands them to a
// CommandRunner: LocalRunner executes them in-process, BridgedRunner ships
// them to grove-runner over SSH.
//
// Adapters are idempotent by construction. Create calls are upsert-shaped
// (the CLIs converge existing resources), Delete treats "not found" as
// success, and Verify only reads.
//
// Secret material never passes through the orchestrator state: secret
// outputs are opaque grove+secret:// handles that adapters resolve at the
// point of use through a Resolver.
package adapters
