package adapters

import (
	"context"
	"fmt"

	"github.com/opengrove/opengrove/pkg/engine"
)

// ClusterAdapter provisions managed Kubernetes clusters. After creation
// it fetches credentials into the local kubeconfig so the AI service
// adapter can address the cluster by context name.
//
// Config keys: resource_group (required), location (required),
// node_count (default 2), node_size (default Standard_D4s_v5),
// subnet_id (optional, attaches nodes to an existing subnet),
// attach_registry (optional registry name, grants image pull),
// kubernetes_version (optional).
type ClusterAdapter struct {
	cli cli
}

// NewClusterAdapter creates the adapter.
func NewClusterAdapter(runner CommandRunner) *ClusterAdapter {
	return &ClusterAdapter{cli: cli{runner: runner}}
}

// Kind implements engine.Adapter.
func (a *ClusterAdapter) Kind() engine.ResourceKind {
	return engine.KindComputeCluster
}

// Create provisions the cluster and pulls its credentials.
func (a *ClusterAdapter) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	group, err := requireConfig(req.Config, "resource_group", req.ResourceID)
	if err != nil {
		return nil, err
	}
	location, err := requireConfig(req.Config, "location", req.ResourceID)
	if err != nil {
		return nil, err
	}

	name := req.DeploymentID + "-" + req.ResourceID
	nodeCount := configValue(req.Config, "node_count", "2")
	nodeSize := configValue(req.Config, "node_size", "Standard_D4s_v5")

	argv := []string{
		"az", "aks", "create",
		"--name", name,
		"--resource-group", group,
		"--location", location,
		"--node-count", nodeCount,
		"--node-vm-size", nodeSize,
		"--generate-ssh-keys",
		"--output", "json",
	}
	if subnetID := req.Config["subnet_id"]; subnetID != "" {
		argv = append(argv, "--network-plugin", "azure", "--vnet-subnet-id", subnetID)
	}
	if registry := req.Config["attach_registry"]; registry != "" {
		argv = append(argv, "--attach-acr", registry)
	}
	if version := req.Config["kubernetes_version"]; version != "" {
		argv = append(argv, "--kubernetes-version", version)
	}

	parsed, err := a.cli.runJSON(ctx, "create cluster", Command{Argv: argv})
	if err != nil {
		return nil, err
	}

	clusterID := jsonString(parsed, "id")
	fqdn := jsonString(parsed, "fqdn")
	nodeGroup := jsonString(parsed, "nodeResourceGroup")

	// Credentials land in the default kubeconfig under a context named
	// after the cluster. Re-running overwrites the stale entry.
	if _, err := a.cli.run(ctx, "fetch cluster credentials", Command{Argv: []string{
		"az", "aks", "get-credentials",
		"--name", name,
		"--resource-group", group,
		"--overwrite-existing",
	}}); err != nil {
		return nil, err
	}

	return &engine.CreateResult{Outputs: map[string]string{
		"cluster_id":          clusterID,
		"cluster_name":        name,
		"fqdn":                fqdn,
		"node_resource_group": nodeGroup,
		"kube_context":        name,
		"resource_group":      group,
	}}, nil
}

// Delete removes the cluster and its node pools. Absence is success.
func (a *ClusterAdapter) Delete(ctx context.Context, req engine.DeleteRequest) error {
	group := req.Outputs["resource_group"]
	if group == "" {
		return errMissingLocation(req.ResourceID)
	}

	name := req.Outputs["cluster_name"]
	if name == "" {
		name = req.DeploymentID + "-" + req.ResourceID
	}

	_, err := a.cli.run(ctx, "delete cluster", Command{Argv: []string{
		"az", "aks", "delete",
		"--name", name,
		"--resource-group", group,
		"--yes",
	}})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Verify checks the control plane is provisioned and powered on.
func (a *ClusterAdapter) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	group := configValue(req.Outputs, "resource_group", req.Config["resource_group"])
	name := req.Outputs["cluster_name"]
	if group == "" || name == "" {
		return &engine.VerifyResult{Healthy: false, Detail: "missing resource_group or cluster_name"}, nil
	}

	parsed, err := a.cli.runJSON(ctx, "verify cluster", Command{Argv: []string{
		"az", "aks", "show",
		"--name", name,
		"--resource-group", group,
		"--output", "json",
	}})
	if err != nil {
		if isNotFound(err) {
			return &engine.VerifyResult{Healthy: false, Detail: "not found"}, nil
		}
		return nil, err
	}

	state := jsonString(parsed, "provisioningState")
	power := jsonString(parsed, "powerState", "code")
	return &engine.VerifyResult{
		Healthy: state == "Succeeded" && power == "Running",
		Detail:  fmt.Sprintf("provisioningState=%s powerState=%s", state, power),
	}, nil
}
