package adapters

import (
	"context"
	"fmt"

	"github.com/opengrove/opengrove/pkg/engine"
)

// NetworkAdapter provisions virtual networks with a workload subnet. All
// other resources of a deployment attach to the subnet it creates.
//
// Config keys: resource_group (required), location (required),
// address_prefix (default 10.20.0.0/16), subnet_prefix (default
// 10.20.1.0/24).
type NetworkAdapter struct {
	cli cli
}

// NewNetworkAdapter creates the adapter.
func NewNetworkAdapter(runner CommandRunner) *NetworkAdapter {
	return &NetworkAdapter{cli: cli{runner: runner}}
}

// Kind implements engine.Adapter.
func (a *NetworkAdapter) Kind() engine.ResourceKind {
	return engine.KindNetwork
}

// Create provisions the virtual network and its workload subnet.
func (a *NetworkAdapter) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	group, err := requireConfig(req.Config, "resource_group", req.ResourceID)
	if err != nil {
		return nil, err
	}
	location, err := requireConfig(req.Config, "location", req.ResourceID)
	if err != nil {
		return nil, err
	}

	vnetName := req.DeploymentID + "-" + req.ResourceID
	subnetName := vnetName + "-workloads"
	addressPrefix := configValue(req.Config, "address_prefix", "10.20.0.0/16")
	subnetPrefix := configValue(req.Config, "subnet_prefix", "10.20.1.0/24")

	parsed, err := a.cli.runJSON(ctx, "create network", Command{Argv: []string{
		"az", "network", "vnet", "create",
		"--name", vnetName,
		"--resource-group", group,
		"--location", location,
		"--address-prefix", addressPrefix,
		"--subnet-name", subnetName,
		"--subnet-prefix", subnetPrefix,
		"--output", "json",
	}})
	if err != nil {
		return nil, err
	}

	vnetID := jsonString(parsed, "newVNet", "id")
	if vnetID == "" {
		return nil, engine.NewPermanentError(
			"create network returned no vnet id", nil,
		).WithCode(engine.ErrCodeAdapterFailed)
	}

	return &engine.CreateResult{Outputs: map[string]string{
		"vnet_id":        vnetID,
		"vnet_name":      vnetName,
		"subnet_id":      fmt.Sprintf("%s/subnets/%s", vnetID, subnetName),
		"subnet_name":    subnetName,
		"address_prefix": addressPrefix,
		"resource_group": group,
	}}, nil
}

// Delete removes the virtual network. Absence is success.
func (a *NetworkAdapter) Delete(ctx context.Context, req engine.DeleteRequest) error {
	group := req.Outputs["resource_group"]
	if group == "" {
		return errMissingLocation(req.ResourceID)
	}

	name := req.Outputs["vnet_name"]
	if name == "" {
		name = req.DeploymentID + "-" + req.ResourceID
	}

	_, err := a.cli.run(ctx, "delete network", Command{Argv: []string{
		"az", "network", "vnet", "delete",
		"--name", name,
		"--resource-group", group,
	}})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Verify checks the network reached its steady provisioning state.
func (a *NetworkAdapter) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	group := configValue(req.Outputs, "resource_group", req.Config["resource_group"])
	name := req.Outputs["vnet_name"]
	if group == "" || name == "" {
		return &engine.VerifyResult{Healthy: false, Detail: "missing resource_group or vnet_name"}, nil
	}

	parsed, err := a.cli.runJSON(ctx, "verify network", Command{Argv: []string{
		"az", "network", "vnet", "show",
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
	return &engine.VerifyResult{
		Healthy: state == "Succeeded",
		Detail:  "provisioningState=" + state,
	}, nil
}
