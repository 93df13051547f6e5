package adapters

import (
	"context"
	"fmt"

	"github.com/opengrove/opengrove/pkg/engine"
)

// GatewayAdapter provisions the public entry point of a deployment: a
// static public IP plus an application gateway in front of the workload
// subnet. It is the slowest adapter in the set; gateway provisioning
// routinely takes a quarter hour, so callers should budget timeouts
// accordingly.
//
// Config keys: resource_group (required), location (required),
// subnet_id (optional, dedicated gateway subnet), sku (default
// Standard_v2), capacity (default 1), backend_server (optional address
// for the initial backend pool).
type GatewayAdapter struct {
	cli cli
}

// NewGatewayAdapter creates the adapter.
func NewGatewayAdapter(runner CommandRunner) *GatewayAdapter {
	return &GatewayAdapter{cli: cli{runner: runner}}
}

// Kind implements engine.Adapter.
func (a *GatewayAdapter) Kind() engine.ResourceKind {
	return engine.KindGateway
}

// Create provisions the public IP first, then the gateway bound to it.
func (a *GatewayAdapter) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	group, err := requireConfig(req.Config, "resource_group", req.ResourceID)
	if err != nil {
		return nil, err
	}
	location, err := requireConfig(req.Config, "location", req.ResourceID)
	if err != nil {
		return nil, err
	}

	gatewayName := req.DeploymentID + "-" + req.ResourceID
	ipName := gatewayName + "-pip"

	ipParsed, err := a.cli.runJSON(ctx, "create public ip", Command{Argv: []string{
		"az", "network", "public-ip", "create",
		"--name", ipName,
		"--resource-group", group,
		"--location", location,
		"--sku", "Standard",
		"--allocation-method", "Static",
		"--output", "json",
	}})
	if err != nil {
		return nil, err
	}
	publicIP := jsonString(ipParsed, "publicIp", "ipAddress")

	argv := []string{
		"az", "network", "application-gateway", "create",
		"--name", gatewayName,
		"--resource-group", group,
		"--location", location,
		"--sku", configValue(req.Config, "sku", "Standard_v2"),
		"--capacity", configValue(req.Config, "capacity", "1"),
		"--public-ip-address", ipName,
		"--priority", "100",
		"--output", "json",
	}
	if subnetID := req.Config["subnet_id"]; subnetID != "" {
		argv = append(argv, "--subnet", subnetID)
	}
	if backend := req.Config["backend_server"]; backend != "" {
		argv = append(argv, "--servers", backend)
	}

	gwParsed, err := a.cli.runJSON(ctx, "create gateway", Command{Argv: argv})
	if err != nil {
		return nil, err
	}

	return &engine.CreateResult{Outputs: map[string]string{
		"gateway_id":     jsonString(gwParsed, "applicationGateway", "id"),
		"gateway_name":   gatewayName,
		"public_ip":      publicIP,
		"public_ip_name": ipName,
		"resource_group": group,
	}}, nil
}

// Delete removes the gateway, then the public IP it fronted. Absence of
// either is success.
func (a *GatewayAdapter) Delete(ctx context.Context, req engine.DeleteRequest) error {
	group := req.Outputs["resource_group"]
	if group == "" {
		return errMissingLocation(req.ResourceID)
	}

	gatewayName := req.Outputs["gateway_name"]
	if gatewayName == "" {
		gatewayName = req.DeploymentID + "-" + req.ResourceID
	}
	ipName := req.Outputs["public_ip_name"]
	if ipName == "" {
		ipName = gatewayName + "-pip"
	}

	_, err := a.cli.run(ctx, "delete gateway", Command{Argv: []string{
		"az", "network", "application-gateway", "delete",
		"--name", gatewayName,
		"--resource-group", group,
	}})
	if err != nil && !isNotFound(err) {
		return err
	}

	// The IP can only go once nothing references it.
	_, err = a.cli.run(ctx, "delete public ip", Command{Argv: []string{
		"az", "network", "public-ip", "delete",
		"--name", ipName,
		"--resource-group", group,
	}})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Verify checks the gateway is provisioned and serving.
func (a *GatewayAdapter) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	group := configValue(req.Outputs, "resource_group", req.Config["resource_group"])
	name := req.Outputs["gateway_name"]
	if group == "" || name == "" {
		return &engine.VerifyResult{Healthy: false, Detail: "missing resource_group or gateway_name"}, nil
	}

	parsed, err := a.cli.runJSON(ctx, "verify gateway", Command{Argv: []string{
		"az", "network", "application-gateway", "show",
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
	operational := jsonString(parsed, "operationalState")
	return &engine.VerifyResult{
		Healthy: state == "Succeeded" && operational == "Running",
		Detail:  fmt.Sprintf("provisioningState=%s operationalState=%s", state, operational),
	}, nil
}
