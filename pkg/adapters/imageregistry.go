package adapters

import (
	"context"

	"github.com/opengrove/opengrove/pkg/engine"
)

// ImageRegistryAdapter provisions container image registries. Registry
// names are globally scoped and restricted to lowercase alphanumerics,
// so the adapter derives them from the deployment and resource IDs and
// strips everything the service rejects.
//
// Config keys: resource_group (required), location (required), sku
// (default Standard), admin_enabled (default false).
type ImageRegistryAdapter struct {
	cli cli
}

// NewImageRegistryAdapter creates the adapter.
func NewImageRegistryAdapter(runner CommandRunner) *ImageRegistryAdapter {
	return &ImageRegistryAdapter{cli: cli{runner: runner}}
}

// Kind implements engine.Adapter.
func (a *ImageRegistryAdapter) Kind() engine.ResourceKind {
	return engine.KindRegistry
}

func (a *ImageRegistryAdapter) registryName(deploymentID, resourceID string) string {
	return sanitizeName(deploymentID + resourceID)
}

// Create provisions the registry and records its login server.
func (a *ImageRegistryAdapter) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	group, err := requireConfig(req.Config, "resource_group", req.ResourceID)
	if err != nil {
		return nil, err
	}
	location, err := requireConfig(req.Config, "location", req.ResourceID)
	if err != nil {
		return nil, err
	}

	name := a.registryName(req.DeploymentID, req.ResourceID)
	sku := configValue(req.Config, "sku", "Standard")

	argv := []string{
		"az", "acr", "create",
		"--name", name,
		"--resource-group", group,
		"--location", location,
		"--sku", sku,
		"--output", "json",
	}
	if configValue(req.Config, "admin_enabled", "false") == "true" {
		argv = append(argv, "--admin-enabled", "true")
	}

	parsed, err := a.cli.runJSON(ctx, "create registry", Command{Argv: argv})
	if err != nil {
		return nil, err
	}

	registryID := jsonString(parsed, "id")
	loginServer := jsonString(parsed, "loginServer")
	if loginServer == "" {
		loginServer = name + ".azurecr.io"
	}

	return &engine.CreateResult{Outputs: map[string]string{
		"registry_id":    registryID,
		"registry_name":  name,
		"login_server":   loginServer,
		"sku":            sku,
		"resource_group": group,
	}}, nil
}

// Delete removes the registry and every image in it. Absence is success.
func (a *ImageRegistryAdapter) Delete(ctx context.Context, req engine.DeleteRequest) error {
	group := req.Outputs["resource_group"]
	if group == "" {
		return errMissingLocation(req.ResourceID)
	}

	name := req.Outputs["registry_name"]
	if name == "" {
		name = a.registryName(req.DeploymentID, req.ResourceID)
	}

	_, err := a.cli.run(ctx, "delete registry", Command{Argv: []string{
		"az", "acr", "delete",
		"--name", name,
		"--resource-group", group,
		"--yes",
	}})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Verify checks the registry is provisioned and reachable by name.
func (a *ImageRegistryAdapter) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	group := configValue(req.Outputs, "resource_group", req.Config["resource_group"])
	name := req.Outputs["registry_name"]
	if name == "" {
		name = a.registryName(req.DeploymentID, req.ResourceID)
	}
	if group == "" {
		return &engine.VerifyResult{Healthy: false, Detail: "missing resource_group"}, nil
	}

	parsed, err := a.cli.runJSON(ctx, "verify registry", Command{Argv: []string{
		"az", "acr", "show",
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
