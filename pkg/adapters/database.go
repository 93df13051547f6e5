package adapters

import (
	"context"

	"github.com/opengrove/opengrove/pkg/engine"
)

// DatabaseAdapter provisions managed PostgreSQL flexible servers plus an
// application database inside them. The admin password is usually a
// grove+secret:// handle pointing at a secret resource; it is resolved
// at the moment the CLI is invoked and never written to outputs.
//
// Config keys: resource_group (required), location (required),
// admin_password (required, handle or literal), admin_user (default
// groveadmin), database_name (default app), sku (default Standard_B1ms),
// tier (default Burstable), storage_size (default 32), version
// (default 16).
type DatabaseAdapter struct {
	cli      cli
	resolver Resolver
}

// NewDatabaseAdapter creates the adapter.
func NewDatabaseAdapter(runner CommandRunner, resolver Resolver) *DatabaseAdapter {
	return &DatabaseAdapter{cli: cli{runner: runner}, resolver: resolver}
}

// Kind implements engine.Adapter.
func (a *DatabaseAdapter) Kind() engine.ResourceKind {
	return engine.KindDatabase
}

// Create provisions the server and the application database.
func (a *DatabaseAdapter) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	group, err := requireConfig(req.Config, "resource_group", req.ResourceID)
	if err != nil {
		return nil, err
	}
	location, err := requireConfig(req.Config, "location", req.ResourceID)
	if err != nil {
		return nil, err
	}
	rawPassword, err := requireConfig(req.Config, "admin_password", req.ResourceID)
	if err != nil {
		return nil, err
	}
	password, err := resolveValue(ctx, a.resolver, rawPassword)
	if err != nil {
		return nil, err
	}

	serverName := req.DeploymentID + "-" + req.ResourceID
	adminUser := configValue(req.Config, "admin_user", "groveadmin")
	databaseName := configValue(req.Config, "database_name", "app")

	parsed, err := a.cli.runJSON(ctx, "create database server", Command{Argv: []string{
		"az", "postgres", "flexible-server", "create",
		"--name", serverName,
		"--resource-group", group,
		"--location", location,
		"--admin-user", adminUser,
		"--admin-password", password,
		"--sku-name", configValue(req.Config, "sku", "Standard_B1ms"),
		"--tier", configValue(req.Config, "tier", "Burstable"),
		"--storage-size", configValue(req.Config, "storage_size", "32"),
		"--version", configValue(req.Config, "version", "16"),
		"--yes",
		"--output", "json",
	}})
	if err != nil {
		return nil, err
	}

	host := jsonString(parsed, "host")
	if host == "" {
		host = serverName + ".postgres.database.azure.com"
	}

	if _, err := a.cli.run(ctx, "create application database", Command{Argv: []string{
		"az", "postgres", "flexible-server", "db", "create",
		"--server-name", serverName,
		"--resource-group", group,
		"--database-name", databaseName,
	}}); err != nil {
		return nil, err
	}

	return &engine.CreateResult{Outputs: map[string]string{
		"server_name":    serverName,
		"host":           host,
		"port":           "5432",
		"database_id":    jsonString(parsed, "id"),
		"database_name":  databaseName,
		"admin_user":     adminUser,
		"resource_group": group,
	}}, nil
}

// Delete removes the server and every database on it. Absence is success.
func (a *DatabaseAdapter) Delete(ctx context.Context, req engine.DeleteRequest) error {
	group := req.Outputs["resource_group"]
	if group == "" {
		return errMissingLocation(req.ResourceID)
	}

	name := req.Outputs["server_name"]
	if name == "" {
		name = req.DeploymentID + "-" + req.ResourceID
	}

	_, err := a.cli.run(ctx, "delete database server", Command{Argv: []string{
		"az", "postgres", "flexible-server", "delete",
		"--name", name,
		"--resource-group", group,
		"--yes",
	}})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Verify checks the server reports itself ready.
func (a *DatabaseAdapter) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	group := configValue(req.Outputs, "resource_group", req.Config["resource_group"])
	name := req.Outputs["server_name"]
	if group == "" || name == "" {
		return &engine.VerifyResult{Healthy: false, Detail: "missing resource_group or server_name"}, nil
	}

	parsed, err := a.cli.runJSON(ctx, "verify database server", Command{Argv: []string{
		"az", "postgres", "flexible-server", "show",
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

	state := jsonString(parsed, "state")
	return &engine.VerifyResult{
		Healthy: state == "Ready",
		Detail:  "state=" + state,
	}, nil
}
