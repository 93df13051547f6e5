package adapters

import (
	"context"
	"strconv"

	"github.com/opengrove/opengrove/pkg/engine"
)

// SecretAdapter stores secret material in a key vault and hands back an
// opaque grove+secret:// handle. The plaintext exists only inside the
// CLI invocation; outputs, state and logs carry the handle.
//
// Config keys: vault (default from the orchestrator config), value
// (optional literal or handle to copy), length (default 32, used when
// no value is given and one is generated).
type SecretAdapter struct {
	cli          cli
	defaultVault string
}

// NewSecretAdapter creates the adapter. vault is the fallback vault name
// used when a resource does not name its own.
func NewSecretAdapter(runner CommandRunner, vault string) *SecretAdapter {
	return &SecretAdapter{cli: cli{runner: runner}, defaultVault: vault}
}

// Kind implements engine.Adapter.
func (a *SecretAdapter) Kind() engine.ResourceKind {
	return engine.KindSecret
}

// Create writes the secret value into the vault. When no value is
// configured a random one is generated, so re-creating an existing
// secret would rotate it; the engine's fingerprint check prevents that
// unless the resource's config actually changed.
func (a *SecretAdapter) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	vault := configValue(req.Config, "vault", a.defaultVault)
	if vault == "" {
		return nil, engine.NewConfigurationError(
			"no vault configured for secret", nil,
		).WithResource(req.ResourceID).WithCode(engine.ErrCodeValidation)
	}

	handle := Handle{
		Backend:    "keyvault",
		Vault:      vault,
		Deployment: req.DeploymentID,
		Name:       req.ResourceID,
	}

	value := req.Config["value"]
	if value == "" {
		length := 32
		if raw := req.Config["length"]; raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 8 {
				return nil, engine.NewConfigurationError(
					"secret length must be an integer >= 8", err,
				).WithResource(req.ResourceID).WithCode(engine.ErrCodeValidation)
			}
			length = n
		}
		generated, err := generatePassword(length)
		if err != nil {
			return nil, engine.NewPermanentError("generate secret value", err).
				WithResource(req.ResourceID).WithCode(engine.ErrCodeInternal)
		}
		value = generated
	}

	if _, err := a.cli.run(ctx, "store secret", Command{Argv: []string{
		"az", "keyvault", "secret", "set",
		"--vault-name", vault,
		"--name", handle.VaultSecretName(),
		"--value", value,
	}}); err != nil {
		return nil, err
	}

	return &engine.CreateResult{Outputs: map[string]string{
		"handle":      handle.String(),
		"vault":       vault,
		"secret_name": handle.VaultSecretName(),
	}}, nil
}

// Delete removes the secret from the vault. Absence is success.
func (a *SecretAdapter) Delete(ctx context.Context, req engine.DeleteRequest) error {
	vault := configValue(req.Outputs, "vault", a.defaultVault)
	if vault == "" {
		return errMissingLocation(req.ResourceID)
	}

	name := req.Outputs["secret_name"]
	if name == "" {
		name = req.DeploymentID + "-" + req.ResourceID
	}

	_, err := a.cli.run(ctx, "delete secret", Command{Argv: []string{
		"az", "keyvault", "secret", "delete",
		"--vault-name", vault,
		"--name", name,
	}})
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Verify checks the secret exists and is enabled, without reading it.
func (a *SecretAdapter) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	vault := configValue(req.Outputs, "vault", a.defaultVault)
	name := req.Outputs["secret_name"]
	if name == "" {
		name = req.DeploymentID + "-" + req.ResourceID
	}
	if vault == "" {
		return &engine.VerifyResult{Healthy: false, Detail: "missing vault"}, nil
	}

	parsed, err := a.cli.runJSON(ctx, "verify secret", Command{Argv: []string{
		"az", "keyvault", "secret", "show",
		"--vault-name", vault,
		"--name", name,
		"--query", "{enabled: attributes.enabled}",
		"--output", "json",
	}})
	if err != nil {
		if isNotFound(err) {
			return &engine.VerifyResult{Healthy: false, Detail: "not found"}, nil
		}
		return nil, err
	}

	enabled := jsonString(parsed, "enabled")
	return &engine.VerifyResult{
		Healthy: enabled == "true",
		Detail:  "enabled=" + enabled,
	}, nil
}
