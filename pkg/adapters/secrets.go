package adapters

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/opengrove/opengrove/pkg/engine"
)

// HandleScheme prefixes every secret handle.
const HandleScheme = "grove+secret://"

// Handle is the opaque reference that stands in for secret material
// everywhere outside the backing store. The wire form is
// grove+secret://<backend>/<vault>/<deployment>/<name>.
type Handle struct {
	// Backend identifies the secret store implementation, e.g. "keyvault".
	Backend string

	// Vault is the store instance holding the secret.
	Vault string

	// Deployment scopes the secret.
	Deployment string

	// Name is the secret's name within the deployment.
	Name string
}

// String renders the handle in wire form.
func (h Handle) String() string {
	return HandleScheme + h.Backend + "/" + h.Vault + "/" + h.Deployment + "/" + h.Name
}

// VaultSecretName is the name the secret is stored under in the vault,
// prefixed with the deployment so one vault serves many deployments.
func (h Handle) VaultSecretName() string {
	return h.Deployment + "-" + h.Name
}

// IsHandle reports whether a config or output value is a secret handle.
func IsHandle(value string) bool {
	return strings.HasPrefix(value, HandleScheme)
}

// ParseHandle parses the wire form.
func ParseHandle(value string) (Handle, error) {
	if !IsHandle(value) {
		return Handle{}, fmt.Errorf("not a secret handle: %s", value)
	}
	parts := strings.Split(strings.TrimPrefix(value, HandleScheme), "/")
	if len(parts) != 4 {
		return Handle{}, fmt.Errorf("malformed secret handle: %s", value)
	}
	for _, part := range parts {
		if part == "" {
			return Handle{}, fmt.Errorf("malformed secret handle: %s", value)
		}
	}
	return Handle{Backend: parts[0], Vault: parts[1], Deployment: parts[2], Name: parts[3]}, nil
}

// Resolver exchanges a handle for the secret material at the point of use.
// Adapters call it right before a CLI invocation needs the plaintext; the
// value must never be stored or logged.
type Resolver interface {
	Resolve(ctx context.Context, handle Handle) (string, error)
}

// KeyVaultResolver resolves handles against the key vault CLI.
type KeyVaultResolver struct {
	runner CommandRunner
}

// NewKeyVaultResolver creates a resolver sharing the adapters' runner.
func NewKeyVaultResolver(runner CommandRunner) *KeyVaultResolver {
	return &KeyVaultResolver{runner: runner}
}

// Resolve reads the secret value from the vault named in the handle.
func (r *KeyVaultResolver) Resolve(ctx context.Context, handle Handle) (string, error) {
	if handle.Backend != "keyvault" {
		return "", engine.NewConfigurationError(
			fmt.Sprintf("unsupported secret backend %q", handle.Backend), nil)
	}

	result, err := r.runner.Run(ctx, Command{Argv: []string{
		"az", "keyvault", "secret", "show",
		"--vault-name", handle.Vault,
		"--name", handle.VaultSecretName(),
		"--query", "value",
		"--output", "tsv",
	}})
	if err := classifyFailure("resolve secret", result, err); err != nil {
		return "", err
	}

	value := strings.TrimRight(result.Stdout, "\r\n")
	if value == "" {
		return "", engine.NewPermanentError(
			fmt.Sprintf("secret %s resolved to an empty value", handle.Name), nil,
		).WithCode(engine.ErrCodeNotFound)
	}
	return value, nil
}

// resolveValue passes plain values through and resolves handles. Adapters
// use it on config values that may be either.
func resolveValue(ctx context.Context, resolver Resolver, value string) (string, error) {
	if !IsHandle(value) {
		return value, nil
	}
	handle, err := ParseHandle(value)
	if err != nil {
		return "", engine.NewConfigurationError("invalid secret handle", err)
	}
	if resolver == nil {
		return "", engine.NewConfigurationError("no secret resolver configured", nil)
	}
	return resolver.Resolve(ctx, handle)
}

// generatePassword produces the random material for generated secrets.
func generatePassword(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret material: %w", err)
	}
	// URL-safe base64 keeps the value CLI-argument clean.
	return base64.RawURLEncoding.EncodeToString(raw)[:length], nil
}
