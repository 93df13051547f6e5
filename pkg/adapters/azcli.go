package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opengrove/opengrove/pkg/engine"
)

// cli wraps a CommandRunner with the run-and-parse plumbing the CLI
// adapters share.
type cli struct {
	runner CommandRunner
}

// run executes the command and classifies a non-zero exit.
func (c cli) run(ctx context.Context, op string, cmd Command) (*CommandResult, error) {
	result, err := c.runner.Run(ctx, cmd)
	if cerr := classifyFailure(op, result, err); cerr != nil {
		return nil, cerr
	}
	return result, nil
}

// runJSON executes the command and decodes its stdout as a JSON object.
func (c cli) runJSON(ctx context.Context, op string, cmd Command) (map[string]interface{}, error) {
	result, err := c.run(ctx, op, cmd)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(result.Stdout)
	if trimmed == "" {
		return map[string]interface{}{}, nil
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("%s returned unparseable output", op), err,
		).WithCode(engine.ErrCodeAdapterFailed)
	}
	return parsed, nil
}

// jsonString walks nested JSON objects and returns the string at the path,
// or "" when any step is missing.
func jsonString(m map[string]interface{}, path ...string) string {
	current := m
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return ""
		}
		if i == len(path)-1 {
			switch v := value.(type) {
			case string:
				return v
			case float64:
				return strings.TrimSuffix(fmt.Sprintf("%v", v), ".0")
			case bool:
				return fmt.Sprintf("%t", v)
			default:
				return ""
			}
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return ""
		}
		current = next
	}
	return ""
}

// jsonNumber walks nested JSON objects and returns the number at the path.
func jsonNumber(m map[string]interface{}, path ...string) (float64, bool) {
	current := m
	for i, key := range path {
		value, ok := current[key]
		if !ok {
			return 0, false
		}
		if i == len(path)-1 {
			n, ok := value.(float64)
			return n, ok
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return 0, false
		}
		current = next
	}
	return 0, false
}

// configValue reads a config key with a default.
func configValue(config map[string]string, key, fallback string) string {
	if v, ok := config[key]; ok && v != "" {
		return v
	}
	return fallback
}

// requireConfig reads a mandatory config key.
func requireConfig(config map[string]string, key, resourceID string) (string, error) {
	v, ok := config[key]
	if !ok || v == "" {
		return "", engine.NewConfigurationError(
			fmt.Sprintf("config key %q is required", key), nil,
		).WithResource(resourceID).WithCode(engine.ErrCodeValidation)
	}
	return v, nil
}

// errMissingLocation reports a delete request whose recorded outputs no
// longer say where the resource lives. This happens when creation was
// interrupted before any outputs were persisted; the external resource,
// if it exists at all, has to be removed by hand.
func errMissingLocation(resourceID string) error {
	return engine.NewPermanentError(
		"recorded outputs carry no resource_group; remove the resource manually and retry",
		nil,
	).WithResource(resourceID).WithCode(engine.ErrCodeAdapterFailed)
}

// sanitizeName strips everything but lowercase alphanumerics, for CLIs
// whose resource names reject dashes and underscores.
func sanitizeName(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
