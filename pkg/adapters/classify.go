package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opengrove/opengrove/pkg/engine"
)

// classifyFailure turns a failed CLI invocation into a classified engine
// error. The CLIs surface API failures as exit codes plus stderr text, so
// classification is pattern-based: throttling and network failures retry,
// authorization and quota failures do not.
func classifyFailure(op string, result *CommandResult, err error) error {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return engine.NewTransientError(op+" timed out", err).WithCode(engine.ErrCodeTimeout)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return engine.NewTransientError(op+" could not run", err).WithCode(engine.ErrCodeAdapterFailed)
	}

	if result == nil || result.ExitCode == 0 {
		return nil
	}

	stderr := result.Stderr
	if stderr == "" {
		stderr = result.Stdout
	}
	detail := fmt.Errorf("%s exited %d: %s", op, result.ExitCode, condense(stderr))

	switch {
	case matchesAny(stderr, "TooManyRequests", "429", "throttl", "rate limit", "RetryAfter"):
		return engine.NewThrottledError(op+" was throttled", detail).WithCode(engine.ErrCodeRateLimited)

	case matchesAny(stderr, "timed out", "timeout", "connection reset", "connection refused",
		"TLS handshake", "temporarily unavailable", "ServiceUnavailable", "(503)"):
		return engine.NewTransientError(op+" hit a transient failure", detail).WithCode(engine.ErrCodeTimeout)

	case matchesAny(stderr, "AuthorizationFailed", "Forbidden", "(403)", "(401)", "unauthorized",
		"credential", "AADSTS", "permission"):
		return engine.NewPermanentError(op+" was denied", detail).WithCode(engine.ErrCodePermissionDenied)

	case matchesAny(stderr, "QuotaExceeded", "quota", "exceeding approved", "LimitExceeded"):
		return engine.NewPermanentError(op+" exceeded quota", detail).WithCode(engine.ErrCodeQuotaExceeded)

	case matchesAny(stderr, "NotFound", "not found", "could not be found", "does not exist"):
		return engine.NewPermanentError(op+" target not found", detail).WithCode(engine.ErrCodeNotFound)

	default:
		return engine.NewPermanentError(op+" failed", detail).WithCode(engine.ErrCodeAdapterFailed)
	}
}

// isNotFound reports whether the error is the classified not-found case.
// Delete paths use it: deleting what is already gone is success.
func isNotFound(err error) bool {
	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		return engErr.Code == engine.ErrCodeNotFound
	}
	return false
}

func matchesAny(s string, needles ...string) bool {
	lower := strings.ToLower(s)
	for _, needle := range needles {
		if strings.Contains(lower, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}

// condense collapses CLI stderr to its first meaningful line so state
// records and events stay readable.
func condense(s string) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > 300 {
			return line[:300] + "..."
		}
		return line
	}
	return "(no output)"
}
