package adapters

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/opengrove/opengrove/pkg/engine"
)

func TestClassifyFailureCleanExit(t *testing.T) {
	if err := classifyFailure("op", &CommandResult{ExitCode: 0, Stdout: "done"}, nil); err != nil {
		t.Fatalf("clean exit classified as error: %v", err)
	}
	if err := classifyFailure("op", nil, nil); err != nil {
		t.Fatalf("nil result without error classified as error: %v", err)
	}
}

func TestClassifyFailureDeadline(t *testing.T) {
	err := classifyFailure("create cluster", nil, context.DeadlineExceeded)
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if engErr.Class != engine.ErrorClassTransient {
		t.Errorf("class = %s, want transient", engErr.Class)
	}
	if engErr.Code != engine.ErrCodeTimeout {
		t.Errorf("code = %s, want %s", engErr.Code, engine.ErrCodeTimeout)
	}
}

func TestClassifyFailureCanceledPassesThrough(t *testing.T) {
	err := classifyFailure("op", nil, context.Canceled)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled context rewrapped: %v", err)
	}
}

func TestClassifyFailureStderrPatterns(t *testing.T) {
	tests := []struct {
		name      string
		stderr    string
		wantClass engine.ErrorClass
		wantCode  string
		retryable bool
	}{
		{
			name:      "throttled",
			stderr:    "ERROR: (TooManyRequests) Rate limit is exceeded. Try again in 17 seconds.",
			wantClass: engine.ErrorClassThrottled,
			wantCode:  engine.ErrCodeRateLimited,
			retryable: true,
		},
		{
			name:      "throttled by status code",
			stderr:    "operation returned 429",
			wantClass: engine.ErrorClassThrottled,
			wantCode:  engine.ErrCodeRateLimited,
			retryable: true,
		},
		{
			name:      "transient network",
			stderr:    "read tcp 10.0.0.4:51234: connection reset by peer",
			wantClass: engine.ErrorClassTransient,
			wantCode:  engine.ErrCodeTimeout,
			retryable: true,
		},
		{
			name:      "transient service unavailable",
			stderr:    "ERROR: Service returned an error. Status=503 Code=ServiceUnavailable",
			wantClass: engine.ErrorClassTransient,
			wantCode:  engine.ErrCodeTimeout,
			retryable: true,
		},
		{
			name:      "rollout timed out",
			stderr:    "error: timed out waiting for the condition",
			wantClass: engine.ErrorClassTransient,
			wantCode:  engine.ErrCodeTimeout,
			retryable: true,
		},
		{
			name:      "authorization",
			stderr:    "ERROR: (AuthorizationFailed) The client does not have authorization to perform action",
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodePermissionDenied,
		},
		{
			name:      "expired credential",
			stderr:    "AADSTS700082: The refresh token has expired",
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodePermissionDenied,
		},
		{
			name:      "quota",
			stderr:    "ERROR: (QuotaExceeded) Operation could not be completed as it results in exceeding approved quota",
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeQuotaExceeded,
		},
		{
			name:      "not found",
			stderr:    "ERROR: (ResourceNotFound) The Resource 'Microsoft.Network/virtualNetworks/x' under resource group 'rg' was not found.",
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeNotFound,
		},
		{
			name:      "unknown failure",
			stderr:    "ERROR: something exploded in a new and exciting way",
			wantClass: engine.ErrorClassPermanent,
			wantCode:  engine.ErrCodeAdapterFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyFailure("create", &CommandResult{ExitCode: 1, Stderr: tt.stderr}, nil)
			var engErr *engine.EngineError
			if !errors.As(err, &engErr) {
				t.Fatalf("expected EngineError, got %T: %v", err, err)
			}
			if engErr.Class != tt.wantClass {
				t.Errorf("class = %s, want %s", engErr.Class, tt.wantClass)
			}
			if engErr.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", engErr.Code, tt.wantCode)
			}
			if got := engine.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestClassifyFailureFallsBackToStdout(t *testing.T) {
	err := classifyFailure("op", &CommandResult{ExitCode: 1, Stdout: "quota exhausted"}, nil)
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) {
		t.Fatalf("expected EngineError, got %T", err)
	}
	if engErr.Code != engine.ErrCodeQuotaExceeded {
		t.Errorf("code = %s, want %s", engErr.Code, engine.ErrCodeQuotaExceeded)
	}
}

func TestIsNotFound(t *testing.T) {
	notFound := classifyFailure("op", &CommandResult{ExitCode: 3, Stderr: "was not found"}, nil)
	if !isNotFound(notFound) {
		t.Error("classified not-found not recognized")
	}
	other := classifyFailure("op", &CommandResult{ExitCode: 1, Stderr: "boom"}, nil)
	if isNotFound(other) {
		t.Error("generic failure recognized as not-found")
	}
	if isNotFound(errors.New("plain")) {
		t.Error("plain error recognized as not-found")
	}
	if isNotFound(errMissingLocation("db")) {
		t.Error("missing-location error must not read as benign absence")
	}
}

func TestCondense(t *testing.T) {
	got := condense("\n\n  ERROR: first line  \nsecond line\n")
	if got != "ERROR: first line" {
		t.Errorf("condense = %q", got)
	}
	long := strings.Repeat("x", 400)
	if got := condense(long); len(got) != 303 || !strings.HasSuffix(got, "...") {
		t.Errorf("long line not truncated: len=%d", len(got))
	}
	if got := condense("   \n \n"); got != "(no output)" {
		t.Errorf("blank stderr: %q", got)
	}
}
