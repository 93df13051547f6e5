package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opengrove/opengrove/pkg/runner/protocol"
)

// FileWriteHandler writes files on the runner host. The orchestrator uses it
// to stage rendered manifests and supporting files next to the CLIs that
// consume them.
type FileWriteHandler struct{}

// Handle writes the content, creating parent directories as needed.
func (h *FileWriteHandler) Handle(ctx context.Context, params *protocol.FileWriteParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileWriteResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	mode := os.FileMode(0o644)
	if params.Mode != "" {
		parsed, err := strconv.ParseUint(params.Mode, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode %q: %w", params.Mode, err)
		}
		mode = os.FileMode(parsed)
	}

	_, statErr := os.Stat(params.Path)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(params.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory: %w", err)
	}
	if err := os.WriteFile(params.Path, []byte(params.Content), mode); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	sum := sha256.Sum256([]byte(params.Content))
	return &protocol.FileWriteResult{
		BytesWritten: int64(len(params.Content)),
		Created:      created,
		Checksum:     hex.EncodeToString(sum[:]),
	}, nil
}

// FileReadHandler reads files from the runner host, used to pull CLI-generated
// artifacts (kubeconfigs, exported state snapshots) back to the orchestrator.
type FileReadHandler struct{}

// Handle reads the file. When MaxBytes truncates the content, the checksum
// still covers the full file so the caller can detect the partial read.
func (h *FileReadHandler) Handle(ctx context.Context, params *protocol.FileReadParams, eventCh chan<- *protocol.EventMessage) (*protocol.FileReadResult, error) {
	if params.Path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(params.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	sum := sha256.Sum256(data)
	result := &protocol.FileReadResult{
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}

	if params.MaxBytes > 0 && int64(len(data)) > params.MaxBytes {
		result.Content = string(data[:params.MaxBytes])
		result.Truncated = true
	} else {
		result.Content = string(data)
	}

	return result, nil
}
