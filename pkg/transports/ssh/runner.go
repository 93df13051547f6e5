package ssh

import (
	"context"
	"io"
)

// RunnerTransport adapts a bastion Client to the runner client's Transport:
// the runner binary is uploaded over SFTP, started in a remote session, and
// cleaned up over SFTP if it did not self-delete.
type RunnerTransport struct {
	client  *Client
	cleanup func() error
}

// NewRunnerTransport wraps a connected client.
func NewRunnerTransport(client *Client) *RunnerTransport {
	return &RunnerTransport{client: client}
}

// Upload places the runner binary on the bastion, executable.
func (t *RunnerTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	return t.client.UploadFile(ctx, localPath, remotePath, 0o755)
}

// Start launches the runner and hands back its stdio.
func (t *RunnerTransport) Start(ctx context.Context, remotePath string) (io.WriteCloser, io.ReadCloser, error) {
	stdin, stdout, cleanup, err := t.client.StartSession(ctx, []string{remotePath})
	if err != nil {
		return nil, nil, err
	}
	t.cleanup = cleanup
	return stdin, stdout, nil
}

// Cleanup removes the runner binary and closes the session.
func (t *RunnerTransport) Cleanup(ctx context.Context, remotePath string) error {
	if t.cleanup != nil {
		_ = t.cleanup()
		t.cleanup = nil
	}
	return t.client.RemoveFile(ctx, remotePath)
}
