package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// UploadFile copies a local file to the bastion via SFTP and applies mode.
// Parent directories are created as needed.
func (c *Client) UploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open sftp: %w", err), IsTemporary: true}
	}
	defer client.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
		}
	}

	remote, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err)}
	}

	written, err := io.Copy(remote, local)
	closeErr := remote.Close()
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy: %w", err), IsTemporary: true}
	}
	if closeErr != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to finalize remote file: %w", closeErr), IsTemporary: true}
	}

	if err := client.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to chmod: %w", err)}
	}

	log.Debug().Str("remote", remotePath).Int64("bytes", written).Msg("uploaded file to bastion")
	return nil
}

// DownloadFile copies a remote file from the bastion to a local path.
func (c *Client) DownloadFile(ctx context.Context, remotePath, localPath string) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to open sftp: %w", err), IsTemporary: true}
	}
	defer client.Close()

	remote, err := client.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}

	_, err = io.Copy(local, remote)
	closeErr := local.Close()
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to copy: %w", err), IsTemporary: true}
	}
	if closeErr != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to finalize local file: %w", closeErr)}
	}

	log.Debug().Str("remote", remotePath).Str("local", localPath).Msg("downloaded file from bastion")
	return nil
}

// RemoveFile deletes a remote file. A file that is already gone is fine:
// the runner self-deletes on clean exits.
func (c *Client) RemoveFile(ctx context.Context, remotePath string) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return &TransportError{Op: "remove", Err: fmt.Errorf("failed to open sftp: %w", err), IsTemporary: true}
	}
	defer client.Close()

	if err := client.Remove(remotePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

// ChecksumRemote computes the SHA-256 of a remote file, used to verify
// uploaded binaries and downloaded snapshots.
func (c *Client) ChecksumRemote(ctx context.Context, remotePath string) (string, error) {
	conn, err := c.connection()
	if err != nil {
		return "", err
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("failed to open sftp: %w", err), IsTemporary: true}
	}
	defer client.Close()

	remote, err := client.Open(remotePath)
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("failed to open remote file: %w", err)}
	}
	defer remote.Close()

	h := sha256.New()
	if _, err := io.Copy(h, remote); err != nil {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("failed to read remote file: %w", err), IsTemporary: true}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
