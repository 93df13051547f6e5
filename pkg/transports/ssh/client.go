package ssh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// TransportError wraps a transport failure with the failed operation and
// retry guidance for the caller's error classification.
type TransportError struct {
	// Op is the operation that failed: connect, exec, upload, download.
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary marks failures that may clear on retry.
	IsTemporary bool

	// IsAuthError marks authentication and host key failures.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure may clear on retry.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client is an SSH connection to the bastion host. One client serves command
// execution, runner sessions, and SFTP transfers; all of them open their own
// sessions or channels on the shared connection.
type Client struct {
	config *Config

	mu          sync.RWMutex
	conn        *ssh.Client
	connectedAt time.Time
	lastUsedAt  time.Time
	stopKeep    chan struct{}
}

// NewClient validates the configuration and returns an unconnected client.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Connect dials the bastion. Calling Connect on a live connection verifies
// it and returns without redialing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := c.healthCheckLocked(); err == nil {
			return nil
		}
		log.Warn().Str("host", c.config.Host).Msg("bastion connection is dead, reconnecting")
		_ = c.conn.Close()
		c.conn = nil
	}

	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := c.config.Address()
	log.Debug().Str("address", address).Msg("dialing bastion")

	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errCh <- err
			return
		}
		connCh <- conn
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case err := <-errCh:
		return &TransportError{Op: "connect", Err: err, IsTemporary: true}
	case conn := <-connCh:
		c.conn = conn
		c.connectedAt = time.Now()
		c.lastUsedAt = time.Now()
		if c.config.KeepAliveInterval > 0 {
			c.stopKeep = make(chan struct{})
			go c.keepAlive(c.stopKeep)
		}
		log.Info().Str("address", address).Msg("bastion connection established")
		return nil
	}
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}

	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// IsConnected reports whether a connection is established.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// HealthCheck verifies the connection answers.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.conn == nil {
		return &TransportError{Op: "healthcheck", Err: fmt.Errorf("not connected")}
	}
	return c.healthCheckLocked()
}

func (c *Client) healthCheckLocked() error {
	session, err := c.conn.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

func (c *Client) keepAlive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
		if err != nil {
			failures++
			log.Warn().Err(err).Int("failures", failures).Msg("bastion keep-alive failed")
			if failures >= 3 {
				log.Error().Str("host", c.config.Host).Msg("bastion connection presumed dead")
				return
			}
			continue
		}
		failures = 0

		c.mu.Lock()
		c.lastUsedAt = time.Now()
		c.mu.Unlock()
	}
}

// connection returns the live connection or a typed error.
func (c *Client) connection() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	c.lastUsedAt = time.Now()
	return c.conn, nil
}
