package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func writeTestKey(t *testing.T) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal test key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("failed to write test key: %v", err)
	}
	return keyPath
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("bastion.internal", "deploy")

	if config.Host != "bastion.internal" {
		t.Errorf("Host = %s, want bastion.internal", config.Host)
	}
	if config.User != "deploy" {
		t.Errorf("User = %s, want deploy", config.User)
	}
	if config.Port != 22 {
		t.Errorf("Port = %d, want 22", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("AuthMethod = %s, want key", config.AuthMethod)
	}
	if config.ConnectTimeout != 30*time.Second {
		t.Errorf("ConnectTimeout = %v, want 30s", config.ConnectTimeout)
	}
	if !config.StrictHostKeyChecking {
		t.Error("Expected strict host key checking by default")
	}
}

func TestConfigValidate(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid key config",
			modify:  func(c *Config) { c.PrivateKeyPath = keyPath },
			wantErr: false,
		},
		{
			name: "valid password config",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = "secret"
			},
			wantErr: false,
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "invalid port",
			modify:  func(c *Config) { c.Port = 0; c.PrivateKeyPath = keyPath },
			wantErr: true,
		},
		{
			name:    "missing user",
			modify:  func(c *Config) { c.User = ""; c.PrivateKeyPath = keyPath },
			wantErr: true,
		},
		{
			name: "password auth without password",
			modify: func(c *Config) {
				c.AuthMethod = AuthMethodPassword
				c.Password = ""
			},
			wantErr: true,
		},
		{
			name:    "key auth with missing key file",
			modify:  func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" },
			wantErr: true,
		},
		{
			name:    "unknown auth method",
			modify:  func(c *Config) { c.AuthMethod = AuthMethod("agent") },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.ConnectTimeout = 0; c.PrivateKeyPath = keyPath },
			wantErr: true,
		},
		{
			name:    "zero command timeout",
			modify:  func(c *Config) { c.CommandTimeout = 0; c.PrivateKeyPath = keyPath },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("bastion.internal", "deploy")
			tt.modify(config)

			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("bastion.internal", "deploy")
	config.Port = 2222

	if got := config.Address(); got != "bastion.internal:2222" {
		t.Errorf("Address() = %s, want bastion.internal:2222", got)
	}
}

func TestBuildClientConfig_Password(t *testing.T) {
	config := DefaultConfig("bastion.internal", "deploy")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"
	config.StrictHostKeyChecking = false

	clientConfig, err := config.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig() error = %v", err)
	}

	if clientConfig.User != "deploy" {
		t.Errorf("User = %s, want deploy", clientConfig.User)
	}
	// Password plus keyboard-interactive fallback.
	if len(clientConfig.Auth) != 2 {
		t.Errorf("Auth methods = %d, want 2", len(clientConfig.Auth))
	}
	if clientConfig.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", clientConfig.Timeout)
	}
}

func TestBuildClientConfig_Key(t *testing.T) {
	config := DefaultConfig("bastion.internal", "deploy")
	config.PrivateKeyPath = writeTestKey(t)
	config.StrictHostKeyChecking = false

	clientConfig, err := config.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig() error = %v", err)
	}
	if len(clientConfig.Auth) != 1 {
		t.Errorf("Auth methods = %d, want 1", len(clientConfig.Auth))
	}
}

func TestBuildClientConfig_MissingKnownHosts(t *testing.T) {
	config := DefaultConfig("bastion.internal", "deploy")
	config.PrivateKeyPath = writeTestKey(t)
	config.KnownHostsPath = filepath.Join(t.TempDir(), "absent_known_hosts")
	config.StrictHostKeyChecking = true

	if _, err := config.BuildClientConfig(); err == nil {
		t.Error("Expected error when known_hosts is missing under strict checking")
	}
}
