package wasmhost

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func validManifest() Manifest {
	return Manifest{
		Name:         "harbor-registry",
		Version:      "1.2.0",
		Author:       "Platform Team",
		License:      "Apache-2.0",
		Description:  "Registry adapter backed by Harbor",
		Kind:         "registry",
		Entrypoint:   "adapter.wasm",
		Checksum:     checksumOf([]byte("fake module")),
		Capabilities: []string{"net:outbound", "fs:temp"},
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	manifestYAML := `
name: harbor-registry
version: 1.2.0
author: Platform Team
license: Apache-2.0
description: Registry adapter backed by Harbor
kind: registry
entrypoint: adapter.wasm
checksum: ` + checksumOf([]byte("fake module")) + `
capabilities:
  - net:outbound
  - exec:cli
`
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, []byte(manifestYAML), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.Name != "harbor-registry" || m.Version != "1.2.0" {
		t.Errorf("parsed %+v", m)
	}
	if m.Key() != "harbor-registry@1.2.0" {
		t.Errorf("Key() = %q", m.Key())
	}
	if got, want := m.ModulePath(), filepath.Join(dir, "adapter.wasm"); got != want {
		t.Errorf("ModulePath() = %q, want %q", got, want)
	}
	if len(m.Capabilities) != 2 {
		t.Errorf("capabilities = %v", m.Capabilities)
	}
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{"valid", func(m *Manifest) {}, ""},
		{"missing name", func(m *Manifest) { m.Name = "" }, "name"},
		{"missing version", func(m *Manifest) { m.Version = "" }, "version"},
		{"missing kind", func(m *Manifest) { m.Kind = "" }, "kind"},
		{"unknown kind", func(m *Manifest) { m.Kind = "mainframe" }, "invalid resource kind"},
		{"missing entrypoint", func(m *Manifest) { m.Entrypoint = "" }, "entrypoint"},
		{"missing checksum", func(m *Manifest) { m.Checksum = "" }, "checksum"},
		{"short checksum", func(m *Manifest) { m.Checksum = "abc123" }, "hex SHA-256"},
		{"unknown capability", func(m *Manifest) { m.Capabilities = []string{"kernel:load"} }, "unknown capability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestManifestVerifyChecksum(t *testing.T) {
	m := validManifest()
	if err := m.VerifyChecksum([]byte("fake module")); err != nil {
		t.Fatalf("matching checksum rejected: %v", err)
	}
	if err := m.VerifyChecksum([]byte("tampered module")); err == nil {
		t.Fatal("tampered module accepted")
	}
}

func TestManifestModulePathAbsolute(t *testing.T) {
	m := validManifest()
	m.Entrypoint = "/opt/grove/plugins/harbor/adapter.wasm"
	m.Path = "/somewhere/else/manifest.yaml"
	if got := m.ModulePath(); got != "/opt/grove/plugins/harbor/adapter.wasm" {
		t.Errorf("ModulePath() = %q", got)
	}
}
