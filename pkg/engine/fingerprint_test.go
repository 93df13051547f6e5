package engine

import "testing"

func TestFingerprint_StableAcrossCalls(t *testing.T) {
	config := map[string]string{
		"region": "westeurope",
		"tier":   "standard",
		"cidr":   "10.0.0.0/16",
	}

	a := Fingerprint(KindNetwork, config)
	b := Fingerprint(KindNetwork, map[string]string{
		"cidr":   "10.0.0.0/16",
		"tier":   "standard",
		"region": "westeurope",
	})

	if a != b {
		t.Errorf("Expected equal fingerprints, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("Expected 64 hex characters, got %d", len(a))
	}
}

func TestFingerprint_ChangesWithConfig(t *testing.T) {
	base := Fingerprint(KindDatabase, map[string]string{"tier": "small"})

	if got := Fingerprint(KindDatabase, map[string]string{"tier": "large"}); got == base {
		t.Error("Expected fingerprint to change with a value change")
	}
	if got := Fingerprint(KindDatabase, map[string]string{"tier": "small", "ha": "true"}); got == base {
		t.Error("Expected fingerprint to change with an added key")
	}
}

func TestFingerprint_ChangesWithKind(t *testing.T) {
	config := map[string]string{"name": "shared"}

	if Fingerprint(KindDatabase, config) == Fingerprint(KindNetwork, config) {
		t.Error("Expected different kinds to produce different fingerprints")
	}
}

func TestFingerprint_EmptyConfig(t *testing.T) {
	a := Fingerprint(KindNetwork, nil)
	b := Fingerprint(KindNetwork, map[string]string{})

	if a != b {
		t.Errorf("Expected nil and empty config to match, got %s and %s", a, b)
	}
}
