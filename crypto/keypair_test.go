package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEnsureKeyPairGeneratesThenLoads(t *testing.T) {
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "x25519_private.pem")
	publicPath := filepath.Join(dir, "x25519_public.pem")

	first, err := EnsureKeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("first EnsureKeyPair failed: %v", err)
	}

	second, err := EnsureKeyPair(privatePath, publicPath)
	if err != nil {
		t.Fatalf("second EnsureKeyPair failed: %v", err)
	}

	if !bytes.Equal(first.PrivateKey[:], second.PrivateKey[:]) {
		t.Fatalf("expected stable private key across loads")
	}
	if !bytes.Equal(first.PublicKey[:], second.PublicKey[:]) {
		t.Fatalf("expected stable public key across loads")
	}
}

func TestPublicKeyWireEncoding(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	encoded := EncodePublicKey(keyPair.PublicKey)
	decoded, err := DecodePublicKey(encoded)
	if err != nil {
		t.Fatalf("DecodePublicKey failed: %v", err)
	}
	if !bytes.Equal(decoded[:], keyPair.PublicKey[:]) {
		t.Fatalf("decoded public key does not match original")
	}

	if _, err := DecodePublicKey("dG9vIHNob3J0"); err == nil {
		t.Fatalf("expected error for wrong-size key")
	}
}

func TestFormatFingerprint(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	fingerprint := KeyFingerprint(keyPair.PublicKey)
	if len(fingerprint) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(fingerprint))
	}

	formatted := FormatFingerprint(fingerprint)
	if len(formatted) != 32+7 {
		t.Fatalf("expected grouped fingerprint, got %q", formatted)
	}
}
