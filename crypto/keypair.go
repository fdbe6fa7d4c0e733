package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/box"
)

const (
	x25519PrivatePEMType = "X25519 PRIVATE KEY"
	x25519PublicPEMType  = "X25519 PUBLIC KEY"

	keySize = 32
)

// KeyPair holds the local X25519 identity used to unwrap content keys.
type KeyPair struct {
	PublicKey  *[keySize]byte
	PrivateKey *[keySize]byte
}

// GenerateKeyPair creates a new X25519 keypair for NaCl sealed boxes.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate X25519 keypair: %w", err)
	}
	return &KeyPair{PublicKey: publicKey, PrivateKey: privateKey}, nil
}

// EnsureKeyPair loads an identity keypair from disk, generating it on first run.
func EnsureKeyPair(privatePath, publicPath string) (*KeyPair, error) {
	keyPair, err := LoadKeyPair(privatePath, publicPath)
	if err == nil {
		return keyPair, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	keyPair, err = GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKeyPair(privatePath, publicPath, keyPair); err != nil {
		return nil, err
	}

	return keyPair, nil
}

// LoadKeyPair reads both keypair halves from PEM files.
func LoadKeyPair(privatePath, publicPath string) (*KeyPair, error) {
	privateKey, err := loadKey(privatePath, x25519PrivatePEMType)
	if err != nil {
		return nil, err
	}
	publicKey, err := loadKey(publicPath, x25519PublicPEMType)
	if err != nil {
		return nil, err
	}
	return &KeyPair{PublicKey: publicKey, PrivateKey: privateKey}, nil
}

// SaveKeyPair writes both keypair halves, the private key with 0600 permissions.
func SaveKeyPair(privatePath, publicPath string, keyPair *KeyPair) error {
	if err := saveKey(privatePath, x25519PrivatePEMType, keyPair.PrivateKey, 0o600); err != nil {
		return err
	}
	return saveKey(publicPath, x25519PublicPEMType, keyPair.PublicKey, 0o644)
}

func loadKey(path, pemType string) (*[keySize]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(pemType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s PEM: no PEM block", strings.ToLower(pemType))
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("decode %s PEM: unexpected type %q", strings.ToLower(pemType), block.Type)
	}
	if len(block.Bytes) != keySize {
		return nil, fmt.Errorf("decode %s PEM: invalid key size %d", strings.ToLower(pemType), len(block.Bytes))
	}

	key := new([keySize]byte)
	copy(key[:], block.Bytes)
	return key, nil
}

func saveKey(path, pemType string, key *[keySize]byte, mode os.FileMode) error {
	block := &pem.Block{
		Type:  pemType,
		Bytes: key[:],
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), mode); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(pemType), err)
	}
	return nil
}

// EncodePublicKey returns the base64 wire form of a public key.
func EncodePublicKey(publicKey *[keySize]byte) string {
	return base64.StdEncoding.EncodeToString(publicKey[:])
}

// DecodePublicKey parses a base64 wire-form public key.
func DecodePublicKey(encoded string) (*[keySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("decode public key: invalid key size %d", len(raw))
	}

	key := new([keySize]byte)
	copy(key[:], raw)
	return key, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey *[keySize]byte) string {
	sum := sha256.Sum256(publicKey[:])
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
