package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const contentKeySize = 32

// EncryptResult carries one hybrid-encrypted message ready for the wire.
//
// Body and Attachments are base64 nonce-prefixed AES-256-GCM blobs sealed
// under a single ephemeral content key. KeyForReceiver and KeyForSender are
// independent sealed boxes of that content key, so either party can later
// decrypt using only its own keypair.
type EncryptResult struct {
	Body           string
	KeyForReceiver string
	KeyForSender   string
	Attachments    []string
}

// Encrypt seals plaintext and attachment payloads under a fresh content key.
//
// The content key and every cipher nonce are freshly random per call; the
// key exists only for the duration of this function.
func Encrypt(plaintext string, attachmentPayloads []string, recipientPublic, senderPublic *[keySize]byte) (*EncryptResult, error) {
	contentKey := make([]byte, contentKeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, fmt.Errorf("generate content key: %w", err)
	}

	body, err := sealSymmetric(contentKey, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	encryptedAttachments := make([]string, 0, len(attachmentPayloads))
	for _, payload := range attachmentPayloads {
		sealed, err := sealSymmetric(contentKey, []byte(payload))
		if err != nil {
			return nil, err
		}
		encryptedAttachments = append(encryptedAttachments, sealed)
	}

	keyForReceiver, err := wrapContentKey(contentKey, recipientPublic)
	if err != nil {
		return nil, fmt.Errorf("wrap content key for receiver: %w", err)
	}
	keyForSender, err := wrapContentKey(contentKey, senderPublic)
	if err != nil {
		return nil, fmt.Errorf("wrap content key for sender: %w", err)
	}

	return &EncryptResult{
		Body:           body,
		KeyForReceiver: keyForReceiver,
		KeyForSender:   keyForSender,
		Attachments:    encryptedAttachments,
	}, nil
}

// Decrypt unwraps the content key with the local keypair and opens body and
// attachments. All failures surface as *DecryptError.
func Decrypt(body, wrappedKey string, keyPair *KeyPair, attachmentPayloads []string) (string, []string, error) {
	contentKey, err := unwrapContentKey(wrappedKey, keyPair)
	if err != nil {
		return "", nil, &DecryptError{Stage: StageUnwrapKey, Err: err}
	}

	plaintext, err := openSymmetric(contentKey, body)
	if err != nil {
		return "", nil, &DecryptError{Stage: StageBody, Err: err}
	}

	attachments := make([]string, 0, len(attachmentPayloads))
	for _, payload := range attachmentPayloads {
		opened, err := openSymmetric(contentKey, payload)
		if err != nil {
			return "", nil, &DecryptError{Stage: StageAttachment, Err: err}
		}
		attachments = append(attachments, string(opened))
	}

	return string(plaintext), attachments, nil
}

func wrapContentKey(contentKey []byte, publicKey *[keySize]byte) (string, error) {
	sealed, err := box.SealAnonymous(nil, contentKey, publicKey, rand.Reader)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func unwrapContentKey(wrappedKey string, keyPair *KeyPair) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}

	contentKey, ok := box.OpenAnonymous(nil, sealed, keyPair.PublicKey, keyPair.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("open wrapped key: authentication failed")
	}
	if len(contentKey) != contentKeySize {
		return nil, fmt.Errorf("open wrapped key: invalid content key size %d", len(contentKey))
	}

	return contentKey, nil
}

func sealSymmetric(contentKey, plaintext []byte) (string, error) {
	aead, err := newAEAD(contentKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	blob := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(blob), nil
}

func openSymmetric(contentKey []byte, encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	aead, err := newAEAD(contentKey)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}

	return plaintext, nil
}

func newAEAD(contentKey []byte) (cipher.AEAD, error) {
	if len(contentKey) != contentKeySize {
		return nil, fmt.Errorf("invalid content key length: got %d want %d", len(contentKey), contentKeySize)
	}

	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return aead, nil
}
