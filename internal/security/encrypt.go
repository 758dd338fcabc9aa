package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/fernet/fernet-go"
)

// Encryptor provides symmetric encryption for message text at rest using
// AES-256-GCM. The nonce is prepended to the ciphertext.
//
// Rows written under a previous Fernet key stay readable: Decrypt falls back
// to every configured Fernet key when the GCM open fails. New rows are always
// sealed with GCM.
type Encryptor struct {
	aead       cipher.AEAD
	fernetKeys []*fernet.Key
}

func NewEncryptor(key []byte, legacyKeys ...string) (*Encryptor, error) {
	// Derive a fixed-size key so arbitrary-length secrets can be used.
	if len(key) == 0 {
		return nil, errors.New("encryption key must not be empty")
	}
	sum := sha256.Sum256(key)
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	var fks []*fernet.Key
	for _, raw := range append([]string{string(key)}, legacyKeys...) {
		if fk := parseFernetKey(raw); fk != nil {
			fks = append(fks, fk)
		}
	}
	return &Encryptor{aead: aead, fernetKeys: fks}, nil
}

// parseFernetKey returns nil for anything that is not a base64 Fernet key.
func parseFernetKey(raw string) *fernet.Key {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	k, err := fernet.DecodeKey(trimmed)
	if err != nil {
		return nil
	}
	return k
}

func (e *Encryptor) Encrypt(plain string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := e.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (e *Encryptor) Decrypt(enc string) (string, error) {
	if raw, err := base64.StdEncoding.DecodeString(enc); err == nil && len(raw) >= e.aead.NonceSize() {
		nonce := raw[:e.aead.NonceSize()]
		if plain, err := e.aead.Open(nil, nonce, raw[e.aead.NonceSize():], nil); err == nil {
			return string(plain), nil
		}
	}

	if len(e.fernetKeys) > 0 {
		// ttl 0 disables the token age check.
		if plain := fernet.VerifyAndDecrypt([]byte(enc), 0, e.fernetKeys); plain != nil {
			return string(plain), nil
		}
	}
	return "", errors.New("failed to decrypt message payload")
}
