package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	apperrors "ciflow/pkg/errors"

	"golang.org/x/crypto/hkdf"
)

// versionPrefix marks AES-256-GCM ciphertext with a random nonce.
// Values without it are legacy AES-256-CBC with a zero IV.
const versionPrefix = "v2:"

const hkdfInfo = "ciflow/vault/v2"

// Vault encrypts access tokens and webhook secrets with a key derived from one secret
type Vault struct {
	key       []byte
	legacyKey []byte
}

// NewVault derives the vault keys from secret
func NewVault(secret string) (*Vault, error) {
	if secret == "" {
		return nil, apperrors.New(apperrors.ErrCrypto, "crypto.NewVault", "empty encryption secret")
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCrypto, "crypto.NewVault", err)
	}

	legacy := sha256.Sum256([]byte(secret))
	return &Vault{key: key, legacyKey: legacy[:]}, nil
}

// Encrypt seals plaintext, returning "v2:" + hex(nonce || ciphertext)
func (v *Vault) Encrypt(plaintext string) (string, error) {
	gcm, err := newGCM(v.key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.Encrypt", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.Encrypt", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return versionPrefix + hex.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt, or a legacy fixed-IV value
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if strings.HasPrefix(ciphertext, versionPrefix) {
		return v.decryptGCM(strings.TrimPrefix(ciphertext, versionPrefix))
	}
	return v.decryptLegacy(ciphertext)
}

// NeedsRotation reports whether ciphertext uses the legacy scheme
func (v *Vault) NeedsRotation(ciphertext string) bool {
	return !strings.HasPrefix(ciphertext, versionPrefix)
}

func (v *Vault) decryptGCM(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.Decrypt", err)
	}

	gcm, err := newGCM(v.key)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.Decrypt", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize+gcm.Overhead() {
		return "", apperrors.New(apperrors.ErrCrypto, "crypto.Decrypt", "ciphertext too short")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.Decrypt", err)
	}
	return string(plaintext), nil
}

func (v *Vault) decryptLegacy(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.Decrypt", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", apperrors.New(apperrors.ErrCrypto, "crypto.Decrypt", "legacy ciphertext is not block aligned")
	}

	block, err := aes.NewCipher(v.legacyKey)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.Decrypt", err)
	}

	iv := make([]byte, aes.BlockSize)
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, raw)

	plaintext, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.Decrypt", err)
	}
	return string(plaintext), nil
}

// EncryptLegacy produces the fixed-IV format. Only used to build migration fixtures.
func (v *Vault) EncryptLegacy(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.legacyKey)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCrypto, "crypto.EncryptLegacy", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}

// Encrypt is the function form of Vault.Encrypt for callers holding only the secret
func Encrypt(plaintext, secret string) (string, error) {
	v, err := NewVault(secret)
	if err != nil {
		return "", err
	}
	return v.Encrypt(plaintext)
}

// Decrypt is the function form of Vault.Decrypt
func Decrypt(ciphertext, secret string) (string, error) {
	v, err := NewVault(secret)
	if err != nil {
		return "", err
	}
	return v.Decrypt(ciphertext)
}
