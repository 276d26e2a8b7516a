package service

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	vaultSaltSize = 16
	vaultKeySize  = 32 // AES-256
	scryptR       = 8
	scryptP       = 1
)

// ScryptVault implements ports.Vault. Each ciphertext carries its own salt;
// the key is derived from the passphrase with scrypt and sealed with
// AES-256-GCM. Output is hex: salt(16) + nonce(12) + ciphertext.
type ScryptVault struct {
	n int
}

// NewScryptVault creates a vault with scrypt cost parameter n (a power of two).
func NewScryptVault(n int) (*ScryptVault, error) {
	if n < 2 || n&(n-1) != 0 {
		return nil, fmt.Errorf("scrypt N must be a power of two > 1, got %d", n)
	}
	return &ScryptVault{n: n}, nil
}

func (v *ScryptVault) gcm(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, v.n, scryptR, scryptP, vaultKeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return aesGCM, nil
}

// Encrypt seals plaintext under passphrase.
func (v *ScryptVault) Encrypt(plaintext, passphrase string) (string, error) {
	if passphrase == "" {
		return "", fmt.Errorf("passphrase is empty")
	}

	salt := make([]byte, vaultSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	aesGCM, err := v.gcm(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	out := append(salt, nonce...)
	out = aesGCM.Seal(out, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(out), nil
}

// Decrypt opens a hex ciphertext produced by Encrypt. A wrong passphrase
// fails authentication.
func (v *ScryptVault) Decrypt(ciphertextHex, passphrase string) (string, error) {
	raw, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(raw) < vaultSaltSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	salt, rest := raw[:vaultSaltSize], raw[vaultSaltSize:]
	aesGCM, err := v.gcm(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(rest) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := rest[:nonceSize], rest[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}

	return string(plaintext), nil
}
