// Package security provides the cryptographic primitives and machine
// identity used by the license subsystem: sealing credentials at rest
// with AES-256-GCM under a scrypt-derived key, and the per-install
// identity that binds an activation to one machine.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	// sealVersion is embedded in every payload so the format can
	// evolve without breaking records written by older builds.
	sealVersion = 1

	// scrypt parameters. Interactive-grade: sealing happens once per
	// activation and once per refresh, never in a hot path.
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	saltSize = 32

	// integrityDomain separates the payload digest from any other
	// sha256 use in the process.
	integrityDomain = "COMPUTEHUB-SEAL-V1"
)

var (
	// ErrSealTampered reports a payload whose integrity digest or GCM
	// tag no longer matches its contents.
	ErrSealTampered = errors.New("sealed payload failed integrity check")

	// ErrSealVersion reports a payload written by an unknown format
	// version.
	ErrSealVersion = errors.New("unsupported sealed payload version")
)

// SealedPayload is the at-rest form of a sealed secret. All byte
// fields are raw; the store layer decides the envelope encoding.
type SealedPayload struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Integrity  []byte `json:"integrity"`
}

// Seal encrypts plaintext under a key derived from secret and a fresh
// random salt. The returned payload carries everything needed to open
// it again except the secret itself.
func Seal(plaintext, secret []byte) (*SealedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("nothing to seal")
	}
	if len(secret) == 0 {
		return nil, errors.New("empty sealing secret")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	key, err := deriveKey(secret, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	p := &SealedPayload{
		Version:    sealVersion,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}
	p.Integrity = integrityDigest(p)
	return p, nil
}

// Open reverses Seal. It verifies the payload digest before touching
// the cipher so truncated or edited records fail fast with
// ErrSealTampered rather than a bare GCM error.
func Open(p *SealedPayload, secret []byte) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil payload")
	}
	if p.Version != sealVersion {
		return nil, fmt.Errorf("%w: %d", ErrSealVersion, p.Version)
	}
	if subtle.ConstantTimeCompare(p.Integrity, integrityDigest(p)) != 1 {
		return nil, ErrSealTampered
	}

	key, err := deriveKey(secret, p.Salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if len(p.Nonce) != gcm.NonceSize() {
		return nil, ErrSealTampered
	}

	plaintext, err := gcm.Open(nil, p.Nonce, p.Ciphertext, nil)
	if err != nil {
		return nil, ErrSealTampered
	}
	return plaintext, nil
}

func deriveKey(secret, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(secret, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// integrityDigest binds version, salt, nonce and ciphertext together
// under a domain separator. The digest field itself is excluded.
func integrityDigest(p *SealedPayload) []byte {
	h := sha256.New()
	h.Write([]byte(integrityDomain))
	h.Write([]byte{byte(p.Version)})
	h.Write(p.Salt)
	h.Write(p.Nonce)
	h.Write(p.Ciphertext)
	return h.Sum(nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
