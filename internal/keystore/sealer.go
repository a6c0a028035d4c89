// Package keystore derives the at-rest sealing key for stored mailbox records.
package keystore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = chacha20poly1305.KeySize
	saltSize       = 16
	nonceSize      = chacha20poly1305.NonceSizeX
)

// checkToken is sealed into the key file so a wrong passphrase is detected at unlock.
var checkToken = []byte("chatty-mailbox-seal")

var (
	ErrLocked         = errors.New("sealer is locked")
	ErrAlreadyExists  = errors.New("seal key file already exists")
	ErrNotInitialized = errors.New("seal key file not initialized")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted seal key file")
	ErrSealedTooShort = errors.New("sealed record too short")
)

type keyFile struct {
	Version int    `json:"version"`
	Salt    string `json:"salt"`
	Nonce   string `json:"nonce"`
	Check   string `json:"check"`
}

// Sealer encrypts records with XChaCha20-Poly1305 under an Argon2id-derived key.
type Sealer struct {
	path string
	mu   sync.RWMutex
	aead cipher.AEAD
}

// NewSealer constructs a locked sealer backed by the key file at path.
func NewSealer(path string) *Sealer {
	return &Sealer{path: path}
}

// Path returns the backing key file path.
func (s *Sealer) Path() string {
	return s.path
}

// Initialize creates the key file with a fresh salt and unlocks the sealer.
func (s *Sealer) Initialize(ctx context.Context, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if _, err := os.Stat(s.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create seal key directory: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	aead, err := deriveAEAD(passphrase, salt)
	if err != nil {
		return err
	}
	nonce, check, err := seal(aead, checkToken)
	if err != nil {
		return err
	}

	serialized, err := json.MarshalIndent(keyFile{
		Version: currentVersion,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Check:   base64.StdEncoding.EncodeToString(check),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode seal key file: %w", err)
	}
	if err := os.WriteFile(s.path, serialized, 0o600); err != nil {
		return fmt.Errorf("persist seal key file: %w", err)
	}

	s.aead = aead
	return ctx.Err()
}

// Unlock reads the key file and derives the sealing key from passphrase.
func (s *Sealer) Unlock(ctx context.Context, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read seal key file: %w", err)
	}

	var file keyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode seal key file: %w", ErrCorruptFile)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported seal key file version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil || len(salt) != saltSize {
		return fmt.Errorf("decode salt: %w", ErrCorruptFile)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return fmt.Errorf("decode nonce: %w", ErrCorruptFile)
	}
	check, err := base64.StdEncoding.DecodeString(file.Check)
	if err != nil {
		return fmt.Errorf("decode check: %w", ErrCorruptFile)
	}

	aead, err := deriveAEAD(passphrase, salt)
	if err != nil {
		return err
	}
	plain, err := aead.Open(nil, nonce, check, nil)
	if err != nil || string(plain) != string(checkToken) {
		return ErrInvalidPass
	}

	s.aead = aead
	return ctx.Err()
}

// OpenOrInitialize unlocks an existing key file or creates one.
func (s *Sealer) OpenOrInitialize(ctx context.Context, passphrase string) (created bool, err error) {
	err = s.Unlock(ctx, passphrase)
	if errors.Is(err, ErrNotInitialized) {
		if err := s.Initialize(ctx, passphrase); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, err
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aead == nil {
		return nil, ErrLocked
	}
	nonce, ct, err := seal(s.aead, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aead == nil {
		return nil, ErrLocked
	}
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	plain, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed record: %w", err)
	}
	return plain, nil
}

func deriveAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
	defer zeroBytes(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}

func seal(aead cipher.AEAD, plaintext []byte) ([]byte, []byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
