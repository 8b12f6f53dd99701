package usecases

import (
	"bytes"
	"crypto/subtle"
	"encoding/hex"
	"sync"

	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/pkg/crypto"
)

const masterKeyHexLen = crypto.KeySize * 2

// MasterKeyManager holds the root key that wraps every data key. It lives for the
// process lifetime and is never persisted.
type MasterKeyManager struct {
	mu  sync.RWMutex
	key []byte
}

// NewMasterKeyManager parses the configured hex key. Format errors fail here;
// callers run ValidateMasterKey at startup to also reject insecure keys.
func NewMasterKeyManager(masterKeyHex string) (*MasterKeyManager, error) {
	key, err := parseMasterKey(masterKeyHex)
	if err != nil {
		return nil, err
	}
	return &MasterKeyManager{key: key}, nil
}

func parseMasterKey(masterKeyHex string) ([]byte, error) {
	if masterKeyHex == "" {
		return nil, domainerrors.MasterKeyError("master key is not configured", nil)
	}
	if len(masterKeyHex) != masterKeyHexLen {
		return nil, domainerrors.MasterKeyError("master key must be exactly 64 hex characters", nil)
	}
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, domainerrors.MasterKeyError("master key is not valid hex", err)
	}
	return key, nil
}

func isZero(b []byte) bool {
	return subtle.ConstantTimeCompare(b, make([]byte, len(b))) == 1
}

// GetMasterKey returns a copy of the 32-byte key.
func (m *MasterKeyManager) GetMasterKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.key) != crypto.KeySize {
		return nil, domainerrors.MasterKeyError("master key is not loaded", nil)
	}
	return bytes.Clone(m.key), nil
}

// ValidateMasterKey reports whether the loaded key has the right size and is not all zeros.
func (m *MasterKeyManager) ValidateMasterKey() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.key) == crypto.KeySize && !isZero(m.key)
}

// RotateMasterKey swaps in a new key. Data keys wrapped under the previous key are
// not re-wrapped here; that migration belongs to the operator.
func (m *MasterKeyManager) RotateMasterKey(newKeyHex string) error {
	next, err := parseMasterKey(newKeyHex)
	if err != nil {
		return err
	}
	if isZero(next) {
		return domainerrors.MasterKeyError("master key must not be all zeros", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if subtle.ConstantTimeCompare(next, m.key) == 1 {
		return domainerrors.MasterKeyError("new master key must differ from the current key", nil)
	}
	m.key = next
	return nil
}

// DeriveSubKey derives a purpose-bound key from the master key with HKDF-SHA256.
func (m *MasterKeyManager) DeriveSubKey(info string) ([]byte, error) {
	key, err := m.GetMasterKey()
	if err != nil {
		return nil, err
	}
	sub, err := crypto.DeriveKey(key, nil, info, crypto.KeySize)
	if err != nil {
		return nil, domainerrors.MasterKeyError("failed to derive sub key", err)
	}
	return sub, nil
}

// GenerateMasterKey returns a fresh random master key as hex.
func GenerateMasterKey() (string, error) {
	key, err := crypto.GenerateKey(crypto.KeySize)
	if err != nil {
		return "", domainerrors.MasterKeyError("failed to generate master key", err)
	}
	return hex.EncodeToString(key), nil
}
