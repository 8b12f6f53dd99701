package usecases

import (
	"context"

	"kms-core.backend/internal/domain/entities"
	"kms-core.backend/pkg/crypto"
)

// KeyRotator performs a full rotation: the replacement version is created and the
// old key is deprecated.
type KeyRotator interface {
	RotateKey(ctx context.Context, keyID, tenantID string) (*entities.KeyMetadata, error)
}

// DataReEncryptor moves application ciphertext from one key to another. Without an
// error, Failed counts the reference's rows that did not move. With an error, only
// Succeeded is trusted and every other row of the reference counts as failed.
type DataReEncryptor interface {
	ReEncrypt(ctx context.Context, tenantID, oldKeyID, newKeyID string, ref entities.DataReference) (entities.ReEncryptionResult, error)
}

// EnvelopeCipher wraps data keys under the master key.
type EnvelopeCipher interface {
	GenerateDataKey() ([]byte, error)
	Seal(algorithm string, kek, plaintext, aad []byte) (*crypto.Envelope, error)
	Open(algorithm string, kek []byte, env *crypto.Envelope, aad []byte) ([]byte, error)
}

var _ EnvelopeCipher = crypto.EnvelopeCipher{}
