package usecases

import (
	"encoding/json"
	"regexp"

	"kms-core.backend/internal/domain/entities"
	domainerrors "kms-core.backend/internal/domain/errors"
)

const (
	maxKeyIDLength       = 128
	minRotationDays      = 1
	maxRotationDays      = 365
	maxMetadataBytes     = 4096
	maxServiceIDLength   = 128
	maxReferenceIDsBatch = 10000
)

var (
	tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	keyIDPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	identPattern    = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

func validateTenantID(tenantID string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return domainerrors.InvalidTenant(tenantID)
	}
	return nil
}

func validateKeyID(keyID string) error {
	if keyID == "" || len(keyID) > maxKeyIDLength || !keyIDPattern.MatchString(keyID) {
		return domainerrors.InvalidInput("invalid key id")
	}
	return nil
}

func validateKeyRef(keyID, tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return err
	}
	return validateKeyID(keyID)
}

func validatePurpose(purpose entities.KeyPurpose) error {
	if !purpose.Valid() {
		return domainerrors.InvalidInput("invalid key purpose: " + string(purpose))
	}
	return nil
}

func validateRotationInterval(days int) error {
	if days < minRotationDays || days > maxRotationDays {
		return domainerrors.InvalidInput("rotation interval must be between 1 and 365 days")
	}
	return nil
}

func validateMetadata(metadata map[string]any) error {
	if metadata == nil {
		return nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return domainerrors.InvalidInput("metadata must be JSON serializable")
	}
	if len(raw) > maxMetadataBytes {
		return domainerrors.InvalidInput("metadata exceeds 4096 bytes")
	}
	return nil
}

func validateCreateKeyOptions(opts entities.CreateKeyOptions) error {
	if err := validateTenantID(opts.TenantID); err != nil {
		return err
	}
	if err := validatePurpose(opts.Purpose); err != nil {
		return err
	}
	if opts.Algorithm != "" && !opts.Algorithm.Valid() {
		return domainerrors.InvalidInput("unsupported algorithm: " + string(opts.Algorithm))
	}
	if opts.AutoRotate {
		if err := validateRotationInterval(opts.RotationIntervalDays); err != nil {
			return err
		}
	}
	return validateMetadata(opts.Metadata)
}

func validateDataReference(ref entities.DataReference) error {
	if !identPattern.MatchString(ref.Table) || !identPattern.MatchString(ref.Column) {
		return domainerrors.InvalidInput("data reference table and column must be identifiers")
	}
	if len(ref.IDs) > maxReferenceIDsBatch {
		return domainerrors.InvalidInput("too many ids in a single data reference")
	}
	return nil
}
