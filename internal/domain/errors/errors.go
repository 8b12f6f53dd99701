package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Domain errors
var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
)

// ErrorCode classifies every failure surfaced by the key management service.
type ErrorCode string

const (
	CodeMasterKey          ErrorCode = "MASTER_KEY_ERROR"
	CodeKeyNotFound        ErrorCode = "KEY_NOT_FOUND"
	CodeKeyDisabled        ErrorCode = "KEY_DISABLED"
	CodeEncryptionFailed   ErrorCode = "ENCRYPTION_FAILED"
	CodeCacheError         ErrorCode = "CACHE_ERROR"
	CodeRotationFailed     ErrorCode = "ROTATION_FAILED"
	CodeAuditLogError      ErrorCode = "AUDIT_LOG_ERROR"
	CodeInvalidTenant      ErrorCode = "INVALID_TENANT"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeUnauthorizedAccess ErrorCode = "UNAUTHORIZED_ACCESS"
)

// KeyManagementError is the typed error returned by KMS operations.
type KeyManagementError struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	KeyID    string    `json:"keyId,omitempty"`
	TenantID string    `json:"tenantId,omitempty"`
	Err      error     `json:"-"`
}

func (e *KeyManagementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *KeyManagementError) Unwrap() error {
	return e.Err
}

// Is matches any KeyManagementError carrying the same code.
func (e *KeyManagementError) Is(target error) bool {
	var other *KeyManagementError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// New creates a KeyManagementError
func New(code ErrorCode, message, keyID, tenantID string, err error) *KeyManagementError {
	return &KeyManagementError{
		Code:     code,
		Message:  message,
		KeyID:    keyID,
		TenantID: tenantID,
		Err:      err,
	}
}

// Sentinel values for errors.Is comparisons by code.
var (
	ErrMasterKey          = &KeyManagementError{Code: CodeMasterKey}
	ErrKeyNotFound        = &KeyManagementError{Code: CodeKeyNotFound}
	ErrKeyDisabled        = &KeyManagementError{Code: CodeKeyDisabled}
	ErrEncryptionFailed   = &KeyManagementError{Code: CodeEncryptionFailed}
	ErrCache              = &KeyManagementError{Code: CodeCacheError}
	ErrRotationFailed     = &KeyManagementError{Code: CodeRotationFailed}
	ErrAuditLog           = &KeyManagementError{Code: CodeAuditLogError}
	ErrInvalidTenant      = &KeyManagementError{Code: CodeInvalidTenant}
	ErrInvalidKeyInput    = &KeyManagementError{Code: CodeInvalidInput}
	ErrUnauthorizedAccess = &KeyManagementError{Code: CodeUnauthorizedAccess}
)

func MasterKeyError(message string, err error) *KeyManagementError {
	return New(CodeMasterKey, message, "", "", err)
}

func KeyNotFound(keyID, tenantID string) *KeyManagementError {
	return New(CodeKeyNotFound, "key not found", keyID, tenantID, ErrNotFound)
}

func KeyDisabled(keyID, tenantID, status string) *KeyManagementError {
	return New(CodeKeyDisabled, "key is not usable in status "+status, keyID, tenantID, nil)
}

func EncryptionFailed(message, keyID, tenantID string, err error) *KeyManagementError {
	return New(CodeEncryptionFailed, message, keyID, tenantID, err)
}

func CacheError(message string, err error) *KeyManagementError {
	return New(CodeCacheError, message, "", "", err)
}

func RotationFailed(message, keyID, tenantID string, err error) *KeyManagementError {
	return New(CodeRotationFailed, message, keyID, tenantID, err)
}

func AuditLogError(message string, err error) *KeyManagementError {
	return New(CodeAuditLogError, message, "", "", err)
}

func InvalidTenant(tenantID string) *KeyManagementError {
	return New(CodeInvalidTenant, "invalid tenant id", "", tenantID, ErrInvalidInput)
}

func InvalidInput(message string) *KeyManagementError {
	return New(CodeInvalidInput, message, "", "", ErrInvalidInput)
}

func UnauthorizedAccess(message, tenantID string) *KeyManagementError {
	return New(CodeUnauthorizedAccess, message, "", tenantID, ErrUnauthorized)
}

// CodeOf returns the code of the first KeyManagementError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var kmsErr *KeyManagementError
	if errors.As(err, &kmsErr) {
		return kmsErr.Code
	}
	return ""
}

// HTTPStatus maps an error to the status the HTTP layer responds with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeKeyNotFound:
		return http.StatusNotFound
	case CodeKeyDisabled:
		return http.StatusConflict
	case CodeInvalidTenant, CodeInvalidInput:
		return http.StatusBadRequest
	case CodeUnauthorizedAccess:
		return http.StatusForbidden
	case CodeRotationFailed:
		return http.StatusUnprocessableEntity
	case CodeCacheError, CodeMasterKey:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}
