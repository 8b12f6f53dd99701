package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	domainerrors "kms-core.backend/internal/domain/errors"
	"kms-core.backend/pkg/logger"
	"kms-core.backend/pkg/utils"
)

const CodeInternalError = "INTERNAL_ERROR"

// Success sends a success response
func Success(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// Paginated sends a list with its pagination metadata
func Paginated(c *gin.Context, items interface{}, meta utils.PaginationMeta) {
	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"pagination": meta,
	})
}

// Error maps err to a status and a stable error code. Wrapped causes are logged,
// never returned to the client.
func Error(c *gin.Context, err error) {
	status := domainerrors.HTTPStatus(err)

	var kmsErr *domainerrors.KeyManagementError
	if errors.As(err, &kmsErr) {
		body := gin.H{
			"code":    kmsErr.Code,
			"message": kmsErr.Message,
		}
		if kmsErr.KeyID != "" {
			body["keyId"] = kmsErr.KeyID
		}
		if status >= http.StatusInternalServerError {
			logger.Error(c.Request.Context(), "Request failed", zap.String("code", string(kmsErr.Code)), zap.Error(err))
		}
		c.JSON(status, body)
		return
	}

	if status == http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "Unhandled error", zap.Error(err))
		ErrorWithError(c, status, CodeInternalError, "Internal server error")
		return
	}
	ErrorWithError(c, status, http.StatusText(status), err.Error())
}

// ErrorWithError sends an error response with a specific status and message
func ErrorWithError(c *gin.Context, status int, code string, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}
