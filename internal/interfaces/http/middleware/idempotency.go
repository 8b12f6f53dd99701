package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"kms-core.backend/pkg/logger"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	// LockDuration is the time we hold the lock while processing
	LockDuration = 30 * time.Second
	// RetentionDuration is how long we keep the response
	RetentionDuration = 24 * time.Hour

	idempotencyPrefix   = "kms:idempotency:"
	idempotencyPending  = "processing"
	maxIdempotencyKeyLn = 128
)

// IdempotencyStore is the subset of the Redis store the middleware needs.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
}

type storedResponse struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

type responseWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first successful response for a repeated
// Idempotency-Key so a retried key creation does not mint a second key. Keys are
// scoped by tenant and token subject.
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(IdempotencyHeader)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLn {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "Idempotency-Key is too long",
			})
			return
		}

		subject := ""
		if claims, ok := GetClaims(c); ok {
			subject = claims.Subject
		}
		storageKey := idempotencyPrefix + c.Param(TenantParam) + ":" + subject + ":" + key
		ctx := c.Request.Context()

		val, found, err := store.Get(ctx, storageKey)
		if err != nil {
			logger.Warn(ctx, "Idempotency lookup failed, processing request", zap.Error(err))
			c.Next()
			return
		}
		if found {
			if val == idempotencyPending {
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"code":    "IDEMPOTENCY_CONFLICT",
					"message": "Request already in progress",
				})
				return
			}
			var stored storedResponse
			if err := json.Unmarshal([]byte(val), &stored); err == nil {
				c.Header("X-Idempotency-Hit", "true")
				c.Data(stored.Status, "application/json; charset=utf-8", []byte(stored.Body))
				c.Abort()
				return
			}
		}

		acquired, err := store.SetNX(ctx, storageKey, idempotencyPending, LockDuration)
		if err != nil || !acquired {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"code":    "IDEMPOTENCY_CONFLICT",
				"message": "Request in progress",
			})
			return
		}

		w := &responseWriter{body: &bytes.Buffer{}, ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := c.Writer.Status()
		if status >= 200 && status < 300 {
			payload, _ := json.Marshal(storedResponse{Status: status, Body: w.body.String()})
			_ = store.Set(ctx, storageKey, string(payload), RetentionDuration)
			return
		}
		// failed requests may be retried
		_, _ = store.Del(ctx, storageKey)
	}
}
