package notifiers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"kms-core.backend/pkg/logger"
)

const maxErrorBody = 512

// ClientOptions tunes the retrying HTTP client shared by the notifiers.
type ClientOptions struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		RetryMax:     3,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		Timeout:      10 * time.Second,
	}
}

func newClient(opts ClientOptions) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = leveledLogger{}
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.HTTPClient.Timeout = opts.Timeout
	return client
}

// postJSON sends payload and fails on any non-2xx answer left after retries.
func postJSON(ctx context.Context, client *retryablehttp.Client, url string, payload any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url,
		retryablehttp.ReaderFunc(func() (io.Reader, error) {
			b, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("error marshaling body: %w", err)
			}
			return bytes.NewReader(b), nil
		}))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type leveledLogger struct{}

func (leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	logger.GetLogger().Sugar().Errorw(msg, keysAndValues...)
}

func (leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	logger.GetLogger().Sugar().Warnw(msg, keysAndValues...)
}

func (leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.GetLogger().Sugar().Debugw(msg, keysAndValues...)
}

func (leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	logger.GetLogger().Sugar().Debugw(msg, keysAndValues...)
}
