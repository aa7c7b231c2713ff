package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 1 << 20

// Client applies queued operations by POSTing them to the backend.
type Client struct {
	baseURL    string
	routes     map[string]string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zerolog.Logger
}

func NewClient(cfg config.RemoteConfig, logger *zerolog.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote.base_url %q: %w", cfg.BaseURL, err)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
		if burst <= 0 {
			burst = 1
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		routes:     cfg.Routes,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}, nil
}

// Apply satisfies domain.ApplyFunc.
func (c *Client) Apply(ctx context.Context, item models.QueueItem) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.Retryable(fmt.Errorf("rate limiter: %w", err))
	}

	body := item.Payload
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(item.OperationType), bytes.NewReader(body))
	if err != nil {
		return nil, domain.NonRetryable(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)
	req.Header.Set("X-Operation-Type", item.OperationType)
	if item.SessionID != "" {
		req.Header.Set("X-Session-ID", item.SessionID)
	}
	if item.UserID != "" {
		req.Header.Set("X-User-ID", item.UserID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("post %s: %w", item.OperationType, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("read response: %w", err))
	}

	c.logger.Debug().
		Str("item_id", item.ID).
		Str("type", item.OperationType).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("remote apply")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(bytes.TrimSpace(raw)) == 0 || !json.Valid(raw) {
			return nil, nil
		}
		return json.RawMessage(raw), nil
	}

	return nil, &domain.RemoteError{
		StatusCode: resp.StatusCode,
		Retryable:  retryableStatus(resp.StatusCode),
		Err:        errors.New(statusMessage(resp.StatusCode, raw)),
	}
}

func (c *Client) endpoint(opType string) string {
	if route, ok := c.routes[opType]; ok && route != "" {
		return c.baseURL + "/" + strings.TrimLeft(route, "/")
	}
	return c.baseURL + "/operations/" + url.PathEscape(opType)
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}

func statusMessage(code int, body []byte) string {
	msg := strings.TrimSpace(string(body))
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return http.StatusText(code)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(code), msg)
}
