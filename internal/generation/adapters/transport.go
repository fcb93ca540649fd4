package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/genstudio/internal/generation/domain"
)

const maxResponseBytes = 1 << 20

// Client is the JSON-over-HTTP transport shared by the provider adapters.
type Client struct {
	Provider string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	HTTP     *http.Client
}

func NewClient(cfg domain.AdapterConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %s base url is required", domain.ErrInvalidConfig, cfg.Provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s api key is required", domain.ErrInvalidConfig, cfg.Provider)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		Provider: cfg.Provider,
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Timeout:  timeout,
		HTTP:     httpClient,
	}, nil
}

// DoJSON sends body as JSON and decodes a 2xx response into out. Failures
// are returned as *domain.ProviderError.
func (c *Client) DoJSON(ctx context.Context, method, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &domain.ProviderError{Provider: c.Provider, Kind: domain.KindRejected, Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &domain.ProviderError{Provider: c.Provider, Kind: domain.KindRejected, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &domain.ProviderError{Provider: c.Provider, Kind: domain.KindTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &domain.ProviderError{Provider: c.Provider, Kind: domain.KindTransient, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := strings.TrimSpace(string(raw))
		if len(text) > 512 {
			text = text[:512]
		}
		if text == "" {
			text = http.StatusText(resp.StatusCode)
		}
		return &domain.ProviderError{
			Provider:   c.Provider,
			Kind:       domain.KindForStatus(resp.StatusCode, text),
			StatusCode: resp.StatusCode,
			Err:        errors.New(text),
		}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &domain.ProviderError{
			Provider:   c.Provider,
			Kind:       domain.KindTransient,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode response: %w", err),
		}
	}
	return nil
}
