// Package proxy implements the outbound client for the scraping proxy
// vendor. The vendor exposes a single render endpoint: the client posts a
// target URL plus rendering/geolocation options and receives the raw page
// content, or an error envelope that is classified as transient or fatal
// by status code.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/sourcehound/harvester/internal/harvest"
)

const (
	defaultUserAgent = "harvester/0.1"
	maxBodyBytes     = 16 << 20
)

// Transient vendor status codes, retried by the fetch client. Everything
// else non-2xx is fatal.
var transientStatus = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Config controls the proxy client.
type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
}

// Client issues render requests against the vendor endpoint.
type Client struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a Client. The per-call timeout is owned by the caller's
// context; the embedded http.Client carries no timeout of its own.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("proxy base url is required")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger,
	}, nil
}

type renderRequest struct {
	URL    string `json:"url"`
	Render bool   `json:"render,omitempty"`
	Geo    string `json:"geo,omitempty"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Do performs one render call. The returned error is a *harvest.VendorError
// for vendor-reported failures so callers can classify retries.
func (c *Client) Do(ctx context.Context, req harvest.FetchRequest) (harvest.FetchResponse, error) {
	payload, err := json.Marshal(renderRequest{URL: req.URL, Render: req.Render, Geo: req.Geo})
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("encode render request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/render", bytes.NewReader(payload))
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("proxy call: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close proxy response body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("read proxy response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return harvest.FetchResponse{}, classify(resp.StatusCode, body)
	}

	return harvest.FetchResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Duration:   time.Since(start),
	}, nil
}

func classify(status int, body []byte) error {
	_, transient := transientStatus[status]
	ve := &harvest.VendorError{StatusCode: status, Transient: transient}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		ve.Message = env.Error.Message
	}
	return ve
}
