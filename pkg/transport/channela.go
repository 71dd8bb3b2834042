package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Tembocs/entidb-sync-sub000/pkg/oplog"
)

// cborContentType is the Content-Type used for every binary-envelope
// request and response (spec §6).
const cborContentType = "application/cbor"

// HTTPClient implements Client (Channel A) over plain request/response
// HTTP, retrying transient failures with exponential backoff.
type HTTPClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	MaxElapsed time.Duration
}

// NewHTTPClient constructs an HTTPClient with sensible retry defaults.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		MaxElapsed: 2 * time.Minute,
	}
}

func (c *HTTPClient) backoffFor(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = c.MaxElapsed
	return backoff.WithContext(eb, ctx)
}

// doCBOR POSTs body (CBOR-encoded) to path and decodes a CBOR response into
// out, retrying transient failures and 5xx/429 responses with exponential
// backoff. 4xx failures are permanent (spec §4.5).
func (c *HTTPClient) doCBOR(ctx context.Context, method, path string, body, out any) error {
	var raw []byte
	var err error
	if body != nil {
		raw, err = oplog.EncodeEnvelope(body)
		if err != nil {
			return fmt.Errorf("transport: encode request: %w", err)
		}
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(raw))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("transport: build request: %w", err))
		}
		req.Header.Set("Content-Type", cborContentType)
		req.Header.Set("Accept", cborContentType)
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return err // network error: retry
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && len(respBody) > 0 {
				if err := oplog.DecodeEnvelope(respBody, out); err != nil {
					return backoff.Permanent(fmt.Errorf("transport: decode response: %w", err))
				}
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			return fmt.Errorf("transport: server status %d", resp.StatusCode) // retry
		default:
			var errResp ErrorResponse
			_ = oplog.DecodeEnvelope(respBody, &errResp)
			return backoff.Permanent(fmt.Errorf("transport: server status %d: %s", resp.StatusCode, errResp.Message))
		}
	}

	if err := backoff.Retry(op, c.backoffFor(ctx)); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

func (c *HTTPClient) Handshake(ctx context.Context, req HandshakeRequest) (HandshakeResponse, error) {
	var resp HandshakeResponse
	err := c.doCBOR(ctx, http.MethodPost, "/v1/handshake", req, &resp)
	return resp, err
}

func (c *HTTPClient) Pull(ctx context.Context, req PullRequest) (PullResponse, error) {
	var resp PullResponse
	err := c.doCBOR(ctx, http.MethodPost, "/v1/pull", req, &resp)
	return resp, err
}

func (c *HTTPClient) Push(ctx context.Context, req PushRequest) (PushResponse, error) {
	var resp PushResponse
	err := c.doCBOR(ctx, http.MethodPost, "/v1/push", req, &resp)
	return resp, err
}
