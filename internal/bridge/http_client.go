package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPClient talks to the bridge service REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

func (c *HTTPClient) Quote(ctx context.Context, req QuoteRequest) (*Route, error) {
	var route Route
	if err := c.do(ctx, http.MethodPost, "/v1/quotes", "", req, &route); err != nil {
		return nil, err
	}
	if route.ID == "" || len(route.Steps) == 0 {
		return nil, fmt.Errorf("bridge returned an empty route")
	}
	return &route, nil
}

type submitResponse struct {
	ExternalRef string `json:"external_ref"`
}

func (c *HTTPClient) SubmitStep(ctx context.Context, routeID string, index int, idempotencyKey string) (string, error) {
	path := fmt.Sprintf("/v1/routes/%s/steps/%d/submit", url.PathEscape(routeID), index)
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, path, idempotencyKey, nil, &resp); err != nil {
		return "", err
	}
	if resp.ExternalRef == "" {
		return "", fmt.Errorf("bridge accepted step %d of route %s without a reference", index, routeID)
	}

	c.log.Info("bridge step submitted",
		zap.String("route_id", routeID),
		zap.Int("index", index),
		zap.String("external_ref", resp.ExternalRef),
	)
	return resp.ExternalRef, nil
}

type pollResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (c *HTTPClient) PollStep(ctx context.Context, externalRef string) (string, error) {
	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, "/v1/steps/"+url.PathEscape(externalRef), "", nil, &resp); err != nil {
		return "", err
	}

	switch resp.Status {
	case StepConfirmed, StepPending:
		return resp.Status, nil
	case StepFailed:
		c.log.Warn("bridge step failed", zap.String("external_ref", externalRef), zap.String("reason", resp.Reason))
		return resp.Status, nil
	}
	return "", fmt.Errorf("bridge returned unknown step status %q", resp.Status)
}

func (c *HTTPClient) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("bridge service returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
