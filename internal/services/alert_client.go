package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dealbridge/backend/internal/events"
	"go.uber.org/zap"
)

// AlertClient forwards operator alerts to a webhook.
type AlertClient struct {
	url        string
	httpClient *http.Client
	retry      time.Duration
	maxRetries uint64
	log        *zap.Logger
}

func NewAlertClient(url string, timeout, retry time.Duration, log *zap.Logger) *AlertClient {
	return &AlertClient{
		url: strings.TrimRight(url, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry:      retry,
		maxRetries: 5,
		log:        log,
	}
}

type alertPayload struct {
	Kind    string         `json:"kind"`
	DealID  string         `json:"deal_id,omitempty"`
	Message string         `json:"message"`
	Text    string         `json:"text"`
	Details map[string]any `json:"details,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// Send posts the alert, retrying transport errors and 5xx answers with
// exponential backoff. A 4xx answer is final.
func (c *AlertClient) Send(ctx context.Context, event events.Event) error {
	kind, _ := event.Payload["kind"].(string)
	dealID, _ := event.Payload["deal_id"].(string)
	message, _ := event.Payload["message"].(string)

	body, err := json.Marshal(alertPayload{
		Kind:    kind,
		DealID:  dealID,
		Message: message,
		Text:    alertText(kind, dealID, message),
		Details: event.Payload,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	post := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(string(body)))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("alert webhook unavailable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("alert webhook returned %d: %s", resp.StatusCode, string(msg))
			if resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry
	b.MaxElapsedTime = 0
	notify := func(err error, wait time.Duration) {
		c.log.Warn("alert delivery failed, retrying",
			zap.String("kind", kind),
			zap.String("deal_id", dealID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	err = backoff.RetryNotify(post, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx), notify)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func alertText(kind, dealID, message string) string {
	if dealID == "" {
		return fmt.Sprintf("[%s] %s", kind, message)
	}
	return fmt.Sprintf("[%s] deal %s: %s", kind, dealID, message)
}
