package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// requestTimeout is the per-delivery HTTP deadline. A receiver slower than
// this counts as a retryable failure.
const requestTimeout = 30 * time.Second

// Outcome classifies one delivery attempt for the retry policy.
type Outcome int

const (
	// OutcomeDelivered: 2xx, mark DELIVERED and reset the circuit counter.
	OutcomeDelivered Outcome = iota
	// OutcomePermanent: 4xx other than 429, mark FAILED and do not retry.
	OutcomePermanent
	// OutcomeRetryable: 429, 5xx, network error, or timeout; the broker
	// re-queues with backoff.
	OutcomeRetryable
)

// EventPayload is the canonical JSON body of an outbound webhook.
type EventPayload struct {
	Event     string `json:"event"`
	JobID     string `json:"jobId"`
	Status    string `json:"status"`
	Format    string `json:"format,omitempty"`
	Rows      int64  `json:"rows,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// MarshalPayload renders the canonical body. The same bytes are signed,
// sent, and stored on the delivery ledger row.
func MarshalPayload(p *EventPayload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("webhook: marshal payload: %w", err)
	}
	return body, nil
}

// Sender performs the signed POST. One Sender is shared by all webhook
// workers; the http.Client pools connections.
type Sender struct {
	client *http.Client
}

// NewSender creates a Sender with the delivery deadline baked into its
// client.
func NewSender() *Sender {
	return &Sender{
		client: &http.Client{Timeout: requestTimeout},
	}
}

// Send signs and posts the body to the tenant's webhook URL, returning the
// HTTP status (0 on transport failure), the classified outcome, and the
// underlying error for the ledger.
func (s *Sender) Send(ctx context.Context, url, secret, event, deliveryID string, body []byte) (int, Outcome, error) {
	now := time.Now().UTC()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, OutcomePermanent, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Exportd-Webhook/1.0")
	req.Header.Set(HeaderSignature, Sign(secret, now, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderID, deliveryID)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, OutcomeRetryable, fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, OutcomeDelivered, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp.StatusCode, OutcomeRetryable, fmt.Errorf("webhook: receiver throttled (429)")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resp.StatusCode, OutcomePermanent, fmt.Errorf("webhook: receiver rejected with %d", resp.StatusCode)
	default:
		return resp.StatusCode, OutcomeRetryable, fmt.Errorf("webhook: receiver returned %d", resp.StatusCode)
	}
}
