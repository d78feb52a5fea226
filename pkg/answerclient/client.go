/**
 * @description
 * This package provides a client for the external answering backend. A question is sent
 * together with the service name and the asking account; the backend returns free text.
 * Failures are classified so callers can decide whether a retry is worthwhile.
 *
 * @dependencies
 * - golang.org/x/time/rate: Optional client-side throttle for outbound calls.
 */
package answerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable covers connection failures and overload statuses (429, 502, 503, 504).
	ErrUnavailable = errors.New("answering backend unavailable")
	// ErrTimeout is returned when a call did not complete before its deadline.
	ErrTimeout = errors.New("answering backend timed out")
	// ErrEmptyAnswer is returned when the backend replied successfully without text.
	ErrEmptyAnswer = errors.New("answering backend returned an empty answer")
)

// StatusError is a non-2xx reply from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("answering backend returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrUnavailable
	default:
		return nil
	}
}

// IsRetryable reports whether err is transient: unavailability, a timeout, or any 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	return false
}

// Client is a client for the answering backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a new answering backend client. A positive requestsPerSecond throttles
// outbound calls across all accounts.
func NewClient(baseURL string, apiKey string, timeout time.Duration, requestsPerSecond float64) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: timeout},
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return client
}

type answerRequest struct {
	Service   string `json:"service"`
	Question  string `json:"question"`
	AccountID int64  `json:"account_id"`
}

type answerResponse struct {
	Answer string `json:"answer"`
}

// Invoke asks the backend one question.
func (c *Client) Invoke(ctx context.Context, service, question string, accountID int64) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("answering backend base url is empty")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", classifyTransportError(ctx, err)
		}
	}

	body, err := json.Marshal(answerRequest{Service: service, Question: question, AccountID: accountID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/answers", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var response answerResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	answer := strings.TrimSpace(response.Answer)
	if answer == "" {
		return "", ErrEmptyAnswer
	}
	return answer, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
