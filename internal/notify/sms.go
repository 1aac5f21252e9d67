// Package notify tells job owners that their render is ready.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/time/rate"
)

const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
	retryCap      = 5 * time.Second

	// smsMessageType is the gateway's message type for plain text.
	smsMessageType = 9
)

// ErrInvalidNumber is returned when a contact cannot be read as a phone number.
var ErrInvalidNumber = errors.New("invalid phone number")

// Sender delivers a text message to a contact.
type Sender interface {
	Send(ctx context.Context, contact, message string) error
}

// SMSSender posts messages to an HTTP SMS gateway.
type SMSSender struct {
	apiURL  string
	apiKey  string
	region  string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	base    time.Duration
}

// SMSOption configures an SMSSender.
type SMSOption func(*SMSSender)

// WithHTTPClient sets the HTTP client used for gateway calls.
func WithHTTPClient(c *http.Client) SMSOption {
	return func(s *SMSSender) { s.client = c }
}

// WithRetryBase sets the backoff base between retries.
func WithRetryBase(d time.Duration) SMSOption {
	return func(s *SMSSender) { s.base = d }
}

// WithSMSLogger sets a custom logger.
func WithSMSLogger(l *slog.Logger) SMSOption {
	return func(s *SMSSender) { s.logger = l }
}

// NewSMSSender returns a sender for the gateway at apiURL. Numbers without a
// country code are read in region. At most perSecond messages are sent per
// second.
func NewSMSSender(apiURL, apiKey, region string, perSecond float64, opts ...SMSOption) *SMSSender {
	s := &SMSSender{
		apiURL:  apiURL,
		apiKey:  apiKey,
		region:  region,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:  slog.Default(),
		base:    retryBase,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Normalize returns contact in E.164 form.
func Normalize(contact, region string) (string, error) {
	num, err := phonenumbers.Parse(contact, region)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNumber, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %s", ErrInvalidNumber, contact)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

type smsRequest struct {
	Key    string `json:"key"`
	Type   int    `json:"type"`
	Number string `json:"number"`
	Msg    string `json:"msg"`
}

// Send delivers message. Transport failures and 5xx responses are retried
// with full-jitter backoff; a gateway rejection is final.
func (s *SMSSender) Send(ctx context.Context, contact, message string) error {
	number, err := Normalize(contact, s.region)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(smsRequest{Key: s.apiKey, Type: smsMessageType, Number: number, Msg: message})
	if err != nil {
		return fmt.Errorf("encode sms: %w", err)
	}

	for attempt := 1; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("sms rate limit: %w", err)
		}
		retry, err := s.post(ctx, payload)
		if err == nil {
			return nil
		}
		if !retry || attempt == retryAttempts {
			return err
		}
		s.logger.Warn("sms attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.jitter(attempt)):
		}
	}
}

// jitter returns a random duration between 0 and min(retryCap, base * 2^attempt).
func (s *SMSSender) jitter(attempt int) time.Duration {
	exp := min(s.base*(1<<attempt), retryCap)
	if exp <= 0 {
		return 0
	}
	return rand.N(exp)
}

func (s *SMSSender) post(ctx context.Context, payload []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return true, fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("sms gateway: status %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("sms gateway: decode response: %w", err)
	}
	if body.Status != "success" {
		return false, fmt.Errorf("sms gateway: status %q", body.Status)
	}
	return false, nil
}

// LogSender only logs messages. Used when no SMS gateway is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(_ context.Context, contact, message string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification (no sms gateway configured)", "contact", contact, "message", message)
	return nil
}
