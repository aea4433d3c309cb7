// Package sender posts generated events to an HTTP endpoint, one at a time.
package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lgreene/iap-telemetry/pkg/generator"
	"github.com/lgreene/iap-telemetry/schemas"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout caps a single post so an unresponsive endpoint cannot
	// stall the loop forever.
	DefaultTimeout = 30 * time.Second

	// maxLoggedBody caps how much of a failed response body is logged.
	maxLoggedBody = 64 << 10
)

// EventSource produces the next event to send.
type EventSource interface {
	Generate(mode generator.Mode) schemas.IAPEvent
}

// Sender posts events to a fixed URL.
type Sender struct {
	url     string
	client  *http.Client
	log     *zap.Logger
	metrics *Metrics
}

type Option func(*Sender)

// WithHTTPClient replaces the default client (which uses DefaultTimeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sender) { s.client = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Sender) { s.log = l }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Sender) { s.metrics = m }
}

// New returns a Sender posting to url.
func New(url string, opts ...Option) *Sender {
	s := &Sender{
		url:     url,
		client:  &http.Client{Timeout: DefaultTimeout},
		log:     zap.NewNop(),
		metrics: NewMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the collectors this Sender records into.
func (s *Sender) Metrics() *Metrics {
	return s.metrics
}

// Send posts one event and returns the response status code. A non-200
// status is logged but is not an error; only failures to get a response are.
func (s *Sender) Send(ctx context.Context, event schemas.IAPEvent) (int, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	s.metrics.observeSend(modeOf(event).String())

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		// A post aborted by shutdown is not a transport failure.
		if ctx.Err() == nil {
			s.metrics.observeTransportError()
		}
		return 0, fmt.Errorf("post event %s: %w", event.EventID, err)
	}
	defer resp.Body.Close()
	duration := time.Since(start)

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	// Drain the rest so the connection can be reused.
	io.Copy(io.Discard, resp.Body)

	s.metrics.observeResponse(resp.StatusCode, duration)

	if resp.StatusCode != http.StatusOK {
		s.log.Warn("unexpected response",
			zap.String("event_id", event.EventID),
			zap.Int("status", resp.StatusCode),
			zap.String("status_text", resp.Status),
			zap.String("body", string(body)),
		)
		return resp.StatusCode, nil
	}

	s.log.Debug("event posted",
		zap.String("event_id", event.EventID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", duration),
	)
	return resp.StatusCode, nil
}

// Run generates and posts events back to back until ctx is cancelled,
// then returns ctx.Err(). Transport failures are logged and the loop
// carries on.
func (s *Sender) Run(ctx context.Context, src EventSource, mode generator.Mode) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		event := src.Generate(mode)
		if _, err := s.Send(ctx, event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("post failed",
				zap.String("event_id", event.EventID),
				zap.Error(err),
			)
		}
	}
}

func modeOf(event schemas.IAPEvent) generator.Mode {
	if event.EventData == nil {
		return generator.ModeInvalid
	}
	return generator.ModeValid
}
