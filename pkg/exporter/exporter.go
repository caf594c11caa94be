// Package exporter delivers agent reports to a collector.
package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	appLogger "github.com/4Noyis/netpulse/internal/logger"
	"github.com/4Noyis/netpulse/internal/retry"
	"github.com/4Noyis/netpulse/internal/server/models"
)

const requestTimeout = 15 * time.Second

// ErrRejected marks a 4xx answer. Resending the same report cannot help.
var ErrRejected = errors.New("collector rejected report")

// Exporter posts reports to one collector URL.
type Exporter struct {
	url      string
	client   *http.Client
	attempts int
	delay    time.Duration
}

// New returns an exporter that tries each report up to attempts times,
// waiting delay between tries.
func New(url string, attempts int, delay time.Duration) *Exporter {
	return &Exporter{
		url:      url,
		client:   &http.Client{Timeout: requestTimeout},
		attempts: attempts,
		delay:    delay,
	}
}

// SendSnapshot posts one report, retrying transport errors and 5xx answers.
func (e *Exporter) SendSnapshot(ctx context.Context, payload *models.ClientPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("error marshaling report to JSON: %w", err)
	}

	var rejected error
	err = retry.WithLinearBackoff(ctx, e.attempts, e.delay, "send report", func() error {
		err := e.post(ctx, data)
		if errors.Is(err, ErrRejected) {
			rejected = err
			return nil
		}
		return err
	})
	if rejected != nil {
		return rejected
	}
	if err != nil {
		return err
	}
	appLogger.Debug("Report for %s sent to %s (%d bytes)", payload.Hostname, e.url, len(data))
	return nil
}

func (e *Exporter) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error creating HTTP request to %s: %w", e.url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending report to %s: %w", e.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, bytes.TrimSpace(body))
	}
	return fmt.Errorf("collector at %s responded with %s: %s", e.url, resp.Status, bytes.TrimSpace(body))
}
