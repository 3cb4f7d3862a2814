// Package transport delivers telemetry batches to the collection endpoint,
// either as an ordinary request whose outcome is reported, or as a
// fire-and-forget beacon for page teardown.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vincentbai/lmstrace/internal/models"
)

// EventsPath is the collection endpoint path.
const EventsPath = "/api/telemetry/events"

// ErrDelivery matches any failed delivery.
var ErrDelivery = errors.New("telemetry delivery failed")

// DeliveryError describes a rejected request.
type DeliveryError struct {
	StatusCode int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("telemetry delivery failed (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("telemetry delivery failed: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

type Options struct {
	// Endpoint is the origin the page was served from, e.g. http://127.0.0.1:8123.
	Endpoint      string
	Client        *http.Client
	BeaconTimeout time.Duration
	Logger        zerolog.Logger
}

// HTTP posts batches as {"events": [...]}. Both variants share one cookie jar
// so session cookies of the origin accompany every request.
type HTTP struct {
	url           string
	client        *http.Client
	beaconTimeout time.Duration
	logger        zerolog.Logger

	beacons sync.WaitGroup
}

func NewHTTP(opts Options) (*HTTP, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint cannot be empty")
	}
	client := opts.Client
	if client == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		client = &http.Client{Jar: jar, Timeout: 10 * time.Second}
	}
	beaconTimeout := opts.BeaconTimeout
	if beaconTimeout <= 0 {
		beaconTimeout = 2 * time.Second
	}
	return &HTTP{
		url:           strings.TrimRight(opts.Endpoint, "/") + EventsPath,
		client:        client,
		beaconTimeout: beaconTimeout,
		logger:        opts.Logger,
	}, nil
}

// Deliver posts the batch and reports network errors and 5xx responses as
// failures. A 4xx means the endpoint rejected the batch itself; resending it
// cannot help, so it is logged and reported as delivered. The same goes for a
// batch that cannot be encoded: it is logged and dropped.
func (h *HTTP) Deliver(ctx context.Context, events []models.Event) error {
	body, err := json.Marshal(models.Batch{Events: events})
	if err != nil {
		h.logger.Error().Err(err).Int("events", len(events)).Msg("dropping telemetry batch that cannot be encoded")
		return nil
	}
	resp, err := h.post(ctx, body)
	if err != nil {
		return &DeliveryError{Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return &DeliveryError{StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		h.logger.Warn().Int("status", resp.StatusCode).Int("events", len(events)).Msg("endpoint rejected telemetry batch")
	}
	return nil
}

// DeliverOnUnload sends the batch without waiting for the response. Errors
// are not observable by the caller.
func (h *HTTP) DeliverOnUnload(events []models.Event) {
	body, err := json.Marshal(models.Batch{Events: events})
	if err != nil {
		h.logger.Debug().Err(err).Msg("beacon payload dropped")
		return
	}
	h.beacons.Add(1)
	go func() {
		defer h.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.beaconTimeout)
		defer cancel()
		resp, err := h.post(ctx, body)
		if err != nil {
			h.logger.Debug().Err(err).Msg("beacon delivery failed")
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

// Drain waits for outstanding beacons, or until ctx is done. It is the
// host's guarantee that teardown deliveries are attempted before exit.
func (h *HTTP) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.beacons.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HTTP) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return h.client.Do(req)
}
