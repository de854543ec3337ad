package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/dockhold/internal/reservation/domain"
	"github.com/example/dockhold/internal/reservation/handler"
)

// HTTP talks to the reservation service's HTTP API.
type HTTP struct {
	baseURL string
	client  *http.Client
}

func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{baseURL: strings.TrimRight(baseURL, "/"), client: &http.Client{Timeout: timeout}}
}

// Create starts a trip for userID at stationID.
func (c *HTTP) Create(ctx context.Context, idempotencyKey string, req handler.CreateRequest) (domain.Reservation, error) {
	var res domain.Reservation
	err := c.do(ctx, http.MethodPost, "/v1/reservations", idempotencyKey, req, &res)
	return res, err
}

func (c *HTTP) Get(ctx context.Context, id string) (domain.Reservation, error) {
	var res domain.Reservation
	err := c.do(ctx, http.MethodGet, "/v1/reservations/"+url.PathEscape(id), "", nil, &res)
	return res, err
}

// ListReleaseFailed returns the reservations whose slots could not be released.
func (c *HTTP) ListReleaseFailed(ctx context.Context) ([]domain.Reservation, error) {
	var items []domain.Reservation
	err := c.do(ctx, http.MethodGet, "/v1/reservations/release-failed", "", nil, &items)
	return items, err
}

// Reconcile retries the slot release of a RELEASE_FAILED reservation.
func (c *HTTP) Reconcile(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/reservations/"+url.PathEscape(id)+"/reconcile", "", nil, nil)
}

func (c *HTTP) do(ctx context.Context, method, path, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var payload handler.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if payload.Message == "" {
		payload.Message = resp.Status
	}
	if sentinel := errorForCode(payload.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, payload.Message)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", domain.ErrUpstreamUnavailable, payload.Message)
	}
	return errors.New(payload.Message)
}

var codeErrors = map[string]error{
	handler.CodeNotFound:          domain.ErrReservationNotFound,
	handler.CodeNoAvailableSlot:   domain.ErrNoAvailableSlot,
	handler.CodeConflict:          domain.ErrConflictingState,
	handler.CodeAlreadyTerminal:   domain.ErrAlreadyTerminal,
	handler.CodeActiveReservation: domain.ErrActiveReservation,
	handler.CodeNotReleaseFailed:  domain.ErrNotReleaseFailed,
	handler.CodeReleaseFailed:     domain.ErrReleaseFailed,
	handler.CodeUnavailable:       domain.ErrUpstreamUnavailable,
}

func errorForCode(code string) error { return codeErrors[code] }
