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

	"github.com/example/dockhold/internal/slot/domain"
	"github.com/example/dockhold/internal/slot/handler"
)

// HTTP calls a remote slot registry. Non-success answers are mapped back onto the
// slot domain errors so callers can use errors.Is.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP builds a client for the registry at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient replaces the underlying http.Client (tests).
func (c *HTTP) WithHTTPClient(client *http.Client) *HTTP {
	c.client = client
	return c
}

// FindFirstAvailable asks the registry for the first slot at the station matching the filter.
func (c *HTTP) FindFirstAvailable(ctx context.Context, stationID string, filter domain.Filter) (domain.Slot, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Kind != domain.KindAny {
		q.Set("kind", string(filter.Kind))
	}
	path := fmt.Sprintf("/v1/stations/%s/slots/first-available", url.PathEscape(stationID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var slot domain.Slot
	err := c.do(ctx, http.MethodGet, path, nil, &slot)
	return slot, err
}

// Transition performs the registry's compare-and-set.
func (c *HTTP) Transition(ctx context.Context, slotID string, from, to domain.Status, bicycleID *string) (domain.Slot, error) {
	body := handler.TransitionRequest{From: from, To: to, BicycleID: bicycleID}
	var slot domain.Slot
	err := c.do(ctx, http.MethodPost, "/v1/slots/"+url.PathEscape(slotID)+"/transition", body, &slot)
	return slot, err
}

// Release unlocks the slot and detaches its bicycle.
func (c *HTTP) Release(ctx context.Context, slotID string) (domain.Slot, error) {
	var slot domain.Slot
	err := c.do(ctx, http.MethodPost, "/v1/slots/"+url.PathEscape(slotID)+"/release", nil, &slot)
	return slot, err
}

// Create registers a slot.
func (c *HTTP) Create(ctx context.Context, req handler.CreateRequest) (domain.Slot, error) {
	var slot domain.Slot
	err := c.do(ctx, http.MethodPost, "/v1/slots", req, &slot)
	return slot, err
}

// List returns the slots of a station, or all slots.
func (c *HTTP) List(ctx context.Context, stationID string) ([]domain.Slot, error) {
	path := "/v1/slots"
	if stationID != "" {
		path += "?station=" + url.QueryEscape(stationID)
	}
	var slots []domain.Slot
	err := c.do(ctx, http.MethodGet, path, nil, &slots)
	return slots, err
}

func (c *HTTP) do(ctx context.Context, method, path string, in, out any) error {
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
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRegistryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) error {
	var payload handler.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	message := payload.Message
	if message == "" {
		message = resp.Status
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", domain.ErrRegistryUnavailable, message)
	}
	sentinel := errorForCode(payload.Code)
	if sentinel == nil {
		return errors.New(message)
	}
	return fmt.Errorf("%w: %s", sentinel, message)
}

func errorForCode(code string) error {
	switch code {
	case handler.CodeNotFound:
		return domain.ErrSlotNotFound
	case handler.CodeNoAvailable:
		return domain.ErrNoAvailableSlot
	case handler.CodeConflict:
		return domain.ErrConflictingState
	case handler.CodeExists:
		return domain.ErrSlotExists
	case handler.CodeInvalid:
		return domain.ErrInvalidStatus
	default:
		return nil
	}
}
