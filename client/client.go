// Package client is a wire-compatible PET participant: an HTTP API client
// for the coordinator's REST surface and the participant round logic on top
// of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xaynetwork/xaynet/events"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
)

// API errors.
var (
	// ErrNotAvailable is returned when the coordinator has not broadcast
	// the requested value yet.
	ErrNotAvailable = errors.New("client: not available yet")
	// ErrRejected is returned when the coordinator refuses a message.
	ErrRejected = errors.New("client: message rejected")
)

// Client talks to one coordinator.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the coordinator at base, e.g.
// "http://localhost:8081".
func New(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: httpClient}
}

// Send posts one encrypted PET message.
func (c *Client) Send(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/message", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%w: %s", ErrRejected, resp.Status)
	}
	return nil
}

// RoundParams fetches the current round parameters.
func (c *Client) RoundParams(ctx context.Context) (events.Event[pet.RoundParameters], error) {
	var out events.Event[pet.RoundParameters]
	err := c.getJSON(ctx, "/round_params", &out)
	return out, err
}

// SumDict fetches the frozen sum dictionary of a round.
func (c *Client) SumDict(ctx context.Context) (events.Event[pet.SumDict], error) {
	var out events.Event[pet.SumDict]
	err := c.getJSON(ctx, "/sum_dict", &out)
	return out, err
}

// SeedDict fetches the global seed dictionary of a round.
func (c *Client) SeedDict(ctx context.Context) (events.Event[pet.SeedDict], error) {
	var out events.Event[pet.SeedDict]
	err := c.getJSON(ctx, "/seed_dict", &out)
	return out, err
}

// MaskLength fetches the broadcast mask length of a round.
func (c *Client) MaskLength(ctx context.Context) (events.Event[int], error) {
	var out events.Event[int]
	err := c.getJSON(ctx, "/mask_length", &out)
	return out, err
}

// GlobalModel fetches the latest global model.
func (c *Client) GlobalModel(ctx context.Context) (string, mask.Model, error) {
	var out struct {
		ID    string     `json:"id"`
		Model mask.Model `json:"model"`
	}
	if err := c.getJSON(ctx, "/model", &out); err != nil {
		return "", nil, err
	}
	return out.ID, out.Model, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", path, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotAvailable
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
