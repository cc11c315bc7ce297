// Package client talks to a database served by segctl serve.
package client

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/aalhour/segdb"
	"github.com/aalhour/segdb/internal/server"
)

// ErrServer is returned for every non-2xx response. The server's message
// follows it.
var ErrServer = errors.New("client: server error")

// Client is a key-value client for one server.
type Client struct {
	client *resty.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		client: resty.New().SetBaseURL(baseURL),
	}
}

// Put stores payload and returns the record's address.
func (c *Client) Put(payload []byte) (segdb.Address, error) {
	var out server.PutResponse
	resp, err := c.client.R().
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(payload).
		SetResult(&out).
		SetError(&server.ErrorResponse{}).
		Put("/v1/records")
	if err := check(resp, err); err != nil {
		return 0, err
	}
	return out.Address, nil
}

// Get returns the payload stored under the primary key.
func (c *Client) Get(key []byte) ([]byte, bool, error) {
	return c.GetIndex(0, key)
}

// GetIndex returns the payload stored under key in index i.
func (c *Client) GetIndex(i int, key []byte) ([]byte, bool, error) {
	resp, err := c.client.R().
		SetPathParams(map[string]string{
			"index": strconv.Itoa(i),
			"key":   hex.EncodeToString(key),
		}).
		SetError(&server.ErrorResponse{}).
		Get("/v1/indexes/{index}/keys/{key}")
	if err == nil && resp.StatusCode() == http.StatusNotFound && !isIndexError(resp) {
		return nil, false, nil
	}
	if err := check(resp, err); err != nil {
		return nil, false, err
	}
	return resp.Body(), true, nil
}

// Delete removes key and reports whether it existed.
func (c *Client) Delete(key []byte) (segdb.Address, bool, error) {
	var out server.DeleteResponse
	resp, err := c.client.R().
		SetPathParam("key", hex.EncodeToString(key)).
		SetResult(&out).
		SetError(&server.ErrorResponse{}).
		Delete("/v1/keys/{key}")
	if err == nil && resp.StatusCode() == http.StatusNotFound {
		return 0, false, nil
	}
	if err := check(resp, err); err != nil {
		return 0, false, err
	}
	return out.Address, true, nil
}

// Scan returns up to limit entries of index i in [from, to). A nil bound is
// open; a limit of 0 uses the server's default.
func (c *Client) Scan(i int, from, to []byte, limit int) (*server.ScanResponse, error) {
	req := c.client.R().
		SetPathParam("index", strconv.Itoa(i)).
		SetResult(&server.ScanResponse{}).
		SetError(&server.ErrorResponse{})
	if from != nil {
		req.SetQueryParam("from", hex.EncodeToString(from))
	}
	if to != nil {
		req.SetQueryParam("to", hex.EncodeToString(to))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	resp, err := req.Get("/v1/indexes/{index}/keys")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return resp.Result().(*server.ScanResponse), nil
}

// Checkpoint makes the server's mutations durable.
func (c *Client) Checkpoint() error {
	resp, err := c.client.R().SetError(&server.ErrorResponse{}).Post("/v1/checkpoint")
	return check(resp, err)
}

// Compact asks the server to reclaim a segment. A nil ordinal lets the
// server pick one; a nil result means nothing qualified.
func (c *Client) Compact(ordinal *uint16) (*segdb.CompactionResult, error) {
	req := c.client.R().
		SetResult(&segdb.CompactionResult{}).
		SetError(&server.ErrorResponse{})
	if ordinal != nil {
		req.SetQueryParam("segment", strconv.Itoa(int(*ordinal)))
	}
	resp, err := req.Post("/v1/compact")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	return resp.Result().(*segdb.CompactionResult), nil
}

// Stats returns the server's engine figures.
func (c *Client) Stats() (*segdb.Stats, error) {
	resp, err := c.client.R().
		SetResult(&segdb.Stats{}).
		SetError(&server.ErrorResponse{}).
		Get("/v1/stats")
	if err := check(resp, err); err != nil {
		return nil, err
	}
	return resp.Result().(*segdb.Stats), nil
}

// Health reports whether the server answers.
func (c *Client) Health() error {
	resp, err := c.client.R().Get("/health")
	return check(resp, err)
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	if e, ok := resp.Error().(*server.ErrorResponse); ok && e.Error != "" {
		return fmt.Errorf("%w: %d %s", ErrServer, resp.StatusCode(), e.Error)
	}
	return fmt.Errorf("%w: %s", ErrServer, resp.Status())
}

// isIndexError tells a missing index apart from a missing key; both are
// 404s.
func isIndexError(resp *resty.Response) bool {
	e, ok := resp.Error().(*server.ErrorResponse)
	return ok && e.Error != "not found"
}
