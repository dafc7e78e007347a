// Package client is a typed HTTP client for the igprovd control API. It
// speaks to the daemon over TCP or its unix socket.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/seantiz/igprov/internal/api"
	"github.com/seantiz/igprov/internal/backend"
	"github.com/seantiz/igprov/internal/engine"
	"github.com/seantiz/igprov/internal/model"
)

const (
	unixPrefix = "unix:"
	unixHost   = "http://igprovd"

	maxErrorBody = 4 << 10
)

// APIError is returned for a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string

	// Status is set when the daemon answered with a provisioning status.
	Status *api.StatusResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to one igprovd instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for addr, which is "unix:/path/to.sock", a host:port
// pair or a full http(s) URL.
func New(addr string) *Client {
	if path, ok := strings.CutPrefix(addr, unixPrefix); ok {
		return &Client{
			baseURL: unixHost,
			httpClient: &http.Client{
				Transport: &http.Transport{
					DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
						return (&net.Dialer{}).DialContext(ctx, "unix", path)
					},
				},
			},
		}
	}

	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{},
	}
}

// Provision starts a provisioning run.
func (c *Client) Provision(ctx context.Context, endpointURL string, auth backend.AuthParams) (api.StatusResponse, error) {
	return c.postStatus(ctx, "/v1/provisioning", &api.ProvisionRequest{EndpointURL: endpointURL, AuthParams: auth})
}

// CoreDownload stages a core download without applying it.
func (c *Client) CoreDownload(ctx context.Context, endpointURL string, auth backend.AuthParams) (api.StatusResponse, error) {
	return c.postStatus(ctx, "/v1/core/download", &api.ProvisionRequest{EndpointURL: endpointURL, AuthParams: auth})
}

// CoreUpdate applies a staged core download.
func (c *Client) CoreUpdate(ctx context.Context) (api.StatusResponse, error) {
	return c.postStatus(ctx, "/v1/core/update", nil)
}

// SyncLogs runs the core log sync and returns its 0 or -1 result.
func (c *Client) SyncLogs(ctx context.Context) (int, error) {
	var out api.SyncLogsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/logs/sync", nil, &out); err != nil {
		return 0, fmt.Errorf("sync logs: %w", err)
	}
	return out.Result, nil
}

// Properties returns the engine's current state.
func (c *Client) Properties(ctx context.Context) (engine.Properties, error) {
	var out engine.Properties
	if err := c.do(ctx, http.MethodGet, "/v1/properties", nil, &out); err != nil {
		return out, fmt.Errorf("properties: %w", err)
	}
	return out, nil
}

// History returns a page of persisted transitions, newest first.
func (c *Client) History(ctx context.Context, limit, offset int) (api.HistoryResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))

	var out api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/v1/history?"+q.Encode(), nil, &out); err != nil {
		return out, fmt.Errorf("history: %w", err)
	}
	return out, nil
}

// Backends lists the registered backends and their provisioned flags.
func (c *Client) Backends(ctx context.Context) ([]api.BackendStatus, error) {
	var out []api.BackendStatus
	if err := c.do(ctx, http.MethodGet, "/v1/backends", nil, &out); err != nil {
		return nil, fmt.Errorf("backends: %w", err)
	}
	return out, nil
}

// Event is one message of the status event stream. Exactly one of
// Properties and Transition is set, except for the final done event.
type Event struct {
	Name       string
	Properties *engine.Properties
	Transition *model.Transition
}

// ErrStopWatch can be returned by a Watch callback to end the stream
// without error.
var ErrStopWatch = errors.New("stop watching")

// Watch streams status events to fn until ctx is done, the daemon ends the
// stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/status/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch: %w", decodeError(resp))
	}

	var name string
	var data strings.Builder
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data.WriteString(strings.TrimPrefix(line, "data: "))
		case line == "":
			ev, err := parseEvent(name, data.String())
			name = ""
			data.Reset()
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			if err := fn(ev); err != nil {
				if errors.Is(err, ErrStopWatch) {
					return nil
				}
				return err
			}
			if ev.Name == api.EventDone {
				return nil
			}
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

func parseEvent(name, data string) (Event, error) {
	ev := Event{Name: name}
	switch name {
	case api.EventProperties:
		ev.Properties = &engine.Properties{}
		if err := json.Unmarshal([]byte(data), ev.Properties); err != nil {
			return ev, fmt.Errorf("decode properties: %w", err)
		}
	case api.EventStatus:
		ev.Transition = &model.Transition{}
		if err := json.Unmarshal([]byte(data), ev.Transition); err != nil {
			return ev, fmt.Errorf("decode transition: %w", err)
		}
	}
	return ev, nil
}

func (c *Client) postStatus(ctx context.Context, path string, body any) (api.StatusResponse, error) {
	var out api.StatusResponse
	err := c.do(ctx, http.MethodPost, path, body, &out)
	return out, err
}

// do sends a JSON request and decodes a 2xx JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
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
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}

	var body struct {
		Status     *model.Status `json:"status"`
		StatusName string        `json:"status_name"`
		Error      string        `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			apiErr.Message = body.Error
		}
		if body.Status != nil {
			apiErr.Status = &api.StatusResponse{Status: *body.Status, StatusName: body.StatusName, Error: body.Error}
		}
	}
	return apiErr
}
