package status

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/controller/internal/audit"
	"github.com/mattjoyce/controller/internal/events"
)

// baseURL is a placeholder host; every request goes to the socket.
const baseURL = "http://controller"

// Client queries a status server over its unix socket.
type Client struct {
	socket string
	http   *http.Client
	// stream has no overall timeout; /events stays open.
	stream *http.Client
}

// NewClient returns a client for the server listening on socket.
func NewClient(socket string, timeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{
		socket: socket,
		http:   &http.Client{Transport: transport, Timeout: timeout},
		stream: &http.Client{Transport: transport},
	}
}

// Socket returns the socket path.
func (c *Client) Socket() string { return c.socket }

// Health fetches GET /healthz.
func (c *Client) Health(ctx context.Context) (*HealthzResponse, error) {
	var h HealthzResponse
	if err := c.get(ctx, "/healthz", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Launches fetches GET /launches. limit <= 0 uses the server default.
func (c *Client) Launches(ctx context.Context, limit int) ([]audit.Entry, error) {
	path := "/launches"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var resp LaunchesResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Launches, nil
}

// Events follows GET /events, delivering each event to ch until the
// stream ends or ctx is cancelled. It always returns a non-nil error.
func (c *Client) Events(ctx context.Context, ch chan<- events.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events", nil)
	if err != nil {
		return err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", c.socket, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("/events: unexpected status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current.Data != nil {
				current.At = time.Now()
				select {
				case ch <- current:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			current = events.Event{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(line[6:])
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", c.socket, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", path, e.Error)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
