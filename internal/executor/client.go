package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kubently/kubently/internal/models"
)

// Client is the executor's HTTP client against the coordinator. Every call
// carries the cluster token and X-Cluster-ID headers, plus the current
// capability advertisement (security mode and version).
type Client struct {
	base      string
	clusterID string
	token     string
	http      *http.Client
	// streamHTTP has no overall timeout; the stream is meant to stay open.
	streamHTTP *http.Client

	advert atomic.Pointer[advertisement]
}

type advertisement struct {
	mode    string
	version string
}

// NewClient builds the client. base is the coordinator URL without a
// trailing slash.
func NewClient(base, clusterID, token string) *Client {
	return &Client{
		base:       strings.TrimSuffix(base, "/"),
		clusterID:  clusterID,
		token:      token,
		http:       &http.Client{Timeout: 60 * time.Second},
		streamHTTP: &http.Client{},
	}
}

// SetAdvertisement updates the capability headers sent with every request.
// Called on start and whenever the whitelist mode changes.
func (c *Client) SetAdvertisement(mode, version string) {
	c.advert.Store(&advertisement{mode: mode, version: version})
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Cluster-ID", c.clusterID)
	if a := c.advert.Load(); a != nil {
		req.Header.Set("X-Executor-Mode", a.mode)
		req.Header.Set("X-Executor-Version", a.version)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Status is the coordinator's activity view for this cluster.
type Status struct {
	ClusterID  string `json:"cluster_id"`
	IsActive   bool   `json:"is_active"`
	QueueDepth int64  `json:"queue_depth"`
}

// GetStatus calls GET /agent/status.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/agent/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status call returned %d", resp.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

// PollCommands calls GET /agent/commands with the given wait. Empty slice on
// 204.
func (c *Client) PollCommands(ctx context.Context, wait time.Duration) ([]models.Command, error) {
	path := "/agent/commands?wait=" + strconv.Itoa(int(wait.Seconds()))
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
	default:
		return nil, fmt.Errorf("long poll returned %d", resp.StatusCode)
	}
	var body struct {
		Commands []models.Command `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}
	return body.Commands, nil
}

// PostResult submits one result with at most one retry on transport errors.
// Application-level 4xx is final: retrying a rejected or expired result can
// never succeed.
func (c *Client) PostResult(ctx context.Context, res *models.CommandResult) error {
	payload, err := json.Marshal(map[string]interface{}{
		"command_id": res.CommandID,
		"result":     res,
	})
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		}
		req, err := c.newRequest(ctx, http.MethodPost, "/agent/results", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return fmt.Errorf("result rejected with %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("result post returned %d", resp.StatusCode)
	}
	return lastErr
}

// StreamEvent is one parsed server-sent event.
type StreamEvent struct {
	Kind string
	Data []byte
}

// Stream opens GET /executor/stream and delivers parsed events on the
// returned channel until the stream breaks or ctx is canceled. The channel
// closes when the stream ends; the caller decides backoff and reconnect.
func (c *Client) Stream(ctx context.Context) (<-chan StreamEvent, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/executor/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream open returned %d", resp.StatusCode)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		var kind string
		var data bytes.Buffer
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data.WriteString(strings.TrimPrefix(line, "data: "))
			case line == "":
				if kind != "" || data.Len() > 0 {
					ev := StreamEvent{Kind: kind, Data: append([]byte(nil), data.Bytes()...)}
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
				kind = ""
				data.Reset()
			}
		}
	}()
	return events, nil
}
