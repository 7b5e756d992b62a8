// Package apify adapts the remote Twitter-activity feed: an SSE stream of
// events per channel plus a small REST surface for the active-users list.
package apify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/config"
)

const (
	defaultConnectTimeout = 20 * time.Second
	defaultIdleTimeout    = 60 * time.Second

	// Tweets with embedded media metadata produce large data lines.
	maxFrameLineBytes = 1 << 20
)

// Frame is one parsed SSE frame. Data joins multi-line data fields with
// newlines, ID carries the frame's id field when present.
type Frame struct {
	Event string
	Data  string
	ID    string
}

// StreamClient dials the upstream SSE endpoints.
type StreamClient struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	idleTimeout time.Duration
}

// NewStreamClient constructs an SSE client for the configured upstream. The
// connect timeout bounds dial plus response headers; the idle timeout bounds
// the gap between received lines once streaming.
func NewStreamClient(cfg config.UpstreamConfig) *StreamClient {
	connectTimeout := cfg.ConnectTimeout.StdDuration()
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	idleTimeout := cfg.IdleReadTimeout.StdDuration()
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: connectTimeout,
		IdleConnTimeout:       90 * time.Second,
	}

	return &StreamClient{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		// No overall client timeout: the response body is a long-lived stream.
		httpClient:  &http.Client{Transport: transport},
		idleTimeout: idleTimeout,
	}
}

// EndpointFor returns the SSE URL serving the given channel.
func (c *StreamClient) EndpointFor(channel schema.Channel) string {
	return fmt.Sprintf("%s/sse/%s", c.baseURL, channel)
}

// Connect opens an authenticated SSE stream for the channel. A non-empty
// lastEventID asks the upstream to resume after that event.
func (c *StreamClient) Connect(ctx context.Context, channel schema.Channel, lastEventID string) (*EventStream, error) {
	if c.baseURL == "" {
		return nil, errs.New("apify/stream", errs.CodeConfig, errs.WithMessage("upstream base URL not configured"))
	}

	endpoint := c.EndpointFor(channel)
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, errs.New("apify/stream", errs.CodeConfig,
			errs.WithMessage("build stream request"), errs.WithCause(err), errs.WithField("endpoint", endpoint))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, errs.New("apify/stream", errs.CodeNetwork,
			errs.WithMessage("connect stream"), errs.WithCause(err), errs.WithField("endpoint", endpoint))
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		detail := drainBody(resp.Body)
		cancel()
		return nil, errs.New("apify/stream", errs.CodeAuth,
			errs.WithMessage("upstream rejected credentials"),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(detail),
			errs.WithField("endpoint", endpoint))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := drainBody(resp.Body)
		cancel()
		return nil, errs.New("apify/stream", errs.CodeNetwork,
			errs.WithMessage(fmt.Sprintf("stream status %d", resp.StatusCode)),
			errs.WithHTTP(resp.StatusCode),
			errs.WithRawMessage(detail),
			errs.WithField("endpoint", endpoint))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/event-stream") {
		_ = resp.Body.Close()
		cancel()
		return nil, errs.New("apify/stream", errs.CodeNetwork,
			errs.WithMessage("unexpected content type"), errs.WithField("content_type", ct))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameLineBytes)

	stream := &EventStream{
		channel:     channel,
		endpoint:    endpoint,
		ctx:         streamCtx,
		cancel:      cancel,
		body:        resp.Body,
		scanner:     scanner,
		idleTimeout: c.idleTimeout,
		lastEventID: lastEventID,
	}
	// The watchdog tears the connection down when the upstream goes silent;
	// every received line pushes it out.
	stream.watchdog = time.AfterFunc(c.idleTimeout, cancel)
	return stream, nil
}

// EventStream is one open SSE connection. Next is not safe for concurrent
// use; Close may be called from any goroutine.
type EventStream struct {
	channel  schema.Channel
	endpoint string

	ctx     context.Context
	cancel  context.CancelFunc
	body    io.ReadCloser
	scanner *bufio.Scanner

	idleTimeout time.Duration
	watchdog    *time.Timer

	mu          sync.Mutex
	lastEventID string
	closed      bool
}

// Channel returns the upstream channel this stream serves.
func (s *EventStream) Channel() schema.Channel { return s.channel }

// Endpoint returns the URL the stream is connected to.
func (s *EventStream) Endpoint() string { return s.endpoint }

// LastEventID returns the most recent id field observed on the stream, used
// to resume after a reconnect.
func (s *EventStream) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Next blocks until a complete frame with data arrives. Comment lines
// (heartbeats) and frames without data are consumed silently. It returns a
// network-scoped error on EOF, read failure, cancellation or idle timeout.
func (s *EventStream) Next() (Frame, error) {
	frame := Frame{}
	var data []string

	for s.scanner.Scan() {
		if s.watchdog != nil {
			s.watchdog.Reset(s.idleTimeout)
		}
		line := s.scanner.Text()

		if line == "" {
			// Blank line dispatches the frame, but only when it carries data.
			if len(data) == 0 {
				frame = Frame{}
				continue
			}
			frame.Data = strings.Join(data, "\n")
			return frame, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitFrameField(line)
		switch field {
		case "event":
			frame.Event = value
		case "data":
			data = append(data, value)
		case "id":
			frame.ID = value
			s.mu.Lock()
			s.lastEventID = value
			s.mu.Unlock()
		case "retry":
			// Reconnect pacing is owned by the loop's backoff.
		}
	}

	if err := s.scanner.Err(); err != nil {
		if s.ctx.Err() != nil {
			return Frame{}, errs.New("apify/stream", errs.CodeNetwork,
				errs.WithMessage("stream canceled or idle"), errs.WithCause(s.ctx.Err()), errs.WithField("endpoint", s.endpoint))
		}
		return Frame{}, errs.New("apify/stream", errs.CodeNetwork,
			errs.WithMessage("stream read failed"), errs.WithCause(err), errs.WithField("endpoint", s.endpoint))
	}
	return Frame{}, errs.New("apify/stream", errs.CodeNetwork,
		errs.WithMessage("stream closed by upstream"), errs.WithCause(io.EOF), errs.WithField("endpoint", s.endpoint))
}

// Close tears down the connection. Safe to call more than once.
func (s *EventStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.watchdog != nil {
		s.watchdog.Stop()
	}
	s.cancel()
	_ = s.body.Close()
}

// splitFrameField splits an SSE line into field name and value, stripping the
// single optional space after the colon.
func splitFrameField(line string) (string, string) {
	name, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return name, strings.TrimPrefix(value, " ")
}

func drainBody(body io.ReadCloser) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	_ = body.Close()
	return strings.TrimSpace(string(raw))
}
