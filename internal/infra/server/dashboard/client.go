package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/featherwire/aviary/internal/infra/config"
)

// defaultCallTimeout bounds one RPC round trip when the caller passes none.
const defaultCallTimeout = 10 * time.Second

// Client is the programmatic side of the dashboard protocol: it issues
// ack-style RPCs and surfaces server pushes on Notices. Pending calls are
// always cleaned up, whether they end in a response, a timeout, or a closed
// socket.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Ack
	closed  bool

	notices chan Envelope
	done    chan struct{}
}

// DialClient connects to a hub URL (ws:// or http:// with the /ws path). A
// non-positive timeout uses the protocol default of 10 s.
func DialClient(ctx context.Context, url string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial dashboard: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &Client{
		conn:    conn,
		timeout: timeout,
		pending: make(map[string]chan Ack),
		notices: make(chan Envelope, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notices delivers server pushes (event, state, runtimeSubscriptionUpdated).
// Pushes arriving while the buffer is full are discarded.
func (c *Client) Notices() <-chan Envelope { return c.notices }

// Close tears the connection down and fails every pending call.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
	c.failPending()
}

// PendingCalls reports how many RPCs are awaiting a response.
func (c *Client) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetRuntimeSubscription fetches the engine's current subscription state.
func (c *Client) GetRuntimeSubscription(ctx context.Context) (config.RuntimeSubscription, error) {
	data, err := c.Call(ctx, MsgGetRuntimeSubscription, nil)
	if err != nil {
		return config.RuntimeSubscription{}, err
	}
	return decodeSubscription(data)
}

// SetRuntimeSubscription asks the engine to retarget its upstream channels
// and user set, returning the applied state.
func (c *Client) SetRuntimeSubscription(ctx context.Context, channels, users []string) (config.RuntimeSubscription, error) {
	data, err := c.Call(ctx, MsgSetRuntimeSubscription, SetSubscriptionRequest{Channels: channels, Users: users})
	if err != nil {
		return config.RuntimeSubscription{}, err
	}
	return decodeSubscription(data)
}

// Call sends one request and waits for its ack. The error is the server's
// rejection string, "timeout after <n>ms" when no response arrives in time,
// or "Socket not connected" when the client is closed.
func (c *Client) Call(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	reply := make(chan Ack, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New(ErrSocketNotConnected)
	}
	c.pending[id] = reply
	c.mu.Unlock()

	// Whatever happens below, the pending entry must not outlive the call.
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame, err := marshalEnvelope(msgType, id, payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	err = c.conn.Write(writeCtx, websocket.MessageText, frame)
	cancel()
	if err != nil {
		return nil, errors.New(ErrSocketNotConnected)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case ack := <-reply:
		if ack.Error != "" {
			return nil, errors.New(ack.Error)
		}
		return ack.Data, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout after %dms", c.timeout.Milliseconds())
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errors.New(ErrSocketNotConnected)
	}
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.conn.Read(context.Background())
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		if env.ID != "" {
			c.resolve(env)
			continue
		}

		select {
		case c.notices <- env:
		default:
			// Dashboard pushes are advisory; a stalled consumer loses them.
		}
	}
}

func (c *Client) resolve(env Envelope) {
	var ack Ack
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			ack = errorAck("malformed response: " + err.Error())
		}
	}

	c.mu.Lock()
	reply, ok := c.pending[env.ID]
	c.mu.Unlock()
	if !ok {
		// Response raced a timeout that already gave up on the id.
		return
	}

	select {
	case reply <- ack:
	default:
	}
}

// failPending answers every in-flight call with a closed-socket rejection so
// no caller blocks until its timeout.
func (c *Client) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan Ack)
	c.mu.Unlock()

	for _, reply := range pending {
		select {
		case reply <- errorAck(ErrSocketNotConnected):
		default:
		}
	}
}

func decodeSubscription(data json.RawMessage) (config.RuntimeSubscription, error) {
	var sub config.RuntimeSubscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return config.RuntimeSubscription{}, fmt.Errorf("decode subscription state: %w", err)
	}
	return sub, nil
}
