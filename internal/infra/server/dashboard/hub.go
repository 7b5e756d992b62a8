package dashboard

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/app/engine"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/bus/eventbus"
	"github.com/featherwire/aviary/internal/infra/config"
)

// writeTimeout bounds one frame write to a client socket.
const writeTimeout = 5 * time.Second

// Engine is the stream-core surface the hub reads and retargets.
type Engine interface {
	Stats() engine.Stats
	Recent() []schema.Event
	RuntimeSubscription() config.RuntimeSubscription
	SetRuntimeSubscription(ctx context.Context, channels, users []string) (config.RuntimeSubscription, error)
}

// Hub fans delivered events out to connected dashboard clients and serves the
// runtime-subscription RPC. Slow clients are dropped rather than allowed to
// stall the fanout.
type Hub struct {
	cfg  config.DashboardConfig
	core Engine
	bus  eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*hubClient
	subID   eventbus.SubscriptionID
	running bool

	metrics *hubMetrics
}

// hubClient is one connected dashboard. The outbound queue decouples the
// hub's broadcast path from the client's socket.
type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	// done signals the write pump to exit; the send channel itself is never
	// closed so broadcasters cannot race a close.
	done chan struct{}

	closeOnce sync.Once
}

// NewHub wires the hub to the engine and bus. Mount it on a mux (typically at
// /ws) and call Start to begin live fanout.
func NewHub(cfg config.DashboardConfig, core Engine, bus eventbus.Bus) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:     cfg,
		core:    core,
		bus:     bus,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*hubClient),
		metrics: newHubMetrics(),
	}
}

// Start subscribes to the events bus channel. Idempotent while running.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	if h.bus == nil {
		return errs.New("dashboard/hub", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	id, err := h.bus.Subscribe(eventbus.ChannelEvents, h.handleBusEvent)
	if err != nil {
		return err
	}
	h.subID = id
	h.running = true
	return nil
}

// Stop unsubscribes from the bus and disconnects every client.
func (h *Hub) Stop(_ context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	id := h.subID
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	h.bus.Unsubscribe(id)
	h.cancel()
	for _, c := range clients {
		h.dropClient(c, websocket.StatusGoingAway, "hub shutting down")
	}
	return nil
}

// ClientCount reports how many dashboards are connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a WebSocket connection and runs the
// client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:         nil,
		InsecureSkipVerify:   false,
		OriginPatterns:       []string{"*"},
		CompressionMode:      websocket.CompressionDisabled,
		CompressionThreshold: 0,
	})
	if err != nil {
		log.Printf("dashboard: upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}

	client := &hubClient{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, h.cfg.SendBuffer),
		done:      make(chan struct{}),
		closeOnce: sync.Once{},
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "hub not running")
		return
	}
	h.clients[client.id] = client
	h.mu.Unlock()
	h.metrics.recordConnect(h.ctx)

	go h.writePump(client)

	if err := h.sendState(client); err != nil {
		log.Printf("dashboard: initial state push failed client=%s err=%v", client.id, err)
	}

	h.readLoop(r.Context(), client)
}

// handleBusEvent runs on the bus fanout worker; it only marshals and enqueues.
func (h *Hub) handleBusEvent(_ context.Context, evt *schema.Event) error {
	frame, err := marshalEnvelope(MsgEvent, "", evt)
	if err != nil {
		return errs.New("dashboard/hub", errs.CodeHandler,
			errs.WithMessage("encode event frame"), errs.WithCause(err))
	}
	h.broadcast(frame)
	return nil
}

// BroadcastSubscription pushes the new runtime subscription to every
// connected client. Wire it as the engine's subscription listener.
func (h *Hub) BroadcastSubscription(sub config.RuntimeSubscription) {
	frame, err := marshalEnvelope(MsgSubscriptionUpdated, "", sub)
	if err != nil {
		log.Printf("dashboard: encode subscription update err=%v", err)
		return
	}
	h.broadcast(frame)
}

func (h *Hub) broadcast(frame []byte) {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.enqueue(c, frame)
	}
	h.metrics.recordBroadcast(h.ctx, len(clients))
}

// enqueue offers the frame to the client's queue; a full queue marks the
// client slow and disconnects it.
func (h *Hub) enqueue(c *hubClient, frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		h.metrics.recordSlowDrop(h.ctx)
		log.Printf("dashboard: dropping slow client=%s", c.id)
		h.dropClient(c, websocket.StatusPolicyViolation, "send queue overflow")
	}
}

func (h *Hub) sendState(c *hubClient) error {
	state := StatePayload{Events: []schema.Event{}, Stats: engine.Stats{}}
	if h.core != nil {
		state.Events = h.core.Recent()
		state.Stats = h.core.Stats()
	}
	frame, err := marshalEnvelope(MsgState, "", state)
	if err != nil {
		return err
	}
	h.enqueue(c, frame)
	return nil
}

func (h *Hub) writePump(c *hubClient) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				h.dropClient(c, websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *hubClient) {
	defer h.dropClient(c, websocket.StatusNormalClosure, "")

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("dashboard: malformed frame client=%s err=%v", c.id, err)
			continue
		}
		h.handleRequest(ctx, c, env)
	}
}

func (h *Hub) handleRequest(ctx context.Context, c *hubClient, env Envelope) {
	started := time.Now()
	ack := h.dispatch(ctx, env)
	h.metrics.recordRequest(h.ctx, env.Type, ack.Error == "", time.Since(started))

	frame, err := marshalEnvelope(env.Type, env.ID, ack)
	if err != nil {
		log.Printf("dashboard: encode response client=%s type=%s err=%v", c.id, env.Type, err)
		return
	}
	h.enqueue(c, frame)
}

func (h *Hub) dispatch(ctx context.Context, env Envelope) Ack {
	switch env.Type {
	case MsgGetRuntimeSubscription:
		if h.core == nil {
			return errorAck(ErrCoreNotInitialized)
		}
		ack, err := successAck(h.core.RuntimeSubscription())
		if err != nil {
			return errorAck(err.Error())
		}
		return ack

	case MsgSetRuntimeSubscription:
		if h.core == nil {
			return errorAck(ErrCoreNotInitialized)
		}
		var req SetSubscriptionRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return errorAck("malformed payload: " + err.Error())
			}
		}
		applied, err := h.core.SetRuntimeSubscription(ctx, req.Channels, req.Users)
		if err != nil {
			return errorAck(err.Error())
		}
		ack, err := successAck(applied)
		if err != nil {
			return errorAck(err.Error())
		}
		return ack

	default:
		return errorAck("unknown request type: " + env.Type)
	}
}

// dropClient unregisters and closes the client. Safe to call repeatedly from
// any goroutine.
func (h *Hub) dropClient(c *hubClient, code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()

		close(c.done)
		_ = c.conn.Close(code, reason)
		h.metrics.recordDisconnect(h.ctx)
	})
}
