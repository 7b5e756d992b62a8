package apify

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/domain/schema"
)

const (
	backoffBase     = time.Second
	backoffMaxDelay = 30 * time.Second

	// Connect failures tolerated before the initial probe gives up.
	probeCandidateLimit = 3

	defaultMaxRetriesPerEndpoint = 3
)

// ConnState describes one stream loop's connection lifecycle.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateDisconnected ConnState = "disconnected"
)

// EventFunc receives each parsed event in arrival order.
type EventFunc func(ctx context.Context, channel schema.Channel, evt *schema.Event)

// StateFunc observes connection state transitions for a loop.
type StateFunc func(channel schema.Channel, state ConnState, endpoint string)

// LoopConfig wires one stream loop to its owner.
type LoopConfig struct {
	// Channel is the loop's home channel; rotation starts here and proceeds
	// through the canonical channel list cyclically.
	Channel schema.Channel

	// MaxRetriesPerEndpoint bounds same-endpoint retries after a read failure
	// before rotating. Defaults to 3.
	MaxRetriesPerEndpoint int

	OnEvent EventFunc
	OnState StateFunc

	// OnParseError observes frames that failed to decode; the stream skips
	// them and continues.
	OnParseError func(channel schema.Channel, err error)

	// OnFatal observes unrecoverable failures (authentication rejection).
	// The loop stops itself before calling it.
	OnFatal func(channel schema.Channel, err error)
}

// RotationOrder returns the endpoint candidates for a channel: the channel
// itself first, then the rest of the canonical list cyclically.
func RotationOrder(channel schema.Channel) []schema.Channel {
	canonical := schema.AllChannels()
	start := 0
	for i, c := range canonical {
		if c == channel {
			start = i
			break
		}
	}
	order := make([]schema.Channel, 0, len(canonical))
	for i := 0; i < len(canonical); i++ {
		order = append(order, canonical[(start+i)%len(canonical)])
	}
	return order
}

// StreamLoop maintains one SSE connection with candidate rotation, retry
// budgets and exponential backoff.
type StreamLoop struct {
	client *StreamClient
	cfg    LoopConfig

	ctx    context.Context
	cancel context.CancelFunc

	stream   *EventStream
	streamMu sync.RWMutex

	candidates  []schema.Channel
	endpointIdx int
	lastEventID string

	ready     chan struct{}
	readyOnce sync.Once
	probeErr  chan error
	done      chan struct{}

	metrics *streamMetrics
}

// NewStreamLoop constructs a loop bound to ctx; cancelling ctx stops it.
func NewStreamLoop(ctx context.Context, client *StreamClient, cfg LoopConfig) *StreamLoop {
	if cfg.MaxRetriesPerEndpoint <= 0 {
		cfg.MaxRetriesPerEndpoint = defaultMaxRetriesPerEndpoint
	}
	loopCtx, cancel := context.WithCancel(ctx)
	return &StreamLoop{
		client:     client,
		cfg:        cfg,
		ctx:        loopCtx,
		cancel:     cancel,
		candidates: RotationOrder(cfg.Channel),
		ready:      make(chan struct{}),
		probeErr:   make(chan error, 1),
		done:       make(chan struct{}),
		metrics:    newStreamMetrics(),
	}
}

// Start launches the connection loop and waits for the outcome of the
// initial probe: nil once the first connect succeeds, a config-scoped error
// when the first candidates are all unreachable.
func (l *StreamLoop) Start() error {
	go l.run()

	select {
	case <-l.ready:
		return nil
	case err := <-l.probeErr:
		return err
	case <-l.ctx.Done():
		return errs.New("apify/stream", errs.CodeUnavailable,
			errs.WithMessage("stream loop canceled before first connect"), errs.WithCause(l.ctx.Err()))
	}
}

// Stop cancels the loop and closes any open stream. Use Done to wait for the
// loop goroutine to drain.
func (l *StreamLoop) Stop() {
	l.cancel()
	l.streamMu.Lock()
	if l.stream != nil {
		l.stream.Close()
		l.stream = nil
	}
	l.streamMu.Unlock()
}

// Done is closed once the loop goroutine has exited.
func (l *StreamLoop) Done() <-chan struct{} { return l.done }

// CurrentEndpoint returns the candidate the loop is connected to or probing.
func (l *StreamLoop) CurrentEndpoint() string {
	l.streamMu.RLock()
	defer l.streamMu.RUnlock()
	return l.client.EndpointFor(l.candidates[l.endpointIdx%len(l.candidates)])
}

func (l *StreamLoop) run() {
	defer close(l.done)

	expo := newStreamBackoff()
	probeFailures := 0
	connectedOnce := false
	retriesOnEndpoint := 0

	for {
		select {
		case <-l.ctx.Done():
			l.reportState(StateDisconnected)
			return
		default:
		}

		candidate := l.currentCandidate()
		l.reportState(StateConnecting)

		dialStart := time.Now()
		stream, err := l.client.Connect(l.ctx, candidate, l.lastEventID)
		if err != nil {
			l.metrics.recordConnect(l.ctx, string(candidate), "failure", 0)
			if errs.HasCode(err, errs.CodeAuth) {
				l.failFatal(err)
				return
			}
			if l.ctx.Err() != nil {
				l.reportState(StateDisconnected)
				return
			}

			log.Printf("apify: connect failed channel=%s endpoint=%s err=%v", l.cfg.Channel, l.client.EndpointFor(candidate), err)
			if !connectedOnce {
				probeFailures++
				if probeFailures >= probeCandidateLimit {
					l.failProbe(err, probeFailures)
					return
				}
			}
			l.rotate()
			if !l.sleepBackoff(expo) {
				l.reportState(StateDisconnected)
				return
			}
			continue
		}

		l.metrics.recordConnect(l.ctx, string(candidate), "success", time.Since(dialStart))
		connectedOnce = true
		retriesOnEndpoint = 0
		expo.Reset()
		l.setStream(stream)
		l.readyOnce.Do(func() { close(l.ready) })
		l.reportState(StateConnected)

		readErr := l.consume(stream)
		l.lastEventID = stream.LastEventID()
		l.setStream(nil)
		stream.Close()

		if l.ctx.Err() != nil {
			l.reportState(StateDisconnected)
			return
		}

		log.Printf("apify: stream dropped channel=%s endpoint=%s err=%v", l.cfg.Channel, stream.Endpoint(), readErr)
		l.reportState(StateReconnecting)
		l.metrics.recordReconnect(l.ctx, string(candidate))

		// Read failures retry the same endpoint a few times before rotating.
		retriesOnEndpoint++
		if retriesOnEndpoint >= l.cfg.MaxRetriesPerEndpoint {
			retriesOnEndpoint = 0
			l.rotate()
		}
		if !l.sleepBackoff(expo) {
			l.reportState(StateDisconnected)
			return
		}
	}
}

func (l *StreamLoop) consume(stream *EventStream) error {
	for {
		frame, err := stream.Next()
		if err != nil {
			return err
		}
		l.metrics.recordFrame(l.ctx, string(stream.Channel()), len(frame.Data))

		evt, err := ParseEvent(frame)
		if err != nil {
			l.metrics.recordParseFailure(l.ctx, string(stream.Channel()))
			if l.cfg.OnParseError != nil {
				l.cfg.OnParseError(l.cfg.Channel, err)
			}
			continue
		}
		if l.cfg.OnEvent != nil {
			l.cfg.OnEvent(l.ctx, l.cfg.Channel, evt)
		}
	}
}

func (l *StreamLoop) currentCandidate() schema.Channel {
	l.streamMu.RLock()
	defer l.streamMu.RUnlock()
	return l.candidates[l.endpointIdx%len(l.candidates)]
}

func (l *StreamLoop) rotate() {
	l.streamMu.Lock()
	l.endpointIdx = (l.endpointIdx + 1) % len(l.candidates)
	l.streamMu.Unlock()
	l.metrics.recordRotation(l.ctx, string(l.cfg.Channel))
}

func (l *StreamLoop) setStream(stream *EventStream) {
	l.streamMu.Lock()
	l.stream = stream
	l.streamMu.Unlock()
}

func (l *StreamLoop) reportState(state ConnState) {
	if l.cfg.OnState == nil {
		return
	}
	l.cfg.OnState(l.cfg.Channel, state, l.CurrentEndpoint())
}

func (l *StreamLoop) failProbe(cause error, attempts int) {
	err := errs.New("apify/stream", errs.CodeConfig,
		errs.WithMessage(fmt.Sprintf("upstream unreachable after probing %d endpoints", attempts)),
		errs.WithRemediation("check upstream base URL and network reachability"),
		errs.WithCause(cause))
	select {
	case l.probeErr <- err:
	default:
	}
	l.reportState(StateDisconnected)
}

func (l *StreamLoop) failFatal(err error) {
	// Surface through the probe path too, in case the very first connect hit
	// the credential rejection.
	select {
	case l.probeErr <- err:
	default:
	}
	l.reportState(StateDisconnected)
	if l.cfg.OnFatal != nil {
		l.cfg.OnFatal(l.cfg.Channel, err)
	}
}

// sleepBackoff waits for the next backoff delay plus jitter. It returns
// false when the loop context ended during the wait.
func (l *StreamLoop) sleepBackoff(expo *backoff.ExponentialBackOff) bool {
	delay := expo.NextBackOff() + jitter(backoffBase)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// newStreamBackoff builds the deterministic half of the reconnect delay:
// 1s, 2s, 4s ... capped at 30s. Jitter is added per wait.
func newStreamBackoff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = backoffBase
	expo.RandomizationFactor = 0
	expo.Multiplier = 2
	expo.MaxInterval = backoffMaxDelay
	return expo
}

// jitter draws a uniform duration from [0, limit).
func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := crand.Int(crand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
