package alerts

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/featherwire/aviary/errs"
	"github.com/featherwire/aviary/internal/domain/schema"
	"github.com/featherwire/aviary/internal/infra/bus/eventbus"
	"github.com/featherwire/aviary/internal/infra/config"
	"github.com/featherwire/aviary/lib/async"
)

// SinkCounters reports delivery totals for one sink.
type SinkCounters struct {
	Sent   uint64 `json:"sent"`
	Failed uint64 `json:"failed"`
}

// sinkWorker pairs a sink with its queue and limiter. One pool worker per
// sink preserves per-sink delivery order.
type sinkWorker struct {
	sink    Sink
	pool    *async.Pool
	limiter *rate.Limiter
	sent    atomic.Uint64
	failed  atomic.Uint64
}

// Dispatcher subscribes to the alerts bus channel and forwards formatted
// messages to every configured sink. Enqueueing never blocks the publisher;
// a full queue counts as a delivery failure.
type Dispatcher struct {
	cfg     config.AlertsConfig
	bus     eventbus.Bus
	workers []*sinkWorker
	dead    *deadLetterQueue
	metrics *alertMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subID   eventbus.SubscriptionID
	running bool
}

// NewDispatcher builds a dispatcher for the given sinks. At least one sink
// is required.
func NewDispatcher(cfg config.AlertsConfig, bus eventbus.Bus, sinks ...Sink) (*Dispatcher, error) {
	if bus == nil {
		return nil, errs.New("alerts/dispatcher", errs.CodeInvalid, errs.WithMessage("bus required"))
	}
	if len(sinks) == 0 {
		return nil, errs.New("alerts/dispatcher", errs.CodeInvalid, errs.WithMessage("at least one sink required"))
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DeadLetterSize <= 0 {
		cfg.DeadLetterSize = 128
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = config.Duration(10 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	workers := make([]*sinkWorker, 0, len(sinks))
	for _, sink := range sinks {
		pool, err := async.NewPool(1, cfg.QueueSize)
		if err != nil {
			cancel()
			for _, built := range workers {
				built.pool.Close()
			}
			return nil, err
		}
		workers = append(workers, &sinkWorker{
			sink:    sink,
			pool:    pool,
			limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		})
	}

	return &Dispatcher{
		cfg:     cfg,
		bus:     bus,
		workers: workers,
		dead:    newDeadLetterQueue(cfg.DeadLetterSize),
		metrics: newAlertMetrics(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start subscribes to the alerts channel. Idempotent while running.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	id, err := d.bus.Subscribe(eventbus.ChannelAlerts, d.handleEvent)
	if err != nil {
		return err
	}
	d.subID = id
	d.running = true
	return nil
}

// Stop unsubscribes and drains queued deliveries, bounded by ctx. Remaining
// deliveries are aborted once ctx expires.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	id := d.subID
	d.mu.Unlock()

	d.bus.Unsubscribe(id)

	var firstErr error
	for _, worker := range d.workers {
		if err := worker.pool.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.cancel()
	return firstErr
}

// Counters returns per-sink delivery totals keyed by sink name.
func (d *Dispatcher) Counters() map[string]SinkCounters {
	out := make(map[string]SinkCounters, len(d.workers))
	for _, worker := range d.workers {
		out[worker.sink.Name()] = SinkCounters{
			Sent:   worker.sent.Load(),
			Failed: worker.failed.Load(),
		}
	}
	return out
}

// DrainDeadLetters retrieves and clears the failed-delivery buffer.
func (d *Dispatcher) DrainDeadLetters() []DeadLetter {
	letters := d.dead.Drain()
	d.metrics.recordDeadLetterSize(context.Background(), d.dead.Len())
	return letters
}

// DeadLetterCount reports how many failed deliveries are buffered.
func (d *Dispatcher) DeadLetterCount() int {
	return d.dead.Len()
}

// handleEvent runs on the bus fanout worker; it only formats and enqueues.
func (d *Dispatcher) handleEvent(_ context.Context, evt *schema.Event) error {
	message := FormatAlertMessage(evt)
	if message == "" {
		return nil
	}
	for _, worker := range d.workers {
		err := worker.pool.Submit(d.ctx, func(taskCtx context.Context) error {
			d.deliver(taskCtx, worker, message)
			return nil
		})
		if err != nil {
			d.recordFailure(worker, message, "queue_full")
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, worker *sinkWorker, message string) {
	if err := worker.limiter.Wait(ctx); err != nil {
		d.recordFailure(worker, message, "canceled")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout.StdDuration())
	defer cancel()
	if err := worker.sink.Send(sendCtx, message); err != nil {
		log.Printf("alerts: send failed sink=%s err=%v", worker.sink.Name(), err)
		d.recordFailure(worker, message, "send_error")
		return
	}

	worker.sent.Add(1)
	d.metrics.recordSent(ctx, worker.sink.Name())
}

func (d *Dispatcher) recordFailure(worker *sinkWorker, message, reason string) {
	worker.failed.Add(1)
	d.metrics.recordFailed(context.Background(), worker.sink.Name(), reason)
	d.dead.Offer(DeadLetter{
		Sink:     worker.sink.Name(),
		Message:  message,
		Reason:   reason,
		FailedAt: time.Now().UTC(),
	})
	d.metrics.recordDeadLetterSize(context.Background(), d.dead.Len())
}
