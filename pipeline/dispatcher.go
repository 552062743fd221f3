package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull is returned when the bounded turn queue stayed full past the
// enqueue wait.
var ErrQueueFull = errors.New("turn queue is full")

// ErrShuttingDown is returned once graceful shutdown has begun.
var ErrShuttingDown = errors.New("dispatcher is shutting down")

// Stats is the dispatcher's health gauge.
type Stats struct {
	QueueDepth  int   `json:"queue_depth"`
	BusyWorkers int   `json:"busy_workers"`
	Rejected    int64 `json:"rejected_count"`
	Dispatched  int64 `json:"dispatched_count"`
	Processed   int64 `json:"processed_count"`
	Failed      int64 `json:"failed_count"`
}

// Dispatcher runs the fixed worker pool over a bounded FIFO of Turns and
// enforces single-flight per conversation: at most one Turn per key is
// queued or in flight at any instant.
type Dispatcher struct {
	queue       chan *Turn
	process     func(context.Context, *Turn) error
	onReject    func(*Turn)
	workers     int
	enqueueWait time.Duration

	mu     sync.Mutex
	active map[ConversationKey]struct{}

	busyWorkers atomic.Int32
	rejected    atomic.Int64
	dispatched  atomic.Int64
	processed   atomic.Int64
	failed      atomic.Int64

	stopping atomic.Bool
	wg       sync.WaitGroup
}

// NewDispatcher builds the pool. process runs a Turn to completion; onReject
// is called (outside any lock) for Turns rejected at capacity.
func NewDispatcher(workers, queueCapacity int, enqueueWait time.Duration,
	process func(context.Context, *Turn) error, onReject func(*Turn)) *Dispatcher {
	return &Dispatcher{
		queue:       make(chan *Turn, queueCapacity),
		process:     process,
		onReject:    onReject,
		workers:     workers,
		enqueueWait: enqueueWait,
		active:      make(map[ConversationKey]struct{}),
	}
}

// Start launches the workers. They exit when ctx is cancelled and the queue
// is drained, or immediately on a second cancellation via Shutdown's budget.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx, i)
	}
	logrus.Infof("[WORKER_POOL] Started %d workers (queue capacity %d)", d.workers, cap(d.queue))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case turn := <-d.queue:
			d.runTurn(ctx, id, turn)
		case <-ctx.Done():
			// Drain what is already queued, then exit.
			for {
				select {
				case turn := <-d.queue:
					d.runTurn(ctx, id, turn)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) runTurn(ctx context.Context, workerID int, turn *Turn) {
	d.busyWorkers.Add(1)
	defer d.busyWorkers.Add(-1)
	// The active mark placed at enqueue time is released only here, so the
	// single-flight window spans queued AND in-flight states.
	defer d.release(turn.Key)

	start := time.Now()
	if err := d.process(ctx, turn); err != nil {
		d.failed.Add(1)
		logrus.WithError(err).Errorf("[WORKER_POOL] Worker %d failed turn %s", workerID, turn.Key)
		return
	}
	d.processed.Add(1)
	logrus.Debugf("[WORKER_POOL] Worker %d finished %s in %s", workerID, turn.Key, time.Since(start))
}

// Enqueue admits a Turn unless its conversation already has one queued or in
// flight (ErrConversationBusy), the pool is stopping (ErrShuttingDown), or
// the queue stays full past the enqueue wait (ErrQueueFull, after onReject).
func (d *Dispatcher) Enqueue(turn *Turn) error {
	if d.stopping.Load() {
		return ErrShuttingDown
	}

	d.mu.Lock()
	if _, busy := d.active[turn.Key]; busy {
		d.mu.Unlock()
		return ErrConversationBusy
	}
	d.active[turn.Key] = struct{}{}
	d.mu.Unlock()

	select {
	case d.queue <- turn:
		d.dispatched.Add(1)
		return nil
	default:
	}

	// Queue full: block briefly before rejecting.
	timer := time.NewTimer(d.enqueueWait)
	defer timer.Stop()
	select {
	case d.queue <- turn:
		d.dispatched.Add(1)
		return nil
	case <-timer.C:
		d.release(turn.Key)
		d.rejected.Add(1)
		if d.onReject != nil {
			d.onReject(turn)
		}
		return ErrQueueFull
	}
}

func (d *Dispatcher) release(key ConversationKey) {
	d.mu.Lock()
	delete(d.active, key)
	d.mu.Unlock()
}

// InFlight reports whether a conversation currently holds the single-flight
// mark.
func (d *Dispatcher) InFlight(key ConversationKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[key]
	return ok
}

// Shutdown stops intake and waits for in-flight work up to the budget.
// Callers cancel the Start context first; workers drain the queue and exit.
func (d *Dispatcher) Shutdown(budget time.Duration) {
	d.stopping.Store(true)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logrus.Info("[WORKER_POOL] Drained cleanly")
	case <-time.After(budget):
		logrus.Warn("[WORKER_POOL] Shutdown budget exceeded, abandoning in-flight turns")
	}
}

// Stats snapshots the health gauge.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth:  len(d.queue),
		BusyWorkers: int(d.busyWorkers.Load()),
		Rejected:    d.rejected.Load(),
		Dispatched:  d.dispatched.Load(),
		Processed:   d.processed.Load(),
		Failed:      d.failed.Load(),
	}
}
