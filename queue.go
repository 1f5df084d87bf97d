package goCaptcha

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// demandThreshold is the ready-buffer level at or below which a Pop is
// read as a demand signal and the dynamic capacity grows by one.
const demandThreshold = 2

// capacityFloor is the minimum queue capacity; cutbacks never go below it.
const capacityFloor = 2

// producer abstracts challenge production so the queue does not care
// whether the renderer runs in-process or in a worker process.
type producer interface {
	produce(ctx context.Context) (*Challenge, error)
}

type rendererProducer struct {
	renderer Renderer
}

func (p rendererProducer) produce(ctx context.Context) (*Challenge, error) {
	return p.renderer.Create(ctx)
}

// popWaiter is one parked Pop call. ch is buffered so a settle never
// blocks the production goroutine, even if the waiter already gave up.
type popWaiter struct {
	ch chan *Challenge
}

// ChallengeQueue keeps a buffer of pre-produced challenges so Pop is
// usually immediate, and adapts its capacity to observed demand. One
// production tick runs every CheckInterval and tops the buffer up to
// capacity; consumers that outpace production park FIFO and are settled
// oldest-first as challenges complete.
type ChallengeQueue struct {
	cfg      QueueConfig
	producer producer
	metrics  *Metrics
	audit    *auditDispatcher

	mu         sync.Mutex
	capacity   int
	ready      []*Challenge
	pending    int
	parked     []*popWaiter
	started    bool
	terminated bool

	baseCtx   context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newChallengeQueue(cfg QueueConfig, p producer, metrics *Metrics, audit *auditDispatcher) *ChallengeQueue {
	capacity := cfg.Capacity
	if capacity < capacityFloor {
		capacity = capacityFloor
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChallengeQueue{
		cfg:      cfg,
		producer: p,
		metrics:  metrics,
		audit:    audit,
		capacity: capacity,
		baseCtx:  ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the production loop and eagerly fills the buffer.
func (q *ChallengeQueue) Start() error {
	q.mu.Lock()
	if q.terminated {
		q.mu.Unlock()
		return ErrQueueTerminated
	}
	if q.started {
		q.mu.Unlock()
		return ErrQueueAlreadyStarted
	}
	q.started = true
	q.fillLocked()
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run()
	return nil
}

func (q *ChallengeQueue) run() {
	defer q.wg.Done()

	tick := time.NewTicker(q.cfg.CheckInterval)
	defer tick.Stop()

	var cutback <-chan time.Time
	if q.cfg.CapacityDynamic {
		t := time.NewTicker(q.cfg.CapacityCutbackInterval)
		defer t.Stop()
		cutback = t.C
	}

	for {
		select {
		case <-tick.C:
			q.mu.Lock()
			q.fillLocked()
			q.mu.Unlock()
		case <-cutback:
			q.cutbackCheck()
		case <-q.done:
			return
		}
	}
}

// fillLocked starts one production goroutine per deficit slot. Callers
// hold q.mu.
func (q *ChallengeQueue) fillLocked() {
	if q.terminated {
		return
	}
	deficit := q.capacity - len(q.ready) - q.pending
	for i := 0; i < deficit; i++ {
		q.pending++
		q.wg.Add(1)
		go q.produceOne()
	}
}

func (q *ChallengeQueue) produceOne() {
	defer q.wg.Done()
	ch, err := q.producer.produce(q.baseCtx)
	q.complete(ch, err)
}

// complete settles one finished production: on failure the slot is simply
// freed for the next tick; on success the challenge goes to the oldest
// parked consumer, or to the back of the ready buffer.
func (q *ChallengeQueue) complete(ch *Challenge, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending--
	if err != nil {
		q.metrics.Inc(MetricRenderFailure)
		ev := newAuditEvent(auditEventChallengeRenderFailed, "", "", false)
		ev.Error = err.Error()
		q.audit.emit(ev)
		if q.baseCtx.Err() == nil {
			log.Printf("goCaptcha: challenge render failed: %v", err)
		}
		return
	}
	if ch.ID == "" {
		ch.ID = uuid.NewString()
	}
	q.metrics.Inc(MetricChallengeRendered)
	if len(q.parked) > 0 {
		w := q.parked[0]
		q.parked = q.parked[1:]
		w.ch <- ch
		return
	}
	q.ready = append(q.ready, ch)
}

// Pop hands out the oldest ready challenge, or parks until one completes.
// Draining the ready buffer low is treated as a demand signal and raises
// the dynamic capacity.
func (q *ChallengeQueue) Pop(ctx context.Context) (*Challenge, error) {
	var start time.Time
	if q.metrics.LatencyEnabled() {
		start = time.Now()
	}

	q.mu.Lock()
	if q.terminated {
		q.mu.Unlock()
		return nil, ErrQueueTerminated
	}
	// Serve from stock only when nobody is already parked, so a late
	// caller can never jump ahead of a waiting one.
	if len(q.ready) > 0 && len(q.parked) == 0 {
		ch := q.ready[0]
		q.ready = q.ready[1:]
		q.noteDemandLocked()
		q.mu.Unlock()
		q.metrics.Inc(MetricPopImmediate)
		if !start.IsZero() {
			q.metrics.Observe(MetricPopLatency, time.Since(start))
		}
		return ch, nil
	}

	w := &popWaiter{ch: make(chan *Challenge, 1)}
	q.parked = append(q.parked, w)
	q.noteDemandLocked()
	q.mu.Unlock()
	q.metrics.Inc(MetricPopParked)

	select {
	case ch := <-w.ch:
		if !start.IsZero() {
			q.metrics.Observe(MetricPopLatency, time.Since(start))
		}
		return ch, nil
	case <-ctx.Done():
		q.abandon(w)
		return nil, ctx.Err()
	case <-q.done:
		// A settle may have raced the termination.
		select {
		case ch := <-w.ch:
			return ch, nil
		default:
		}
		return nil, ErrQueueTerminated
	}
}

// abandon removes a parked waiter whose caller gave up. If a settle won
// the race, the challenge is returned to the front of the ready buffer so
// no work is lost.
func (q *ChallengeQueue) abandon(w *popWaiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.parked {
		if p == w {
			q.parked = append(q.parked[:i], q.parked[i+1:]...)
			return
		}
	}
	select {
	case ch := <-w.ch:
		if q.terminated {
			return
		}
		if len(q.parked) > 0 {
			next := q.parked[0]
			q.parked = q.parked[1:]
			next.ch <- ch
			return
		}
		q.ready = append([]*Challenge{ch}, q.ready...)
	default:
	}
}

// noteDemandLocked raises capacity when the ready buffer was drained to
// the demand threshold. Callers hold q.mu.
func (q *ChallengeQueue) noteDemandLocked() {
	if !q.cfg.CapacityDynamic {
		return
	}
	if len(q.ready) <= demandThreshold {
		q.capacity++
		q.metrics.Inc(MetricCapacityRaised)
		q.fillLocked()
	}
}

// cutbackCheck lowers capacity when the buffer has stayed near-full, which
// means production is outpacing demand.
func (q *ChallengeQueue) cutbackCheck() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity <= capacityFloor {
		return
	}
	if float64(len(q.ready))/float64(q.capacity) > q.cfg.CapacityCutbackMinPercentage {
		q.capacity--
		q.metrics.Inc(MetricCapacityCutback)
	}
}

// Terminate stops production and wakes all parked consumers with
// ErrQueueTerminated. Idempotent.
func (q *ChallengeQueue) Terminate() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.terminated = true
		q.mu.Unlock()
		q.cancel()
		close(q.done)
	})
	q.wg.Wait()
}

// Stats returns a point-in-time snapshot of queue internals.
func (q *ChallengeQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Capacity: q.capacity,
		Ready:    len(q.ready),
		Pending:  q.pending,
		Parked:   len(q.parked),
	}
}
