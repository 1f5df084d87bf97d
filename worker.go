package goCaptcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWexor/goCaptcha/workerproto"
)

// workerClient drives one renderer worker process over ndjson on
// stdin/stdout. It implements producer, so the queue cannot tell it from
// an in-process renderer.
//
// Failure policy: a request that times out or hits a broken pipe kills
// the process and fails only that request; the next produce call respawns
// the worker.
type workerClient struct {
	cfg     WorkerConfig
	metrics *Metrics
	audit   *auditDispatcher

	mu       sync.Mutex
	enc      *json.Encoder
	stop     func()
	alive    bool
	spawned  bool
	inflight map[string]chan workerproto.Response
	closed   bool
}

func newWorkerClient(cfg WorkerConfig, metrics *Metrics, audit *auditDispatcher) *workerClient {
	return &workerClient{
		cfg:      cfg,
		metrics:  metrics,
		audit:    audit,
		inflight: map[string]chan workerproto.Response{},
	}
}

// spawnLocked starts the worker process and performs the init handshake.
// Callers hold w.mu.
func (w *workerClient) spawnLocked() error {
	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	stop := func() {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}
	if err := w.attachLocked(stdin, stdout, stop); err != nil {
		stop()
		return err
	}
	return nil
}

// attachLocked wires the client to an already-running worker on the given
// pipes and runs the init handshake. Split from spawnLocked so tests can
// attach an in-process worker.
func (w *workerClient) attachLocked(stdin io.Writer, stdout io.Reader, stop func()) error {
	if w.spawned {
		w.metrics.Inc(MetricWorkerRespawn)
		w.audit.emit(newAuditEvent(auditEventWorkerRespawned, "", "", true))
		log.Print("goCaptcha: respawning renderer worker")
	}
	w.spawned = true
	w.enc = json.NewEncoder(stdin)
	w.stop = stop
	w.alive = true

	initCh := make(chan workerproto.Response, 1)
	initID := uuid.NewString()
	w.inflight[initID] = initCh
	go w.readLoop(json.NewDecoder(stdout))

	if err := w.enc.Encode(workerproto.Request{
		Op:       workerproto.OpInit,
		ID:       initID,
		Renderer: w.cfg.RendererOptions,
	}); err != nil {
		w.killLocked()
		return fmt.Errorf("%w: init write: %v", ErrWorkerUnavailable, err)
	}

	timeout := time.NewTimer(w.cfg.ProduceTimeout)
	defer timeout.Stop()
	w.mu.Unlock()
	var resp workerproto.Response
	var timedOut bool
	select {
	case resp = <-initCh:
	case <-timeout.C:
		timedOut = true
	}
	w.mu.Lock()
	delete(w.inflight, initID)
	if timedOut {
		w.killLocked()
		return fmt.Errorf("%w: init handshake", ErrProduceTimeout)
	}
	if resp.Error != "" {
		w.killLocked()
		return fmt.Errorf("%w: init: %s", ErrWorkerUnavailable, resp.Error)
	}
	return nil
}

// readLoop routes worker responses to their waiting requests. A decode
// error means the pipe is gone; every in-flight request fails.
func (w *workerClient) readLoop(dec *json.Decoder) {
	for {
		var resp workerproto.Response
		if err := dec.Decode(&resp); err != nil {
			w.mu.Lock()
			if w.alive {
				w.killLocked()
			}
			w.mu.Unlock()
			return
		}
		w.mu.Lock()
		ch, ok := w.inflight[resp.ID]
		if ok {
			delete(w.inflight, resp.ID)
		}
		w.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// killLocked stops the process and fails all in-flight requests. Callers
// hold w.mu.
func (w *workerClient) killLocked() {
	w.alive = false
	if w.stop != nil {
		w.stop()
		w.stop = nil
	}
	for id, ch := range w.inflight {
		delete(w.inflight, id)
		ch <- workerproto.Response{ID: id, Error: ErrWorkerUnavailable.Error()}
	}
}

// produce implements producer. Each request gets a fresh correlation ID;
// responses may arrive out of order.
func (w *workerClient) produce(ctx context.Context) (*Challenge, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrWorkerUnavailable
	}
	if !w.alive {
		if err := w.spawnLocked(); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	id := uuid.NewString()
	respCh := make(chan workerproto.Response, 1)
	w.inflight[id] = respCh
	err := w.enc.Encode(workerproto.Request{Op: workerproto.OpProduce, ID: id})
	if err != nil {
		delete(w.inflight, id)
		w.killLocked()
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	w.mu.Unlock()

	timeout := time.NewTimer(w.cfg.ProduceTimeout)
	defer timeout.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRender, resp.Error)
		}
		if resp.Challenge == nil {
			return nil, fmt.Errorf("%w: empty response", ErrRender)
		}
		return &Challenge{
			ID:      resp.Challenge.ID,
			Choices: resp.Challenge.Choices,
			Answer:  resp.Challenge.Answer,
			Payload: resp.Challenge.Payload,
		}, nil
	case <-timeout.C:
		w.fail(id)
		return nil, ErrProduceTimeout
	case <-ctx.Done():
		w.fail(id)
		return nil, ctx.Err()
	}
}

// fail abandons one request and kills the worker; a wedged process is not
// trusted with further requests. The next produce respawns it.
func (w *workerClient) fail(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inflight[id]; !ok {
		// The response won the race; nothing is wedged.
		return
	}
	delete(w.inflight, id)
	w.killLocked()
}

func (w *workerClient) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.alive {
		w.killLocked()
	}
}
