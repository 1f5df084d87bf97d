package goCaptcha

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWexor/goCaptcha/workerproto"
)

type echoProducer struct{}

func (echoProducer) Produce(context.Context) (*workerproto.Challenge, error) {
	return &workerproto.Challenge{Choices: []string{"x", "y"}, Answer: "x"}, nil
}

// stallProducer blocks until released, to exercise the produce timeout.
type stallProducer struct {
	release chan struct{}
	once    sync.Once
}

func (p *stallProducer) Produce(context.Context) (*workerproto.Challenge, error) {
	<-p.release
	return nil, errors.New("released without result")
}

// attachTestWorker runs an in-process worker over pipes and attaches the
// client to it, skipping process spawning.
func attachTestWorker(t *testing.T, w *workerClient, factory workerproto.ProducerFactory) {
	t.Helper()
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	go func() {
		_ = workerproto.Serve(context.Background(), toWorkerR, fromWorkerW, factory)
	}()
	stop := func() {
		_ = toWorkerW.Close()
		_ = fromWorkerW.Close()
	}

	w.mu.Lock()
	err := w.attachLocked(toWorkerW, fromWorkerR, stop)
	w.mu.Unlock()
	if err != nil {
		t.Fatalf("attach failed: %v", err)
	}
}

func newTestWorkerClient(timeout time.Duration) *workerClient {
	return newWorkerClient(WorkerConfig{
		Enabled:        true,
		Command:        "unused-in-tests",
		ProduceTimeout: timeout,
	}, NewMetrics(MetricsConfig{Enabled: true}), nil)
}

func TestWorkerProduce(t *testing.T) {
	w := newTestWorkerClient(2 * time.Second)
	attachTestWorker(t, w, func(json.RawMessage) (workerproto.Producer, error) {
		return echoProducer{}, nil
	})
	t.Cleanup(w.close)

	ch, err := w.produce(context.Background())
	if err != nil {
		t.Fatalf("produce failed: %v", err)
	}
	if ch.Answer != "x" || len(ch.Choices) != 2 {
		t.Fatalf("unexpected challenge: %+v", ch)
	}
}

func TestWorkerPipelinedProduce(t *testing.T) {
	w := newTestWorkerClient(2 * time.Second)
	attachTestWorker(t, w, func(json.RawMessage) (workerproto.Producer, error) {
		return echoProducer{}, nil
	})
	t.Cleanup(w.close)

	const n = 8
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := w.produce(context.Background())
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("pipelined produce failed: %v", err)
		}
	}
}

func TestWorkerProduceTimeoutKillsProcess(t *testing.T) {
	stall := &stallProducer{release: make(chan struct{})}
	t.Cleanup(func() { stall.once.Do(func() { close(stall.release) }) })

	w := newTestWorkerClient(50 * time.Millisecond)
	attachTestWorker(t, w, func(json.RawMessage) (workerproto.Producer, error) {
		return stall, nil
	})
	t.Cleanup(w.close)

	_, err := w.produce(context.Background())
	if !errors.Is(err, ErrProduceTimeout) {
		t.Fatalf("expected ErrProduceTimeout, got %v", err)
	}

	w.mu.Lock()
	alive := w.alive
	w.mu.Unlock()
	if alive {
		t.Fatal("a wedged worker must be killed")
	}
}

func TestWorkerRenderErrorDoesNotKill(t *testing.T) {
	w := newTestWorkerClient(2 * time.Second)
	attachTestWorker(t, w, func(json.RawMessage) (workerproto.Producer, error) {
		return failingWireProducer{}, nil
	})
	t.Cleanup(w.close)

	_, err := w.produce(context.Background())
	if !errors.Is(err, ErrRender) {
		t.Fatalf("expected ErrRender, got %v", err)
	}

	w.mu.Lock()
	alive := w.alive
	w.mu.Unlock()
	if !alive {
		t.Fatal("a clean render error must not kill the worker")
	}
}

type failingWireProducer struct{}

func (failingWireProducer) Produce(context.Context) (*workerproto.Challenge, error) {
	return nil, errors.New("no entropy left")
}

func TestWorkerProduceAfterClose(t *testing.T) {
	w := newTestWorkerClient(time.Second)
	attachTestWorker(t, w, func(json.RawMessage) (workerproto.Producer, error) {
		return echoProducer{}, nil
	})
	w.close()

	if _, err := w.produce(context.Background()); !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("expected ErrWorkerUnavailable, got %v", err)
	}
}

func TestWorkerBrokenPipeFailsInflight(t *testing.T) {
	w := newTestWorkerClient(2 * time.Second)
	stall := &stallProducer{release: make(chan struct{})}
	t.Cleanup(func() { stall.once.Do(func() { close(stall.release) }) })
	attachTestWorker(t, w, func(json.RawMessage) (workerproto.Producer, error) {
		return stall, nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := w.produce(context.Background())
		errCh <- err
	}()

	// Wait until the request is in flight, then cut the pipe.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w.mu.Lock()
		n := len(w.inflight)
		w.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never became in-flight")
		}
		time.Sleep(time.Millisecond)
	}
	w.close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected in-flight request to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request not failed after close")
	}
}
