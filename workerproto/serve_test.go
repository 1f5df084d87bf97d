package workerproto

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

type staticProducer struct {
	answer string
}

func (p *staticProducer) Produce(context.Context) (*Challenge, error) {
	return &Challenge{Choices: []string{"a", "b"}, Answer: p.answer}, nil
}

type failingProducer struct{}

func (failingProducer) Produce(context.Context) (*Challenge, error) {
	return nil, errors.New("render exploded")
}

type optionSet struct {
	Answer string `json:"answer"`
}

func staticFactory(raw json.RawMessage) (Producer, error) {
	var opts optionSet
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, err
		}
	}
	if opts.Answer == "" {
		opts.Answer = "a"
	}
	return &staticProducer{answer: opts.Answer}, nil
}

type harness struct {
	enc     *json.Encoder
	dec     *json.Decoder
	in      *io.PipeWriter
	serveCh chan error
}

func newHarness(t *testing.T, factory ProducerFactory) *harness {
	t.Helper()
	toWorkerR, toWorkerW := io.Pipe()
	fromWorkerR, fromWorkerW := io.Pipe()

	h := &harness{
		enc:     json.NewEncoder(toWorkerW),
		dec:     json.NewDecoder(fromWorkerR),
		in:      toWorkerW,
		serveCh: make(chan error, 1),
	}
	go func() {
		h.serveCh <- Serve(context.Background(), toWorkerR, fromWorkerW, factory)
		_ = fromWorkerW.Close()
	}()
	t.Cleanup(func() { _ = toWorkerW.Close() })
	return h
}

func (h *harness) roundTrip(t *testing.T, req Request) Response {
	t.Helper()
	if err := h.enc.Encode(req); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var resp Response
	if err := h.dec.Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return resp
}

func TestServeInitThenProduce(t *testing.T) {
	h := newHarness(t, staticFactory)

	resp := h.roundTrip(t, Request{Op: OpInit, ID: "i1", Renderer: json.RawMessage(`{"answer":"42"}`)})
	if resp.ID != "i1" || resp.Error != "" {
		t.Fatalf("unexpected init response: %+v", resp)
	}

	resp = h.roundTrip(t, Request{Op: OpProduce, ID: "p1"})
	if resp.ID != "p1" {
		t.Fatalf("expected id p1, got %q", resp.ID)
	}
	if resp.Challenge == nil || resp.Challenge.Answer != "42" {
		t.Fatalf("unexpected challenge: %+v", resp.Challenge)
	}
}

func TestServeProduceBeforeInit(t *testing.T) {
	h := newHarness(t, staticFactory)

	resp := h.roundTrip(t, Request{Op: OpProduce, ID: "p1"})
	if resp.Error == "" {
		t.Fatal("expected error for produce before init")
	}
}

func TestServeDuplicateInit(t *testing.T) {
	h := newHarness(t, staticFactory)

	h.roundTrip(t, Request{Op: OpInit, ID: "i1"})
	resp := h.roundTrip(t, Request{Op: OpInit, ID: "i2"})
	if resp.Error == "" {
		t.Fatal("expected error for duplicate init")
	}
}

func TestServeProducerErrorIsReported(t *testing.T) {
	h := newHarness(t, func(json.RawMessage) (Producer, error) {
		return failingProducer{}, nil
	})

	h.roundTrip(t, Request{Op: OpInit, ID: "i1"})
	resp := h.roundTrip(t, Request{Op: OpProduce, ID: "p1"})
	if resp.Error != "render exploded" {
		t.Fatalf("expected producer error, got %+v", resp)
	}
}

func TestServeUnknownOp(t *testing.T) {
	h := newHarness(t, staticFactory)

	resp := h.roundTrip(t, Request{Op: "bogus", ID: "x"})
	if resp.Error == "" {
		t.Fatal("expected error for unknown op")
	}
}

func TestServeCleanEOF(t *testing.T) {
	h := newHarness(t, staticFactory)

	h.roundTrip(t, Request{Op: OpInit, ID: "i1"})
	_ = h.in.Close()

	select {
	case err := <-h.serveCh:
		if err != nil {
			t.Fatalf("expected nil on clean EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestServeFactoryFailureTerminates(t *testing.T) {
	h := newHarness(t, func(json.RawMessage) (Producer, error) {
		return nil, errors.New("bad options")
	})

	resp := h.roundTrip(t, Request{Op: OpInit, ID: "i1"})
	if resp.Error == "" {
		t.Fatal("expected init error")
	}
	select {
	case err := <-h.serveCh:
		if err == nil {
			t.Fatal("expected Serve to return the init failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not terminate after factory failure")
	}
}
