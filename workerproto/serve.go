package workerproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Producer renders challenges inside the worker process.
type Producer interface {
	Produce(ctx context.Context) (*Challenge, error)
}

// ProducerFactory builds a Producer from the renderer options carried by
// the init request.
type ProducerFactory func(options json.RawMessage) (Producer, error)

var (
	// ErrNotInitialized is returned when a produce request arrives before
	// init.
	ErrNotInitialized = errors.New("workerproto: produce before init")
	// ErrAlreadyInitialized is returned on a second init request.
	ErrAlreadyInitialized = errors.New("workerproto: duplicate init")
)

// Serve runs the worker side of the protocol until in reaches EOF or a
// framing error occurs. Produce requests run concurrently; responses are
// serialized onto out. A clean EOF returns nil so a parent shutdown is
// not an error.
func Serve(ctx context.Context, in io.Reader, out io.Writer, factory ProducerFactory) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)

	var (
		encMu    sync.Mutex
		wg       sync.WaitGroup
		producer Producer
	)
	respond := func(resp Response) {
		encMu.Lock()
		defer encMu.Unlock()
		_ = enc.Encode(resp)
	}
	defer wg.Wait()

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("workerproto: decode request: %w", err)
		}

		switch req.Op {
		case OpInit:
			if producer != nil {
				respond(Response{ID: req.ID, Error: ErrAlreadyInitialized.Error()})
				continue
			}
			p, err := factory(req.Renderer)
			if err != nil {
				respond(Response{ID: req.ID, Error: err.Error()})
				return fmt.Errorf("workerproto: init: %w", err)
			}
			producer = p
			respond(Response{ID: req.ID})

		case OpProduce:
			if producer == nil {
				respond(Response{ID: req.ID, Error: ErrNotInitialized.Error()})
				continue
			}
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				ch, err := producer.Produce(ctx)
				if err != nil {
					respond(Response{ID: id, Error: err.Error()})
					return
				}
				respond(Response{ID: id, Challenge: ch})
			}(req.ID)

		default:
			respond(Response{ID: req.ID, Error: "workerproto: unknown op " + req.Op})
		}
	}
}
