// gocaptcha-worker is the reference renderer worker. A parent store
// spawns it with Worker.Enabled and talks workerproto over its
// stdin/stdout. The built-in renderer produces small arithmetic
// challenges; real deployments swap in their own ProducerFactory.
package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/MrWexor/goCaptcha/workerproto"
)

type rendererOptions struct {
	// MaxOperand bounds both operands of the generated sum.
	MaxOperand int `json:"max_operand"`
	// Choices is how many answer options each challenge offers.
	Choices int `json:"choices"`
}

type arithProducer struct {
	opts rendererOptions
}

func newArithProducer(raw json.RawMessage) (workerproto.Producer, error) {
	opts := rendererOptions{MaxOperand: 20, Choices: 4}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("bad renderer options: %w", err)
		}
	}
	if opts.MaxOperand < 2 {
		return nil, fmt.Errorf("max_operand must be >= 2, got %d", opts.MaxOperand)
	}
	if opts.Choices < 2 {
		return nil, fmt.Errorf("choices must be >= 2, got %d", opts.Choices)
	}
	return &arithProducer{opts: opts}, nil
}

func (p *arithProducer) Produce(_ context.Context) (*workerproto.Challenge, error) {
	a, err := randInt(p.opts.MaxOperand)
	if err != nil {
		return nil, err
	}
	b, err := randInt(p.opts.MaxOperand)
	if err != nil {
		return nil, err
	}
	sum := a + b

	choices := make([]string, 0, p.opts.Choices)
	seen := map[int]bool{sum: true}
	choices = append(choices, fmt.Sprint(sum))
	for len(choices) < p.opts.Choices {
		off, err := randInt(2 * p.opts.MaxOperand)
		if err != nil {
			return nil, err
		}
		if seen[off] {
			continue
		}
		seen[off] = true
		choices = append(choices, fmt.Sprint(off))
	}
	shuffle(choices)

	payload, err := json.Marshal(map[string]string{
		"question": fmt.Sprintf("%d + %d = ?", a, b),
	})
	if err != nil {
		return nil, err
	}
	return &workerproto.Challenge{
		Choices: choices,
		Answer:  fmt.Sprint(sum),
		Payload: payload,
	}, nil
}

func randInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("rand: %w", err)
	}
	return int(v.Int64()), nil
}

func shuffle(s []string) {
	for i := len(s) - 1; i > 0; i-- {
		j, err := randInt(i + 1)
		if err != nil {
			return
		}
		s[i], s[j] = s[j], s[i]
	}
}

func main() {
	err := workerproto.Serve(context.Background(), os.Stdin, os.Stdout, newArithProducer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gocaptcha-worker: %v\n", err)
		os.Exit(1)
	}
}
