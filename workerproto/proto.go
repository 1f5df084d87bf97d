package workerproto

import "encoding/json"

// Operations a parent may request from a worker.
const (
	// OpInit configures the worker's renderer. It must be the first request
	// on a fresh connection and must not be repeated.
	OpInit = "init"
	// OpProduce asks the worker to render one challenge.
	OpProduce = "produce"
)

// Challenge is the wire form of one rendered challenge.
type Challenge struct {
	ID      string   `json:"id"`
	Choices []string `json:"choices,omitempty"`
	Answer  string   `json:"answer"`
	Payload []byte   `json:"payload,omitempty"`
}

// Request is one newline-delimited JSON request from parent to worker.
// ID correlates the response; the parent may pipeline requests and the
// worker may answer them out of order.
type Request struct {
	Op string `json:"op"`
	ID string `json:"id"`
	// Renderer carries the renderer configuration on OpInit.
	Renderer json.RawMessage `json:"renderer,omitempty"`
}

// Response is one newline-delimited JSON response from worker to parent.
type Response struct {
	ID        string     `json:"id"`
	Challenge *Challenge `json:"challenge,omitempty"`
	Error     string     `json:"error,omitempty"`
}
