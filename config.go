package goCaptcha

import (
	"encoding/json"
	"errors"
	"time"
)

// Config is the complete engine configuration. Instances are cloned on
// Build and treated as immutable afterwards.
type Config struct {
	Queue       QueueConfig
	Auth        AuthConfig
	Worker      WorkerConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
	PassToken   PassTokenConfig
	SharedLimit SharedLimitConfig
}

/*
====================================
QUEUE CONFIG
====================================
*/

// QueueConfig tunes the challenge production queue.
type QueueConfig struct {
	// Capacity is the target count of ready+pending challenges. Floor 2.
	Capacity int
	// CheckInterval is the production tick period.
	CheckInterval time.Duration
	// CapacityDynamic enables demand/supply auto-tuning of Capacity.
	CapacityDynamic bool
	// CapacityCutbackInterval is the period between cutback checks.
	CapacityCutbackInterval time.Duration
	// CapacityCutbackMinPercentage is the ready/capacity ratio above which
	// a cutback check decrements Capacity.
	CapacityCutbackMinPercentage float64
}

/*
====================================
AUTH CONFIG
====================================
*/

// AuthConfig tunes the per-subject verification protocol. Counters are
// fractional so partial penalties (regen, too-long) accumulate.
type AuthConfig struct {
	// MaxWrong is the wrong-count threshold for limiting. A record is
	// limited when wrongCount strictly exceeds it.
	MaxWrong float64
	// DropWrongAfter is the cooldown before a limited record's wrongCount
	// resets to zero.
	DropWrongAfter time.Duration
	// RequiredAnswers is the number of correct answers needed to
	// authenticate.
	RequiredAnswers int
	// ResetOnWrong zeroes correctCount on a wrong answer.
	ResetOnWrong bool
	// AnswerTimeout is the maximum time allowed per challenge.
	AnswerTimeout time.Duration
	// OnRegenWrong is the partial penalty for a "regen" request.
	OnRegenWrong float64
	// WrongOnTooLong is the partial penalty for exceeding AnswerTimeout.
	WrongOnTooLong float64
	// TooFast is the minimum genuine response latency. Correct answers
	// arriving faster are treated as automated and counted wrong.
	TooFast time.Duration
	// AuthTimeout bounds both the authenticated state and record lifetime.
	AuthTimeout time.Duration
}

/*
====================================
WORKER CONFIG
====================================
*/

// WorkerConfig controls optional renderer offload to one persistent
// isolated worker process speaking the workerproto ndjson protocol.
type WorkerConfig struct {
	Enabled bool
	// Command and Args launch the worker binary.
	Command string
	Args    []string
	// RendererOptions is the serialized renderer configuration sent to the
	// worker once, in the init message.
	RendererOptions json.RawMessage
	// ProduceTimeout bounds a single production request. A request that
	// does not complete in time frees its slot, counts as a render
	// failure, and kills the worker; the next request respawns it.
	ProduceTimeout time.Duration
}

// AuditConfig controls the non-blocking audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process metrics collection.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
PASS TOKEN CONFIG
====================================
*/

// PassTokenConfig controls the signed pass token minted on successful
// verification. Front-line middleware can verify the token without
// touching the Store.
type PassTokenConfig struct {
	Enabled       bool
	TTL           time.Duration
	SigningMethod string // "hs256" (default) or "ed25519"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
}

// SharedLimitConfig controls the optional Redis-backed mirror of
// wrong-count windows, letting a fleet of instances share limit state.
// Record state itself never leaves process memory.
type SharedLimitConfig struct {
	Enabled   bool
	KeyPrefix string
}

/*
====================================
DEFAULT CONFIG
====================================
*/

func defaultConfig() Config {
	return Config{
		Queue: QueueConfig{
			Capacity:                     3,
			CheckInterval:                1500 * time.Millisecond,
			CapacityDynamic:              true,
			CapacityCutbackInterval:      time.Hour,
			CapacityCutbackMinPercentage: 0.9,
		},
		Auth: AuthConfig{
			MaxWrong:        3,
			DropWrongAfter:  10 * time.Second,
			RequiredAnswers: 1,
			ResetOnWrong:    true,
			AnswerTimeout:   60 * time.Second,
			OnRegenWrong:    0.5,
			WrongOnTooLong:  0.5,
			TooFast:         time.Second,
			AuthTimeout:     30 * time.Minute,
		},
		Worker: WorkerConfig{
			Enabled:        false,
			ProduceTimeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		PassToken: PassTokenConfig{
			Enabled:       false,
			TTL:           10 * time.Minute,
			SigningMethod: "hs256",
		},
		SharedLimit: SharedLimitConfig{
			Enabled:   false,
			KeyPrefix: "gcl",
		},
	}
}

// DefaultConfig returns the engine defaults. Mutate the copy and pass it
// to [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Worker.Args = append([]string(nil), cfg.Worker.Args...)
	out.Worker.RendererOptions = append(json.RawMessage(nil), cfg.Worker.RendererOptions...)
	out.PassToken.PrivateKey = cloneBytes(cfg.PassToken.PrivateKey)
	out.PassToken.PublicKey = cloneBytes(cfg.PassToken.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate checks cross-field consistency. Builder.Build calls it before
// any goroutine starts, so an invalid configuration fails synchronously.
func (c *Config) Validate() error {
	// Queue
	if c.Queue.Capacity < 2 {
		return errors.New("Queue Capacity must be >= 2")
	}
	if c.Queue.CheckInterval <= 0 {
		return errors.New("Queue CheckInterval must be > 0")
	}
	if c.Queue.CapacityDynamic {
		if c.Queue.CapacityCutbackInterval <= 0 {
			return errors.New("Queue CapacityCutbackInterval must be > 0 when CapacityDynamic is true")
		}
		if c.Queue.CapacityCutbackMinPercentage <= 0 || c.Queue.CapacityCutbackMinPercentage > 1 {
			return errors.New("Queue CapacityCutbackMinPercentage must be in (0, 1]")
		}
	}

	// Auth
	if c.Auth.MaxWrong <= 0 {
		return errors.New("Auth MaxWrong must be > 0")
	}
	if c.Auth.DropWrongAfter <= 0 {
		return errors.New("Auth DropWrongAfter must be > 0")
	}
	if c.Auth.RequiredAnswers < 1 {
		return errors.New("Auth RequiredAnswers must be >= 1")
	}
	if c.Auth.AnswerTimeout <= 0 {
		return errors.New("Auth AnswerTimeout must be > 0")
	}
	if c.Auth.OnRegenWrong < 0 {
		return errors.New("Auth OnRegenWrong must be >= 0")
	}
	if c.Auth.WrongOnTooLong < 0 {
		return errors.New("Auth WrongOnTooLong must be >= 0")
	}
	if c.Auth.TooFast < 0 {
		return errors.New("Auth TooFast must be >= 0")
	}
	if c.Auth.TooFast >= c.Auth.AnswerTimeout {
		return errors.New("Auth TooFast must be < AnswerTimeout")
	}
	if c.Auth.AuthTimeout <= 0 {
		return errors.New("Auth AuthTimeout must be > 0")
	}

	// Worker
	if c.Worker.Enabled {
		if c.Worker.Command == "" {
			return errors.New("Worker Command is required when worker offload is enabled")
		}
		if c.Worker.ProduceTimeout <= 0 {
			return errors.New("Worker ProduceTimeout must be > 0")
		}
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Pass tokens
	if c.PassToken.Enabled {
		if c.PassToken.TTL <= 0 {
			return errors.New("PassToken TTL must be > 0")
		}
		switch c.PassToken.SigningMethod {
		case "hs256", "ed25519":
			// valid
		default:
			return errors.New("unsupported PassToken signing method")
		}
		if len(c.PassToken.PrivateKey) == 0 {
			return errors.New("PassToken requires PrivateKey")
		}
		if c.PassToken.SigningMethod == "ed25519" && len(c.PassToken.PublicKey) == 0 {
			return errors.New("ed25519 pass tokens require PublicKey")
		}
	}

	// Shared limit
	if c.SharedLimit.Enabled && c.SharedLimit.KeyPrefix == "" {
		return errors.New("SharedLimit KeyPrefix must not be empty")
	}

	return nil
}
