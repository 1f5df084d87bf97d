package goCaptcha

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/MrWexor/goCaptcha/internal/audit"
	internalmetrics "github.com/MrWexor/goCaptcha/internal/metrics"
)

// RegenAnswer is the distinguished answer value that requests a fresh
// challenge instead of being evaluated. It carries a reduced penalty
// (AuthConfig.OnRegenWrong) so it cannot be used to cycle challenges
// for free.
const RegenAnswer = "regen"

// Challenge is one puzzle instance. It is immutable once produced;
// ownership transfers from the queue to the record that consumes it.
// Answer never leaves the engine; subjects see a [ChallengeView].
type Challenge struct {
	ID      string
	Choices []string
	Answer  string
	Payload []byte
}

// ChallengeView is the subject-facing projection of a [Challenge],
// produced by [Verifier.PresentChallenge]. It must not carry the answer.
type ChallengeView struct {
	ID      string   `json:"id"`
	Choices []string `json:"choices"`
	Payload []byte   `json:"payload,omitempty"`
}

// Renderer produces challenges. Implementations may be slow and may fail;
// they must be safe to invoke repeatedly and, when offloaded to a worker
// process, once per "produce" message.
type Renderer interface {
	Create(ctx context.Context) (*Challenge, error)
}

// Verifier is the pluggable answer-checker / challenge-presenter
// capability. The default implementation compares answers
// case- and order-insensitively and strips the answer from the view.
type Verifier interface {
	CheckAnswer(expected, provided string) bool
	PresentChallenge(ch *Challenge) *ChallengeView
}

// State classifies the outcome of one [Store.TryAuth] call. External
// callers should branch on State only; [Result.Info] is diagnostic data.
type State uint8

const (
	// StateNew means a fresh challenge was issued to a new or reset record.
	StateNew State = iota
	// StateMore means the answer was correct but more are required.
	StateMore
	// StateWrong means the answer was wrong (or suspiciously fast).
	StateWrong
	// StateTimeout means the subject exceeded the per-challenge time budget.
	StateTimeout
	// StateLimit means the subject is rate-limited until cooldown.
	StateLimit
	// StateSuccess means the subject is authenticated.
	StateSuccess
	// StateError means an internal failure was absorbed at the TryAuth
	// boundary; any counter mutations already applied remain in effect.
	StateError
)

// String implements fmt.Stringer for log and audit output.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateMore:
		return "more"
	case StateWrong:
		return "wrong"
	case StateTimeout:
		return "timeout"
	case StateLimit:
		return "limit"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is returned by [Store.TryAuth] and [Store.DeAuthAndGenNew].
type Result struct {
	State State
	// Challenge is set whenever a fresh challenge was issued by this call.
	Challenge *ChallengeView
	// PassToken is set on StateSuccess when pass tokens are enabled.
	PassToken string
	// Info carries diagnostic counters and timestamps. Presentation data,
	// not protocol-critical.
	Info Info
}

// Info is the diagnostic snapshot attached to every [Result].
type Info struct {
	SubjectID       string
	Authenticated   bool
	CorrectCount    float64
	WrongCount      float64
	RequiredAnswers int
	MaxWrong        float64
	LastIssue       time.Time
	LastAuth        time.Time
}

// AuthSucceeded reports whether a [Result] represents successful
// authentication.
func AuthSucceeded(res Result) bool {
	return res.State == StateSuccess
}

// QueueStats is a read-only snapshot of [ChallengeQueue] internals.
type QueueStats struct {
	Capacity int
	Ready    int
	Pending  int
	Parked   int
}

// StoreStats is a read-only snapshot of [Store] internals.
type StoreStats struct {
	Records   int
	LastSweep time.Time
}

// AuditEvent is a structured audit record emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink is an [AuditSink] that writes JSON-encoded events to an
// [io.Writer], one object per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// NewChannelSink creates a [ChannelSink] with the given buffer capacity.
func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

// NewJSONWriterSink creates a [JSONWriterSink] that writes to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

// MetricID identifies a specific counter or histogram in the in-process
// metrics system.
type MetricID = internalmetrics.MetricID

const (
	MetricChallengeRendered = internalmetrics.MetricChallengeRendered
	MetricChallengeIssued   = internalmetrics.MetricChallengeIssued
	MetricRenderFailure     = internalmetrics.MetricRenderFailure
	MetricPopImmediate      = internalmetrics.MetricPopImmediate
	MetricPopParked         = internalmetrics.MetricPopParked
	MetricCapacityRaised    = internalmetrics.MetricCapacityRaised
	MetricCapacityCutback   = internalmetrics.MetricCapacityCutback
	MetricWorkerRespawn     = internalmetrics.MetricWorkerRespawn
	MetricAuthNew           = internalmetrics.MetricAuthNew
	MetricAuthMore          = internalmetrics.MetricAuthMore
	MetricAuthWrong         = internalmetrics.MetricAuthWrong
	MetricAuthTooFast       = internalmetrics.MetricAuthTooFast
	MetricAuthTimeout       = internalmetrics.MetricAuthTimeout
	MetricAuthLimited       = internalmetrics.MetricAuthLimited
	MetricAuthSuccess       = internalmetrics.MetricAuthSuccess
	MetricAuthExpired       = internalmetrics.MetricAuthExpired
	MetricAuthRegen         = internalmetrics.MetricAuthRegen
	MetricAuthError         = internalmetrics.MetricAuthError
	MetricCooldownDrop      = internalmetrics.MetricCooldownDrop
	MetricSweepRemoved      = internalmetrics.MetricSweepRemoved
	MetricPassTokenIssued   = internalmetrics.MetricPassTokenIssued
	MetricTryAuthLatency    = internalmetrics.MetricTryAuthLatency
	MetricPopLatency        = internalmetrics.MetricPopLatency
)

// Metrics holds atomic counters and optional latency histograms.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a [Metrics] instance configured by the given
// [MetricsConfig]. When Enabled is false, all operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
