package goCaptcha

import (
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWexor/goCaptcha/passtoken"
)

// Builder assembles a [Store]. Build allocates everything but starts no
// goroutines; call [Store.Start] when ready to serve.
type Builder struct {
	cfg       Config
	renderer  Renderer
	verifier  Verifier
	auditSink AuditSink
	redis     redis.UniversalClient
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{cfg: defaultConfig()}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithRenderer sets the in-process challenge renderer. Ignored when
// worker offload is enabled.
func (b *Builder) WithRenderer(r Renderer) *Builder {
	b.renderer = r
	return b
}

// WithVerifier replaces the default answer checker and presenter.
func (b *Builder) WithVerifier(v Verifier) *Builder {
	b.verifier = v
	return b
}

// WithAuditSink sets the audit sink and enables auditing.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	b.cfg.Audit.Enabled = sink != nil
	return b
}

// WithRedis provides the client backing the shared limit window and
// enables it.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	b.cfg.SharedLimit.Enabled = client != nil
	return b
}

// WithMetrics enables in-process metrics collection.
func (b *Builder) WithMetrics() *Builder {
	b.cfg.Metrics.Enabled = true
	return b
}

// WithLatencyHistograms enables metrics and latency histograms.
func (b *Builder) WithLatencyHistograms() *Builder {
	b.cfg.Metrics.Enabled = true
	b.cfg.Metrics.EnableLatencyHistograms = true
	return b
}

// Build validates the configuration and wires the store together.
func (b *Builder) Build() (*Store, error) {
	cfg := cloneConfig(b.cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Worker.Enabled && b.renderer == nil {
		return nil, errors.New("a Renderer is required unless worker offload is enabled")
	}
	if cfg.SharedLimit.Enabled && b.redis == nil {
		return nil, errors.New("SharedLimit requires a redis client")
	}
	if cfg.Audit.Enabled && b.auditSink == nil {
		return nil, errors.New("audit requires a sink")
	}

	metrics := NewMetrics(cfg.Metrics)
	dispatcher := newAuditDispatcher(cfg.Audit, b.auditSink)

	var (
		prod   producer
		worker *workerClient
	)
	if cfg.Worker.Enabled {
		worker = newWorkerClient(cfg.Worker, metrics, dispatcher)
		prod = worker
	} else {
		prod = rendererProducer{renderer: b.renderer}
	}

	verifier := b.verifier
	if verifier == nil {
		verifier = DefaultVerifier()
	}

	var tokens *passtoken.Manager
	if cfg.PassToken.Enabled {
		m, err := passtoken.New(passtoken.Config{
			TTL:           cfg.PassToken.TTL,
			SigningMethod: cfg.PassToken.SigningMethod,
			PrivateKey:    cfg.PassToken.PrivateKey,
			PublicKey:     cfg.PassToken.PublicKey,
			Issuer:        cfg.PassToken.Issuer,
		})
		if err != nil {
			return nil, err
		}
		tokens = m
	}

	var shared *sharedLimiter
	if cfg.SharedLimit.Enabled {
		shared = newSharedLimiter(b.redis, cfg.SharedLimit, cfg.Auth)
	}

	return &Store{
		cfg:       cfg,
		queue:     newChallengeQueue(cfg.Queue, prod, metrics, dispatcher),
		worker:    worker,
		verifier:  verifier,
		metrics:   metrics,
		audit:     dispatcher,
		tokens:    tokens,
		shared:    shared,
		records:   map[string]*record{},
		lastSweep: time.Now(),
		done:      make(chan struct{}),
	}, nil
}
