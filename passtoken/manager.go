package passtoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signing method names accepted by Config.
const (
	MethodHS256   = "hs256"
	MethodEd25519 = "ed25519"
)

var (
	// ErrInvalidToken covers malformed, expired, and badly signed tokens.
	ErrInvalidToken = errors.New("passtoken: invalid token")
	// ErrInvalidConfig reports an unusable Manager configuration.
	ErrInvalidConfig = errors.New("passtoken: invalid config")
)

// Config describes how pass tokens are signed and scoped.
type Config struct {
	TTL           time.Duration
	SigningMethod string
	// PrivateKey is the HMAC secret for hs256, or the ed25519 private key
	// (seed or full form) for ed25519.
	PrivateKey []byte
	// PublicKey is required for ed25519 verification.
	PublicKey []byte
	Issuer    string
	// Leeway absorbs clock skew between issuer and verifier.
	Leeway time.Duration
}

// Manager mints and verifies short-lived signed pass tokens. A verifier
// that only needs to honor tokens can run with just the public key side.
type Manager struct {
	cfg       Config
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

func New(cfg Config) (*Manager, error) {
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: TTL must be > 0", ErrInvalidConfig)
	}
	m := &Manager{cfg: cfg}
	switch cfg.SigningMethod {
	case MethodHS256, "":
		if len(cfg.PrivateKey) == 0 {
			return nil, fmt.Errorf("%w: hs256 requires PrivateKey", ErrInvalidConfig)
		}
		m.method = jwt.SigningMethodHS256
		m.signKey = cfg.PrivateKey
		m.verifyKey = cfg.PrivateKey
	case MethodEd25519:
		priv, err := ed25519PrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		if len(cfg.PublicKey) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 requires a %d-byte PublicKey", ErrInvalidConfig, ed25519.PublicKeySize)
		}
		m.method = jwt.SigningMethodEdDSA
		m.signKey = priv
		m.verifyKey = ed25519.PublicKey(cfg.PublicKey)
	default:
		return nil, fmt.Errorf("%w: unsupported signing method %q", ErrInvalidConfig, cfg.SigningMethod)
	}
	return m, nil
}

func ed25519PrivateKey(key []byte) (ed25519.PrivateKey, error) {
	switch len(key) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(key), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(key), nil
	default:
		return nil, fmt.Errorf("%w: ed25519 PrivateKey must be seed or full form", ErrInvalidConfig)
	}
}

// Issue mints a token asserting that subjectID passed verification now.
func (m *Manager) Issue(subjectID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subjectID,
		Issuer:    m.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
	}
	token, err := jwt.NewWithClaims(m.method, claims).SignedString(m.signKey)
	if err != nil {
		return "", fmt.Errorf("passtoken: sign: %w", err)
	}
	return token, nil
}

// Verify checks signature, expiry, and issuer, and returns the subject.
func (m *Manager) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.cfg.Leeway),
	}
	if m.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.cfg.Issuer))
	}
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return m.verifyKey, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}
