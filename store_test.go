package goCaptcha

import (
	"context"
	"testing"
	"time"
)

type testRenderer struct{}

func (testRenderer) Create(context.Context) (*Challenge, error) {
	return &Challenge{Choices: []string{"17", "42", "63"}, Answer: "42"}, nil
}

func newTestStore(t *testing.T, mutate func(*Config)) *Store {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Queue.Capacity = 4
	cfg.Queue.CheckInterval = 5 * time.Millisecond
	cfg.Auth.TooFast = 0
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := New().
		WithConfig(cfg).
		WithRenderer(testRenderer{}).
		WithMetrics().
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := store.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// withRecord runs fn on the subject's record under its stripe lock, so
// test mutations cannot race the background sweeper.
func withRecord(t *testing.T, s *Store, subjectID string, fn func(*record)) {
	t.Helper()
	idx := stripeIndex(subjectID)
	s.stripes[idx].Lock()
	defer s.stripes[idx].Unlock()

	s.mu.Lock()
	rec, ok := s.records[subjectID]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("no record for %s", subjectID)
	}
	fn(rec)
}

func TestFreshSubjectGetsChallenge(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	res := s.TryAuth(ctx, "alice", "")
	if res.State != StateNew {
		t.Fatalf("expected StateNew, got %s", res.State)
	}
	if res.Challenge == nil || res.Challenge.ID == "" {
		t.Fatal("expected an issued challenge with ID")
	}
	if res.Info.Authenticated {
		t.Fatal("fresh record must not be authenticated")
	}
}

func TestCorrectAnswerAuthenticates(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	res := s.TryAuth(ctx, "alice", "42")
	if res.State != StateSuccess {
		t.Fatalf("expected StateSuccess, got %s", res.State)
	}
	if !AuthSucceeded(res) {
		t.Fatal("AuthSucceeded must report true")
	}
	if !res.Info.Authenticated {
		t.Fatal("info must reflect authentication")
	}
}

func TestAuthenticationIsMonotonic(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	s.TryAuth(ctx, "alice", "42")

	// Garbage after success must not demote the subject.
	for _, answer := range []string{"bogus", "", "42", RegenAnswer} {
		res := s.TryAuth(ctx, "alice", answer)
		if res.State != StateSuccess {
			t.Fatalf("answer %q demoted subject: got %s", answer, res.State)
		}
	}
}

func TestWrongAnswersLeadToLimitAndCooldownRecovers(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	for i := 0; i < 3; i++ {
		res := s.TryAuth(ctx, "alice", "bogus")
		if res.State != StateWrong {
			t.Fatalf("wrong #%d: expected StateWrong, got %s", i+1, res.State)
		}
		if res.Challenge == nil {
			t.Fatalf("wrong #%d: expected replacement challenge", i+1)
		}
	}

	// Fourth wrong pushes the count strictly above MaxWrong.
	res := s.TryAuth(ctx, "alice", "bogus")
	if res.State != StateLimit {
		t.Fatalf("expected StateLimit, got %s", res.State)
	}

	// Even the correct answer bounces while limited.
	if res := s.TryAuth(ctx, "alice", "42"); res.State != StateLimit {
		t.Fatalf("expected StateLimit for correct answer, got %s", res.State)
	}

	withRecord(t, s, "alice", func(rec *record) {
		rec.lastLimit = time.Now().Add(-11 * time.Second)
	})

	// The cooldown drop issues a fresh challenge; the stale answer is not
	// evaluated.
	res = s.TryAuth(ctx, "alice", "42")
	if res.State != StateNew {
		t.Fatalf("expected StateNew after cooldown, got %s", res.State)
	}
	if res.Challenge == nil {
		t.Fatal("cooldown drop must issue a challenge")
	}
	if res.Info.WrongCount != 0 {
		t.Fatalf("expected wrong reset to 0, got %v", res.Info.WrongCount)
	}
	snap := s.MetricsSnapshot()
	if snap.Counters[MetricCooldownDrop] != 1 {
		t.Fatalf("expected one cooldown drop, got %d", snap.Counters[MetricCooldownDrop])
	}

	res = s.TryAuth(ctx, "alice", "42")
	if res.State != StateSuccess {
		t.Fatalf("expected StateSuccess after fresh solve, got %s", res.State)
	}
}

func TestLimitObservationDoesNotExtendCooldown(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	for i := 0; i < 4; i++ {
		s.TryAuth(ctx, "alice", "bogus")
	}
	var stamped time.Time
	withRecord(t, s, "alice", func(rec *record) {
		stamped = rec.lastLimit
	})
	if stamped.IsZero() {
		t.Fatal("expected lastLimit to be stamped")
	}

	time.Sleep(5 * time.Millisecond)
	if res := s.TryAuth(ctx, "alice", "42"); res.State != StateLimit {
		t.Fatalf("expected StateLimit, got %s", res.State)
	}
	withRecord(t, s, "alice", func(rec *record) {
		if !rec.lastLimit.Equal(stamped) {
			t.Fatal("observing the limit must not refresh lastLimit")
		}
	})
}

func TestTooFastCorrectAnswerCountsWrong(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) {
		cfg.Auth.TooFast = time.Hour
	})
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	res := s.TryAuth(ctx, "alice", "42")
	if res.State != StateWrong {
		t.Fatalf("expected StateWrong for instant answer, got %s", res.State)
	}
	if res.Info.WrongCount != 1 {
		t.Fatalf("expected wrong=1, got %v", res.Info.WrongCount)
	}
	snap := s.MetricsSnapshot()
	if snap.Counters[MetricAuthTooFast] != 1 {
		t.Fatalf("expected MetricAuthTooFast=1, got %d", snap.Counters[MetricAuthTooFast])
	}
}

func TestAnswerTimeoutAppliesPartialPenalty(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	first := s.TryAuth(ctx, "alice", "")
	withRecord(t, s, "alice", func(rec *record) {
		rec.lastIssue = time.Now().Add(-61 * time.Second)
	})

	res := s.TryAuth(ctx, "alice", "42")
	if res.State != StateTimeout {
		t.Fatalf("expected StateTimeout, got %s", res.State)
	}
	if res.Challenge == nil || res.Challenge.ID == first.Challenge.ID {
		t.Fatal("timeout must issue a fresh challenge")
	}
	if res.Info.WrongCount != 0.5 {
		t.Fatalf("expected wrong=0.5, got %v", res.Info.WrongCount)
	}
}

func TestAnswerTimeoutCanLimit(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	withRecord(t, s, "alice", func(rec *record) {
		rec.wrong = 3
		rec.lastIssue = time.Now().Add(-61 * time.Second)
	})

	res := s.TryAuth(ctx, "alice", "42")
	if res.State != StateLimit {
		t.Fatalf("expected StateLimit, got %s", res.State)
	}
	withRecord(t, s, "alice", func(rec *record) {
		if rec.lastLimit.IsZero() {
			t.Fatal("crossing the threshold via timeout must stamp lastLimit")
		}
	})
}

func TestRegenIssuesReplacementAtReducedPenalty(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	first := s.TryAuth(ctx, "alice", "")
	res := s.TryAuth(ctx, "alice", RegenAnswer)
	if res.State != StateNew {
		t.Fatalf("expected StateNew, got %s", res.State)
	}
	if res.Challenge == nil || res.Challenge.ID == first.Challenge.ID {
		t.Fatal("regen must issue a different challenge")
	}
	if res.Info.WrongCount != 0.5 {
		t.Fatalf("expected wrong=0.5, got %v", res.Info.WrongCount)
	}
}

func TestRegenCannotCycleForever(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	// 0.5 each; the seventh regen crosses 3.
	var res Result
	for i := 0; i < 8; i++ {
		res = s.TryAuth(ctx, "alice", RegenAnswer)
	}
	if res.State != StateLimit {
		t.Fatalf("expected StateLimit after repeated regens, got %s", res.State)
	}
}

func TestRequiredAnswersAndResetOnWrong(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) {
		cfg.Auth.RequiredAnswers = 2
	})
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	res := s.TryAuth(ctx, "alice", "42")
	if res.State != StateMore {
		t.Fatalf("expected StateMore, got %s", res.State)
	}
	if res.Info.CorrectCount != 1 {
		t.Fatalf("expected correct=1, got %v", res.Info.CorrectCount)
	}

	// A wrong answer resets progress under ResetOnWrong.
	res = s.TryAuth(ctx, "alice", "bogus")
	if res.Info.CorrectCount != 0 {
		t.Fatalf("expected correct reset, got %v", res.Info.CorrectCount)
	}

	s.TryAuth(ctx, "alice", "42")
	res = s.TryAuth(ctx, "alice", "42")
	if res.State != StateSuccess {
		t.Fatalf("expected StateSuccess, got %s", res.State)
	}
}

func TestExpiredRecordRestartsFromScratch(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	s.TryAuth(ctx, "alice", "42")

	withRecord(t, s, "alice", func(rec *record) {
		rec.lastAuth = time.Now().Add(-31 * time.Minute)
	})

	res := s.TryAuth(ctx, "alice", "")
	if res.State != StateNew {
		t.Fatalf("expected StateNew after expiry, got %s", res.State)
	}
	if res.Info.Authenticated {
		t.Fatal("expired authentication must not carry over")
	}
	snap := s.MetricsSnapshot()
	if snap.Counters[MetricAuthExpired] != 1 {
		t.Fatalf("expected MetricAuthExpired=1, got %d", snap.Counters[MetricAuthExpired])
	}
}

func TestIssuanceFailureYieldsStateError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.CheckInterval = 5 * time.Millisecond
	store, err := New().
		WithConfig(cfg).
		WithRenderer(newGatedRenderer()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := store.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(store.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := store.TryAuth(ctx, "alice", "")
	if res.State != StateError {
		t.Fatalf("expected StateError, got %s", res.State)
	}

	// The record survives; a later call with a live context recovers.
	if _, ok := store.Info("alice"); !ok {
		t.Fatal("record must survive an issuance failure")
	}
}

func TestDeAuthForgetsSubject(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	s.TryAuth(ctx, "alice", "42")
	s.DeAuth(ctx, "alice")

	if _, ok := s.Info("alice"); ok {
		t.Fatal("expected record removed")
	}
	res := s.TryAuth(ctx, "alice", "anything")
	if res.State != StateNew {
		t.Fatalf("expected StateNew after deauth, got %s", res.State)
	}
}

func TestDeAuthAndGenNew(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	s.TryAuth(ctx, "alice", "42")

	res := s.DeAuthAndGenNew(ctx, "alice")
	if res.State != StateNew {
		t.Fatalf("expected StateNew, got %s", res.State)
	}
	if res.Challenge == nil {
		t.Fatal("expected a fresh challenge")
	}
	if res.Info.Authenticated {
		t.Fatal("regenerated record must not be authenticated")
	}
}

func TestSweepRemovesExpiredRecords(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	s.TryAuth(ctx, "bob", "")

	withRecord(t, s, "alice", func(rec *record) {
		rec.lastAuth = time.Now().Add(-31 * time.Minute)
	})

	s.sweep()

	stats := s.Stats()
	if stats.Records != 1 {
		t.Fatalf("expected 1 record after sweep, got %d", stats.Records)
	}
	if stats.LastSweep.IsZero() {
		t.Fatal("sweep must stamp LastSweep")
	}
	if _, ok := s.Info("bob"); !ok {
		t.Fatal("live record must survive the sweep")
	}
	snap := s.MetricsSnapshot()
	if snap.Counters[MetricSweepRemoved] != 1 {
		t.Fatalf("expected MetricSweepRemoved=1, got %d", snap.Counters[MetricSweepRemoved])
	}
}

func TestPassTokenMintedOnSuccess(t *testing.T) {
	s := newTestStore(t, func(cfg *Config) {
		cfg.PassToken.Enabled = true
		cfg.PassToken.PrivateKey = []byte("0123456789abcdef0123456789abcdef")
		cfg.PassToken.Issuer = "gocaptcha-test"
	})
	ctx := context.Background()

	s.TryAuth(ctx, "alice", "")
	res := s.TryAuth(ctx, "alice", "42")
	if res.State != StateSuccess {
		t.Fatalf("expected StateSuccess, got %s", res.State)
	}
	if res.PassToken == "" {
		t.Fatal("expected a pass token")
	}

	subject, err := s.VerifyPassToken(res.PassToken)
	if err != nil {
		t.Fatalf("VerifyPassToken failed: %v", err)
	}
	if subject != "alice" {
		t.Fatalf("expected subject alice, got %q", subject)
	}
}

func TestInfoDoesNotAdvanceProtocol(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, ok := s.Info("alice"); ok {
		t.Fatal("unknown subject must report no info")
	}
	s.TryAuth(ctx, "alice", "")
	info, ok := s.Info("alice")
	if !ok {
		t.Fatal("expected info for known subject")
	}
	if info.SubjectID != "alice" || info.Authenticated {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func BenchmarkTryAuth(b *testing.B) {
	cfg := DefaultConfig()
	cfg.Queue.Capacity = 64
	cfg.Queue.CheckInterval = time.Millisecond
	cfg.Auth.TooFast = 0

	store, err := New().
		WithConfig(cfg).
		WithRenderer(testRenderer{}).
		Build()
	if err != nil {
		b.Fatalf("Build failed: %v", err)
	}
	if err := store.Start(); err != nil {
		b.Fatalf("Start failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	// Authenticate once so the loop measures the steady-state path.
	store.TryAuth(ctx, "bench", "")
	store.TryAuth(ctx, "bench", "42")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		store.TryAuth(ctx, "bench", "42")
	}
}
