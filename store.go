package goCaptcha

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/MrWexor/goCaptcha/passtoken"
)

// stripeCount is the number of per-subject mutex stripes. Power of two so
// the FNV hash distributes evenly.
const stripeCount = 64

// Store owns all per-subject verification state and runs the
// challenge-response protocol. One stripe lock serializes each subject's
// calls; different subjects proceed in parallel.
//
// TryAuth never returns an error: internal failures are absorbed into
// StateError and any counter mutations already applied stay in effect.
type Store struct {
	cfg      Config
	queue    *ChallengeQueue
	worker   *workerClient
	verifier Verifier
	metrics  *Metrics
	audit    *auditDispatcher
	tokens   *passtoken.Manager
	shared   *sharedLimiter

	stripes [stripeCount]sync.Mutex

	mu        sync.Mutex
	records   map[string]*record
	lastSweep time.Time
	started   bool
	closed    bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func stripeIndex(subjectID string) int {
	h := uint32(2166136261)
	for i := 0; i < len(subjectID); i++ {
		h ^= uint32(subjectID[i])
		h *= 16777619
	}
	return int(h % stripeCount)
}

// Start launches the challenge queue and the record sweeper.
func (s *Store) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrQueueAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	if err := s.queue.Start(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.sweepLoop()
	return nil
}

// Close stops the queue, the sweeper, the worker process if any, and the
// audit dispatcher. Idempotent.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	s.queue.Terminate()
	if s.worker != nil {
		s.worker.close()
	}
	s.wg.Wait()
	s.audit.close()
}

/*
====================================
TRYAUTH
====================================
*/

// TryAuth advances the subject's verification protocol with the given
// answer and returns the resulting state. An empty answer on a fresh
// subject issues the first challenge; the distinguished [RegenAnswer]
// requests a replacement challenge at a reduced penalty.
func (s *Store) TryAuth(ctx context.Context, subjectID, answer string) Result {
	var startedAt time.Time
	if s.metrics.LatencyEnabled() {
		startedAt = time.Now()
	}

	idx := stripeIndex(subjectID)
	s.stripes[idx].Lock()
	res := s.tryAuthLocked(ctx, subjectID, answer)
	s.stripes[idx].Unlock()

	s.maybeSweep()

	if !startedAt.IsZero() {
		s.metrics.Observe(MetricTryAuthLatency, time.Since(startedAt))
	}
	return res
}

// maybeSweep amortizes record cleanup over TryAuth traffic, so an
// instance that never idles long enough for the ticker still sheds
// expired records.
func (s *Store) maybeSweep() {
	s.mu.Lock()
	stale := time.Since(s.lastSweep) > s.cfg.Auth.AuthTimeout
	if stale {
		s.lastSweep = time.Now()
	}
	s.mu.Unlock()
	if stale {
		go s.sweep()
	}
}

func (s *Store) tryAuthLocked(ctx context.Context, subjectID, answer string) Result {
	now := time.Now()
	auth := s.cfg.Auth

	rec, fresh := s.getOrCreate(subjectID, now)

	// Expired records restart from scratch, authenticated or not.
	if !fresh && rec.expired(auth.AuthTimeout, now) {
		s.remove(subjectID)
		s.metrics.Inc(MetricAuthExpired)
		s.emit(auditEventAuthExpired, rec, "", false)
		rec, fresh = s.getOrCreate(subjectID, now)
	}

	if fresh {
		s.metrics.Inc(MetricAuthNew)
		s.emit(auditEventAuthNew, rec, "", true)
		return s.issue(ctx, rec, StateNew)
	}

	// Authentication is monotonic until expiry.
	if rec.authenticated {
		s.metrics.Inc(MetricAuthSuccess)
		s.emit(auditEventAuthSuccess, rec, "", true)
		return s.success(rec)
	}

	if answer == RegenAnswer {
		s.metrics.Inc(MetricAuthRegen)
		rec.addWrong(auth.OnRegenWrong, auth.MaxWrong, false, now)
		s.noteSharedWrong(ctx, subjectID, auth.OnRegenWrong)
		if lim := s.limitCheck(ctx, rec, now); lim != nil {
			return *lim
		}
		s.emit(auditEventAuthRegen, rec, "", true)
		return s.issue(ctx, rec, StateNew)
	}

	if lim := s.limitCheck(ctx, rec, now); lim != nil {
		return *lim
	}

	// A failed issuance can leave a record with no outstanding challenge.
	if rec.challenge == nil {
		s.metrics.Inc(MetricAuthNew)
		s.emit(auditEventAuthNew, rec, "", true)
		return s.issue(ctx, rec, StateNew)
	}

	// Too slow: partial penalty, fresh challenge.
	if now.Sub(rec.lastIssue) > auth.AnswerTimeout {
		s.metrics.Inc(MetricAuthTimeout)
		rec.addWrong(auth.WrongOnTooLong, auth.MaxWrong, false, now)
		s.noteSharedWrong(ctx, subjectID, auth.WrongOnTooLong)
		s.emit(auditEventAuthTimeout, rec, rec.challenge.ID, false)
		if rec.limited(auth.MaxWrong) {
			s.metrics.Inc(MetricAuthLimited)
			return Result{State: StateLimit, Info: rec.info(auth)}
		}
		return s.issue(ctx, rec, StateTimeout)
	}

	correct := s.verifier.CheckAnswer(rec.challenge.Answer, answer)

	// Too fast: a correct answer below human latency counts as wrong.
	if correct && now.Sub(rec.lastIssue) < auth.TooFast {
		s.metrics.Inc(MetricAuthTooFast)
		s.emit(auditEventAuthTooFast, rec, rec.challenge.ID, false)
		return s.penalize(ctx, rec, now)
	}

	if correct {
		rec.correct++
		challengeID := rec.challenge.ID
		rec.challenge = nil
		if rec.correct >= float64(auth.RequiredAnswers) {
			rec.authenticated = true
			rec.lastAuth = now
			s.metrics.Inc(MetricAuthSuccess)
			s.emit(auditEventAuthSuccess, rec, challengeID, true)
			if s.shared != nil {
				if err := s.shared.reset(ctx, rec.subjectID); err != nil {
					log.Printf("goCaptcha: %v", err)
				}
			}
			return s.success(rec)
		}
		s.metrics.Inc(MetricAuthMore)
		s.emit(auditEventAuthMore, rec, challengeID, true)
		return s.issue(ctx, rec, StateMore)
	}

	s.metrics.Inc(MetricAuthWrong)
	s.emit(auditEventAuthWrong, rec, rec.challenge.ID, false)
	return s.penalize(ctx, rec, now)
}

// penalize applies a full wrong increment and either limits the record or
// issues a replacement challenge.
func (s *Store) penalize(ctx context.Context, rec *record, now time.Time) Result {
	auth := s.cfg.Auth
	rec.addWrong(1, auth.MaxWrong, auth.ResetOnWrong, now)
	s.noteSharedWrong(ctx, rec.subjectID, 1)
	if rec.limited(auth.MaxWrong) {
		s.metrics.Inc(MetricAuthLimited)
		s.emit(auditEventAuthLimited, rec, "", false)
		return Result{State: StateLimit, Info: rec.info(auth)}
	}
	return s.issue(ctx, rec, StateWrong)
}

// limitCheck handles the limited state and its cooldown. The cooldown
// runs from the moment the record became limited; calls that merely
// observe the limit do not extend it. A successful drop issues a fresh
// challenge immediately; the answer that arrived with this call is not
// evaluated against the pre-limit challenge.
func (s *Store) limitCheck(ctx context.Context, rec *record, now time.Time) *Result {
	auth := s.cfg.Auth
	if rec.limited(auth.MaxWrong) {
		if !rec.lastLimit.IsZero() && now.Sub(rec.lastLimit) > auth.DropWrongAfter {
			rec.dropWrong()
			s.metrics.Inc(MetricCooldownDrop)
			s.emit(auditEventCooldownDrop, rec, "", true)
			if s.shared != nil {
				if err := s.shared.reset(ctx, rec.subjectID); err != nil {
					log.Printf("goCaptcha: %v", err)
				}
			}
			s.metrics.Inc(MetricAuthNew)
			s.emit(auditEventAuthNew, rec, "", true)
			res := s.issue(ctx, rec, StateNew)
			return &res
		}
		s.metrics.Inc(MetricAuthLimited)
		s.emit(auditEventAuthLimited, rec, "", false)
		return &Result{State: StateLimit, Info: rec.info(auth)}
	}
	if s.shared != nil {
		lim, err := s.shared.limited(ctx, rec.subjectID)
		if err != nil {
			log.Printf("goCaptcha: %v", err)
		} else if lim {
			s.metrics.Inc(MetricAuthLimited)
			s.emit(auditEventAuthLimited, rec, "", false)
			return &Result{State: StateLimit, Info: rec.info(auth)}
		}
	}
	return nil
}

// issue pops a challenge for the record. The answer clock starts when the
// challenge is actually in hand, not when the pop began.
func (s *Store) issue(ctx context.Context, rec *record, state State) Result {
	ch, err := s.queue.Pop(ctx)
	if err != nil {
		s.metrics.Inc(MetricAuthError)
		ev := newAuditEvent(auditEventAuthError, rec.subjectID, "", false)
		ev.Error = err.Error()
		s.audit.emit(ev)
		log.Printf("goCaptcha: challenge issuance failed: %v", err)
		return Result{State: StateError, Info: rec.info(s.cfg.Auth)}
	}
	rec.challenge = ch
	rec.lastIssue = time.Now()
	s.metrics.Inc(MetricChallengeIssued)
	s.emit(auditEventChallengeIssued, rec, ch.ID, true)
	return Result{
		State:     state,
		Challenge: s.verifier.PresentChallenge(ch),
		Info:      rec.info(s.cfg.Auth),
	}
}

// success builds the StateSuccess result, minting a pass token when
// configured. Token failures are absorbed; the subject is authenticated
// either way.
func (s *Store) success(rec *record) Result {
	res := Result{State: StateSuccess, Info: rec.info(s.cfg.Auth)}
	if s.tokens != nil {
		token, err := s.tokens.Issue(rec.subjectID)
		if err != nil {
			log.Printf("goCaptcha: pass token issuance failed: %v", err)
		} else {
			res.PassToken = token
			s.metrics.Inc(MetricPassTokenIssued)
		}
	}
	return res
}

func (s *Store) noteSharedWrong(ctx context.Context, subjectID string, delta float64) {
	if s.shared == nil || delta == 0 {
		return
	}
	if err := s.shared.noteWrong(ctx, subjectID, delta); err != nil {
		log.Printf("goCaptcha: %v", err)
	}
}

/*
====================================
DEAUTH / INTROSPECTION
====================================
*/

// DeAuth discards the subject's record entirely, authenticated or not.
func (s *Store) DeAuth(ctx context.Context, subjectID string) {
	idx := stripeIndex(subjectID)
	s.stripes[idx].Lock()
	defer s.stripes[idx].Unlock()

	s.mu.Lock()
	rec, ok := s.records[subjectID]
	if ok {
		delete(s.records, subjectID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.emit(auditEventDeAuth, rec, "", true)
	if s.shared != nil {
		if err := s.shared.reset(ctx, subjectID); err != nil {
			log.Printf("goCaptcha: %v", err)
		}
	}
}

// DeAuthAndGenNew discards the subject's record and immediately starts a
// fresh protocol run, returning the first challenge.
func (s *Store) DeAuthAndGenNew(ctx context.Context, subjectID string) Result {
	s.DeAuth(ctx, subjectID)
	return s.TryAuth(ctx, subjectID, "")
}

// Info returns the subject's diagnostic snapshot without advancing the
// protocol. The second return is false for unknown subjects.
func (s *Store) Info(subjectID string) (Info, bool) {
	idx := stripeIndex(subjectID)
	s.stripes[idx].Lock()
	defer s.stripes[idx].Unlock()

	s.mu.Lock()
	rec, ok := s.records[subjectID]
	s.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return rec.info(s.cfg.Auth), true
}

// Stats returns a point-in-time snapshot of store internals.
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{
		Records:   len(s.records),
		LastSweep: s.lastSweep,
	}
}

// QueueStats exposes the underlying challenge queue snapshot.
func (s *Store) QueueStats() QueueStats {
	return s.queue.Stats()
}

// MetricsSnapshot returns a deep copy of all collected metrics.
func (s *Store) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// AuditDropped reports audit events lost to a full dispatch buffer.
func (s *Store) AuditDropped() uint64 {
	return s.audit.droppedCount()
}

// VerifyPassToken checks a previously minted pass token and returns its
// subject. Only available when pass tokens are enabled.
func (s *Store) VerifyPassToken(token string) (string, error) {
	if s.tokens == nil {
		return "", passtoken.ErrInvalidConfig
	}
	return s.tokens.Verify(token)
}

/*
====================================
SWEEP
====================================
*/

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	interval := s.cfg.Auth.AuthTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep removes expired records. It uses TryLock on the stripe so a
// subject mid-call is simply skipped until the next pass; the sweep is
// best-effort, expiry correctness comes from the TryAuth-side check.
func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	subjects := make([]string, 0, len(s.records))
	for id := range s.records {
		subjects = append(subjects, id)
	}
	s.lastSweep = now
	s.mu.Unlock()

	var removed uint64
	for _, id := range subjects {
		idx := stripeIndex(id)
		if !s.stripes[idx].TryLock() {
			continue
		}
		s.mu.Lock()
		rec, ok := s.records[id]
		if ok && rec.expired(s.cfg.Auth.AuthTimeout, now) {
			delete(s.records, id)
			removed++
		}
		s.mu.Unlock()
		s.stripes[idx].Unlock()
	}
	if removed > 0 {
		s.metrics.Add(MetricSweepRemoved, removed)
	}
}

/*
====================================
HELPERS
====================================
*/

// getOrCreate returns the subject's record, creating one when absent.
// Callers hold the subject's stripe lock.
func (s *Store) getOrCreate(subjectID string, now time.Time) (*record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[subjectID]; ok {
		return rec, false
	}
	rec := newRecord(subjectID, now)
	s.records[subjectID] = rec
	return rec, true
}

func (s *Store) remove(subjectID string) {
	s.mu.Lock()
	delete(s.records, subjectID)
	s.mu.Unlock()
}

func (s *Store) emit(eventType string, rec *record, challengeID string, success bool) {
	if s.audit == nil {
		return
	}
	s.audit.emit(newAuditEvent(eventType, rec.subjectID, challengeID, success))
}
