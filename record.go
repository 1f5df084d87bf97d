package goCaptcha

import "time"

// record is the per-subject protocol state. All fields are guarded by the
// subject's stripe lock in the Store; record itself has no locking.
type record struct {
	subjectID     string
	authenticated bool

	// Counters are fractional so partial penalties accumulate across
	// answers. A record is limited only when wrong strictly exceeds
	// the configured maximum.
	correct float64
	wrong   float64

	challenge *Challenge

	lastIssue time.Time
	lastAuth  time.Time
	// lastLimit is set when a wrong-count increment leaves the record
	// limited. The cooldown runs from this instant; later calls that merely
	// observe the limited state do not refresh it.
	lastLimit time.Time
}

func newRecord(subjectID string, now time.Time) *record {
	return &record{
		subjectID: subjectID,
		lastAuth:  now,
	}
}

func (r *record) limited(maxWrong float64) bool {
	return r.wrong > maxWrong
}

// expired reports whether the record as a whole is past its lifetime.
// lastAuth doubles as the liveness timestamp for unauthenticated records.
func (r *record) expired(authTimeout time.Duration, now time.Time) bool {
	return now.Sub(r.lastAuth) > authTimeout
}

// addWrong applies a (possibly fractional) wrong penalty and stamps
// lastLimit if the increment crossed the threshold.
func (r *record) addWrong(delta, maxWrong float64, resetCorrect bool, now time.Time) {
	wasLimited := r.limited(maxWrong)
	r.wrong += delta
	if resetCorrect {
		r.correct = 0
	}
	if !wasLimited && r.limited(maxWrong) {
		r.lastLimit = now
	}
}

// dropWrong clears the wrong counter after cooldown.
func (r *record) dropWrong() {
	r.wrong = 0
	r.lastLimit = time.Time{}
}

func (r *record) info(cfg AuthConfig) Info {
	return Info{
		SubjectID:       r.subjectID,
		Authenticated:   r.authenticated,
		CorrectCount:    r.correct,
		WrongCount:      r.wrong,
		RequiredAnswers: cfg.RequiredAnswers,
		MaxWrong:        cfg.MaxWrong,
		LastIssue:       r.lastIssue,
		LastAuth:        r.lastAuth,
	}
}
