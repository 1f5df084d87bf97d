package goCaptcha

import "time"

// Audit event types emitted by the engine. Stable identifiers; sinks may
// filter on them.
const (
	auditEventChallengeIssued       = "challenge_issued"
	auditEventChallengeRenderFailed = "challenge_render_failed"
	auditEventAuthNew               = "auth_new"
	auditEventAuthMore              = "auth_more"
	auditEventAuthWrong             = "auth_wrong"
	auditEventAuthTooFast           = "auth_too_fast"
	auditEventAuthTimeout           = "auth_timeout"
	auditEventAuthLimited           = "auth_limited"
	auditEventAuthSuccess           = "auth_success"
	auditEventAuthExpired           = "auth_expired"
	auditEventAuthRegen             = "auth_regen"
	auditEventAuthError             = "auth_error"
	auditEventDeAuth                = "deauth"
	auditEventCooldownDrop          = "cooldown_drop"
	auditEventWorkerRespawned       = "worker_respawned"
)

func newAuditEvent(eventType, subjectID, challengeID string, success bool) AuditEvent {
	return AuditEvent{
		Timestamp:   time.Now(),
		EventType:   eventType,
		SubjectID:   subjectID,
		ChallengeID: challengeID,
		Success:     success,
	}
}
