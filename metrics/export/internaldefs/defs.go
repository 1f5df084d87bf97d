package internaldefs

import (
	"github.com/MrWexor/goCaptcha/internal/metrics"
)

// CounterDef binds a metric ID to its exported name and help text.
type CounterDef struct {
	ID   metrics.MetricID
	Name string
	Help string
}

// HistogramDef binds a latency histogram ID to its exported name.
type HistogramDef struct {
	ID   metrics.MetricID
	Name string
	Help string
}

// CounterDefs lists every exported counter. Exporters iterate this slice
// so a new metric only needs one entry here.
var CounterDefs = []CounterDef{
	{metrics.MetricChallengeRendered, "gocaptcha_challenges_rendered_total", "Challenges produced by the renderer."},
	{metrics.MetricChallengeIssued, "gocaptcha_challenges_issued_total", "Challenges handed to subjects."},
	{metrics.MetricRenderFailure, "gocaptcha_render_failures_total", "Failed challenge productions."},
	{metrics.MetricPopImmediate, "gocaptcha_pop_immediate_total", "Pop calls served from the ready buffer."},
	{metrics.MetricPopParked, "gocaptcha_pop_parked_total", "Pop calls that parked waiting for production."},
	{metrics.MetricCapacityRaised, "gocaptcha_capacity_raised_total", "Demand-driven queue capacity increments."},
	{metrics.MetricCapacityCutback, "gocaptcha_capacity_cutback_total", "Supply-driven queue capacity decrements."},
	{metrics.MetricWorkerRespawn, "gocaptcha_worker_respawns_total", "Renderer worker process respawns."},
	{metrics.MetricAuthNew, "gocaptcha_auth_new_total", "Fresh challenge issuances."},
	{metrics.MetricAuthMore, "gocaptcha_auth_more_total", "Correct answers that did not yet authenticate."},
	{metrics.MetricAuthWrong, "gocaptcha_auth_wrong_total", "Wrong answers."},
	{metrics.MetricAuthTooFast, "gocaptcha_auth_too_fast_total", "Correct answers rejected as too fast."},
	{metrics.MetricAuthTimeout, "gocaptcha_auth_timeout_total", "Answers past the per-challenge budget."},
	{metrics.MetricAuthLimited, "gocaptcha_auth_limited_total", "Calls answered with the limit state."},
	{metrics.MetricAuthSuccess, "gocaptcha_auth_success_total", "Successful authentications."},
	{metrics.MetricAuthExpired, "gocaptcha_auth_expired_total", "Records discarded on expiry during a call."},
	{metrics.MetricAuthRegen, "gocaptcha_auth_regen_total", "Challenge regeneration requests."},
	{metrics.MetricAuthError, "gocaptcha_auth_error_total", "Internal failures absorbed as an error state."},
	{metrics.MetricCooldownDrop, "gocaptcha_cooldown_drops_total", "Wrong-count resets after cooldown."},
	{metrics.MetricSweepRemoved, "gocaptcha_sweep_removed_total", "Records removed by the background sweep."},
	{metrics.MetricPassTokenIssued, "gocaptcha_pass_tokens_issued_total", "Pass tokens minted on success."},
}

// HistogramDefs lists every exported latency histogram.
var HistogramDefs = []HistogramDef{
	{metrics.MetricTryAuthLatency, "gocaptcha_tryauth_duration_seconds", "TryAuth call latency."},
	{metrics.MetricPopLatency, "gocaptcha_pop_duration_seconds", "Challenge queue Pop latency."},
}

// HistogramBoundSuffix gives each bucket a stable name fragment for
// exporters that flatten buckets into individual instruments. The last
// entry is the implicit +Inf bucket.
var HistogramBoundSuffix = [8]string{"5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "inf"}

// NormalizeBuckets pads or truncates a snapshot bucket slice to exactly
// len(HistogramBoundSuffix) entries, so exporters can index it blindly.
func NormalizeBuckets(buckets []uint64) []uint64 {
	out := make([]uint64, len(HistogramBoundSuffix))
	copy(out, buckets)
	return out
}

// BucketBoundsSeconds returns the histogram upper bounds in seconds,
// excluding the implicit +Inf bucket.
func BucketBoundsSeconds() []float64 {
	out := make([]float64, len(metrics.HistogramBuckets))
	for i, d := range metrics.HistogramBuckets {
		out[i] = d.Seconds()
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into the cumulative form
// Prometheus histograms use. The last element includes all samples.
func CumulativeBuckets(buckets []uint64) []uint64 {
	out := make([]uint64, len(buckets))
	var sum uint64
	for i, b := range buckets {
		sum += b
		out[i] = sum
	}
	return out
}
