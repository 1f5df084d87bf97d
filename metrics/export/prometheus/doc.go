// Package prometheus renders goCaptcha metric snapshots in the
// Prometheus text exposition format, without depending on the Prometheus
// client library. Mount Exporter.Handler at /metrics or call Render
// directly.
package prometheus
