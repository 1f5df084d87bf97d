// Package internaldefs holds the shared metric name tables used by the
// Prometheus and OTel exporters, so both surfaces expose identical names
// and help strings.
package internaldefs
