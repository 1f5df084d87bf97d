package prometheus

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/MrWexor/goCaptcha/internal/metrics"
	"github.com/MrWexor/goCaptcha/metrics/export/internaldefs"
)

// Source provides metric snapshots; *goCaptcha.Store satisfies it.
type Source interface {
	MetricsSnapshot() metrics.Snapshot
	AuditDropped() uint64
}

// Exporter renders snapshots in the Prometheus text exposition format.
// It holds no state beyond the source; every render takes a fresh
// snapshot.
type Exporter struct {
	source Source
}

func New(source Source) *Exporter {
	return &Exporter{source: source}
}

// Render writes one complete exposition to w.
func (e *Exporter) Render(w io.Writer) error {
	snap := e.source.MetricsSnapshot()

	for _, def := range internaldefs.CounterDefs {
		if err := writeHeader(w, def.Name, def.Help, "counter"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s %d\n", def.Name, snap.Counters[def.ID]); err != nil {
			return err
		}
	}

	if err := writeHeader(w, "gocaptcha_audit_dropped_total", "Audit events dropped by a full dispatch buffer.", "counter"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "gocaptcha_audit_dropped_total %d\n", e.source.AuditDropped()); err != nil {
		return err
	}

	bounds := internaldefs.BucketBoundsSeconds()
	for _, def := range internaldefs.HistogramDefs {
		buckets, ok := snap.Histograms[def.ID]
		if !ok {
			continue
		}
		if err := writeHeader(w, def.Name, def.Help, "histogram"); err != nil {
			return err
		}
		cumulative := internaldefs.CumulativeBuckets(buckets)
		for i, bound := range bounds {
			if _, err := fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", def.Name, formatBound(bound), cumulative[i]); err != nil {
				return err
			}
		}
		total := cumulative[len(cumulative)-1]
		if _, err := fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", def.Name, total); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count %d\n", def.Name, total); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the exposition over HTTP, for mounting at /metrics.
func (e *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = e.Render(w)
	})
}

func writeHeader(w io.Writer, name, help, kind string) error {
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", name, help); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	return err
}

func formatBound(bound float64) string {
	return strconv.FormatFloat(bound, 'g', -1, 64)
}
