package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

const namespace = "aero_webrtc_call_relay"

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format:
// counters as one family labelled by event, and each gauge as its own family.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeCounters(w, m.Snapshot())
		writeGauges(w, m.Gauges())
	})
}

func writeCounters(w io.Writer, snap map[string]uint64) {
	family := namespace + "_events_total"
	_, _ = fmt.Fprintf(w, "# HELP %s Signaling relay event counters.\n", family)
	_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", family)
	for _, k := range sortedKeys(snap) {
		_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", family, labelEscaper.Replace(k), snap[k])
	}
}

func writeGauges(w io.Writer, gauges map[string]float64) {
	for _, k := range sortedKeys(gauges) {
		family := namespace + "_" + sanitizeName(k)
		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", family)
		_, _ = fmt.Fprintf(w, "%s %g\n", family, gauges[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitizeName maps name onto the metric name alphabet [a-zA-Z0-9_].
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
