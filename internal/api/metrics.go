package api

import (
	"encoding/json"
	"net/http"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/heysubinoy/pyazcart/internal/store"
)

// MetricsHandler returns current transaction metrics as JSON.
// Only works if the server was initialized with an InstrumentedStore.
func MetricsHandler(instrumentedStore *store.InstrumentedStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		snapshot := instrumentedStore.GetMetrics()

		response := map[string]interface{}{
			"transactions": map[string]uint64{
				"begin":    snapshot.BeginCount,
				"commit":   snapshot.CommitCount,
				"abort":    snapshot.AbortCount,
				"conflict": snapshot.ConflictCount,
				"failure":  snapshot.FailureCount,
			},
			"avg_latency": map[string]string{
				"begin":  snapshot.BeginAvgLatency.String(),
				"commit": snapshot.CommitAvgLatency.String(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// SinkHandler serves the go-metrics in-memory sink, which also carries raft's
// own metrics.
func SinkHandler(sink *metrics.InmemSink) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		summary, err := sink.DisplayMetrics(w, r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}
