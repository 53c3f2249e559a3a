package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heysubinoy/pyazcart/internal/cart"
	"github.com/heysubinoy/pyazcart/internal/store"
)

func newTestMux(t *testing.T, raftNode *raft.Raft) (*http.ServeMux, *store.InstrumentedStore) {
	t.Helper()
	instrumented := store.NewInstrumentedStore(store.NewMemStore())
	mux := http.NewServeMux()
	NewServer(cart.NewStore(instrumented), raftNode, nil).RegisterRoutes(mux)
	mux.Handle("/metrics", MetricsHandler(instrumented))
	return mux, instrumented
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_CartFlow(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	rec := serve(mux, http.MethodPost, "/items", `{"name":"Book","quantity":2,"unit_price":9.5}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(mux, http.MethodPost, "/items", `{"name":"Pen","quantity":1}`)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(mux, http.MethodGet, "/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Items []cart.Item `json:"items"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []cart.Item{
		{Name: "Book", Quantity: 2, UnitPrice: 9.5},
		{Name: "Pen", Quantity: 1},
	}, body.Items)

	rec = serve(mux, http.MethodDelete, "/items?name=Pen", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(mux, http.MethodDelete, "/items?name=Pen", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = serve(mux, http.MethodGet, "/items", "")
	assert.JSONEq(t, `{"items":[{"name":"Book","quantity":2,"unit_price":9.5}]}`, rec.Body.String())
}

func TestHTTP_EmptyCartIsEmptyArray(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	rec := serve(mux, http.MethodGet, "/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestHTTP_BadRequests(t *testing.T) {
	mux, _ := newTestMux(t, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"invalid json", http.MethodPost, "/items", `{"name":`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/items", `{"quantity":1}`, http.StatusBadRequest},
		{"negative quantity", http.MethodPost, "/items", `{"name":"Book","quantity":-2}`, http.StatusBadRequest},
		{"delete without name", http.MethodDelete, "/items", "", http.StatusBadRequest},
		{"unsupported method", http.MethodPut, "/items", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(mux, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHTTP_FollowerWithoutLeader(t *testing.T) {
	cfg := raft.DefaultConfig()
	cfg.LocalID = "lonely"
	cfg.Logger = hclog.NewNullLogger()
	logs := raft.NewInmemStore()
	_, trans := raft.NewInmemTransport("")
	r, err := raft.NewRaft(cfg, store.NewRaftStore(time.Second, nil), logs, logs, raft.NewInmemSnapshotStore(), trans)
	require.NoError(t, err)
	t.Cleanup(func() { r.Shutdown().Error() })

	mux, _ := newTestMux(t, r)

	rec := serve(mux, http.MethodGet, "/items", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsHandler(t *testing.T) {
	mux, _ := newTestMux(t, nil)
	serve(mux, http.MethodPost, "/items", `{"name":"Book","quantity":1}`)

	rec := serve(mux, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Transactions map[string]uint64 `json:"transactions"`
		AvgLatency   map[string]string `json:"avg_latency"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	// The collection itself is created outside any transaction.
	assert.Equal(t, uint64(1), body.Transactions["begin"])
	assert.Equal(t, uint64(1), body.Transactions["commit"])
	assert.Contains(t, body.AvgLatency, "commit")

	rec = serve(mux, http.MethodPost, "/metrics", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSinkHandler(t *testing.T) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	sink.IncrCounter([]string{"cart", "tx", "commit"}, 1)

	rec := serve(SinkHandler(sink), http.MethodGet, "/debug/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cart.tx.commit")
}
