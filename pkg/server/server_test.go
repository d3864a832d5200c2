package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/metergate/pkg/asset"
	"github.com/pario-ai/metergate/pkg/cache"
	cachememory "github.com/pario-ai/metergate/pkg/cache/memory"
	"github.com/pario-ai/metergate/pkg/config"
	"github.com/pario-ai/metergate/pkg/distill"
	"github.com/pario-ai/metergate/pkg/history"
	"github.com/pario-ai/metergate/pkg/ledger"
	ledgermemory "github.com/pario-ai/metergate/pkg/ledger/memory"
	"github.com/pario-ai/metergate/pkg/metrics"
	"github.com/pario-ai/metergate/pkg/models"
	"github.com/pario-ai/metergate/pkg/runner"
)

type testServer struct {
	srv     *Server
	ledger  *ledger.Ledger
	metrics *metrics.Collector
}

func setupServer(t *testing.T, limit int64) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	cs, err := cachememory.New(0, 0)
	require.NoError(t, err)
	rc := cache.New(cs, cache.WithMetrics(m))
	t.Cleanup(func() { rc.Close() })

	h, err := history.New(filepath.Join(t.TempDir(), "history.db"), 0, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	l := ledger.New(ledgermemory.New(), limit, ledger.WithMetrics(m))
	r := runner.New(l, rc, runner.WithMetrics(m))
	costs := config.DefaultCosts()

	srv := New(":0",
		asset.New(r, costs, asset.WithHistory(h)),
		distill.New(r, costs, distill.WithHistory(h)),
		l,
		WithHistory(h),
		WithMetrics(m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	)
	return &testServer{srv: srv, ledger: l, metrics: m}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)
	return w
}

type apiError struct {
	Error errorBody `json:"error"`
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAssetEndpoint(t *testing.T) {
	ts := setupServer(t, 25000)
	body := `{"asset_kind":"badge","context":"first task","size":"medium"}`

	w := ts.do(t, http.MethodPost, "/v1/assets", body, ActorHeader, "user-1")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decodeBody[models.AssetResponse](t, w)
	assert.False(t, first.FromCache)
	assert.Equal(t, int64(10), first.CreditsUsed)

	w = ts.do(t, http.MethodPost, "/v1/assets", body, ActorHeader, "user-1")
	require.Equal(t, http.StatusOK, w.Code)
	second := decodeBody[models.AssetResponse](t, w)
	assert.True(t, second.FromCache)
	assert.Zero(t, second.CreditsUsed)

	w = ts.do(t, http.MethodGet, "/v1/history/user-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	hist := decodeBody[struct {
		Entries []models.HistoryEntry `json:"entries"`
	}](t, w)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, first.AssetID, hist.Entries[0].ItemID)

	assert.Equal(t, 2.0, testutil.ToFloat64(ts.metrics.HTTPRequests.WithLabelValues("POST", "/v1/assets", "200")))
}

func TestDistillEndpoint(t *testing.T) {
	ts := setupServer(t, 25000)
	body := `{"raw_text":"Had coffee with Sarah this morning, need to follow up tomorrow","input_kind":"note_text"}`

	w := ts.do(t, http.MethodPost, "/v1/distill", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[models.DistillResponse](t, w)
	assert.Equal(t, int64(4), resp.CreditsUsed)
	assert.Contains(t, resp.Event.Tags, "morning")
}

func TestBudgetExceeded(t *testing.T) {
	ts := setupServer(t, 25000)
	_, err := ts.ledger.RecordUsage(context.Background(), "asset", 24995, "seed", "", nil)
	require.NoError(t, err)

	w := ts.do(t, http.MethodPost, "/v1/assets", `{"asset_kind":"orb","context":"x","size":"large"}`)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	e := decodeBody[apiError](t, w)
	assert.Equal(t, "budget_exceeded", e.Error.Type)
	require.NotNil(t, e.Error.Required)
	require.NotNil(t, e.Error.Available)
	assert.Equal(t, int64(25), *e.Error.Required)
	assert.Equal(t, int64(5), *e.Error.Available)
}

func TestInvalidRequests(t *testing.T) {
	ts := setupServer(t, 25000)

	cases := []struct {
		name, path, body string
	}{
		{"unknown kind", "/v1/assets", `{"asset_kind":"poster","context":"x"}`},
		{"bad json", "/v1/assets", `{"asset_kind":`},
		{"unknown field", "/v1/distill", `{"raw_text":"x","input_kind":"note_text","extra":1}`},
		{"empty text", "/v1/distill", `{"raw_text":"","input_kind":"note_text"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, tc.path, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			e := decodeBody[apiError](t, w)
			assert.Equal(t, "invalid_request", e.Error.Type)
			assert.Equal(t, http.StatusBadRequest, e.Error.Code)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupServer(t, 25000)
	for _, path := range []string{"/v1/assets", "/v1/distill"} {
		w := ts.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
		assert.Contains(t, w.Body.String(), "method not allowed")
	}
}

func TestUsageEndpoints(t *testing.T) {
	ts := setupServer(t, 1000)
	ctx := context.Background()
	_, err := ts.ledger.RecordUsage(ctx, "asset", 250, "badge_generation", "", nil)
	require.NoError(t, err)
	_, err = ts.ledger.RecordUsage(ctx, "distillation", 4, "distillation_standard", "", nil)
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/v1/usage", "")
	require.Equal(t, http.StatusOK, w.Code)
	summary := decodeBody[models.UsageSummary](t, w)
	assert.Equal(t, int64(254), summary.MonthlyUsed)
	assert.Equal(t, int64(746), summary.Remaining)

	w = ts.do(t, http.MethodGet, "/v1/usage/breakdown", "")
	require.Equal(t, http.StatusOK, w.Code)
	breakdown := decodeBody[struct {
		MonthKey string                `json:"month_key"`
		Features []models.FeatureUsage `json:"features"`
	}](t, w)
	assert.Equal(t, ts.ledger.CurrentMonth(), breakdown.MonthKey)
	require.Len(t, breakdown.Features, 2)
	assert.Equal(t, "badge_generation", breakdown.Features[0].FeatureID)

	w = ts.do(t, http.MethodGet, "/v1/usage/records?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	records := decodeBody[struct {
		Records []models.UsageRecord `json:"records"`
	}](t, w)
	assert.Len(t, records.Records, 1)

	w = ts.do(t, http.MethodGet, "/v1/usage/records?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := setupServer(t, 1000)

	w := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	health := decodeBody[map[string]any](t, w)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, 1000.0, health["remaining"])

	ts.do(t, http.MethodPost, "/v1/assets", `{"asset_kind":"icon","context":"key"}`)
	w = ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "metergate_credits_consumed_total")
}

func TestNotFound(t *testing.T) {
	ts := setupServer(t, 1000)
	w := ts.do(t, http.MethodGet, "/v2/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListenAndServeShutdown(t *testing.T) {
	ts := setupServer(t, 1000)
	ts.srv.listen = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.srv.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
