package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cac-client/internal/cac"
	"cac-client/internal/experiment"
	"cac-client/internal/store"
)

const upstreamDocument = `{
  "contexts": [
    {"id": "ctx-city", "condition": {"==": [{"var": "city"}, "Bangalore"]}, "priority": 1, "override_with_keys": ["ov-city"]},
    {"id": "ctx-variant", "condition": {"in": ["exp-1-test", {"var": "variantIds"}]}, "priority": 2, "override_with_keys": ["ov-variant"]}
  ],
  "overrides": {
    "ov-city": {"pricing.base": 20},
    "ov-variant": {"checkout.flow": "new"}
  },
  "default_configs": {
    "pricing.base": 10,
    "checkout.flow": "classic",
    "support.email": "help@example.com"
  }
}`

const upstreamExperiments = `{
  "total_items": 1,
  "total_pages": 1,
  "data": [{
    "id": "exp-1",
    "name": "checkout",
    "status": "INPROGRESS",
    "traffic_percentage": 50,
    "context": {"==": [{"var": "city"}, "Bangalore"]},
    "variants": [
      {"id": "exp-1-control", "variant_type": "CONTROL"},
      {"id": "exp-1-test", "variant_type": "EXPERIMENTAL"}
    ]
  }]
}`

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server *Server
	router *gin.Engine
	client *cac.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithDocument(t, upstreamDocument)
}

func newFixtureWithDocument(t *testing.T, document string) *fixture {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-tenant") != "mjos" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Path {
		case "/config":
			_, _ = w.Write([]byte(document))
		case "/experiments":
			_, _ = w.Write([]byte(upstreamExperiments))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "cac.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := prometheus.NewRegistry()
	metrics := cac.NewMetrics(registry)
	factory := cac.NewFactory(cac.Config{Store: db, Metrics: metrics})
	t.Cleanup(factory.Close)

	ctx := context.Background()
	client, err := factory.NewClient(ctx, "mjos", time.Hour, upstream.URL)
	require.NoError(t, err)
	exp, err := experiment.New(ctx, experiment.Config{Tenant: "mjos", Hostname: upstream.URL, Frequency: time.Hour, Metrics: metrics})
	require.NoError(t, err)

	server, err := NewServer(Config{
		Factory:     factory,
		Experiments: map[string]*experiment.Client{"mjos": exp},
		Snapshots:   db,
		Gatherer:    registry,
	})
	require.NoError(t, err)
	router, err := server.Router()
	require.NoError(t, err)
	return &fixture{server: server, router: router, client: client}
}

func (f *fixture) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"mjos"}, decode(t, rec)["tenants"])
}

func TestTenantLookup(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/config", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/config?tenant=nobody", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "not found")

	rec = f.do(t, http.MethodGet, "/config", http.Header{"X-Tenant": {"mjos"}})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "mjos", body["tenant"])
	assert.Equal(t, f.client.Version(), body["version"])
	assert.Len(t, body["contexts"], 2)
	assert.Equal(t, []any{"city", "variantIds"}, body["dimensions"])
}

func TestContexts(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/config/contexts?tenant=mjos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items, ok := decode(t, rec)["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)

	city := items[0].(map[string]any)["conditions"].([]any)[0].(map[string]any)
	assert.Equal(t, "city", city["dimension"])
	assert.Equal(t, "is", city["operator"])

	variant := items[1].(map[string]any)["conditions"].([]any)[0].(map[string]any)
	assert.Equal(t, "variantIds", variant["dimension"])
	assert.Equal(t, "has", variant["operator"])
}

func TestConfigPrefix(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/config?tenant=mjos&prefix=support", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, map[string]any{"support.email": "help@example.com"}, body["default_configs"])
	assert.Empty(t, body["contexts"])
}

func TestResolve(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/config/resolve?tenant=mjos&city=Bangalore&prefix=pricing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pricing.base": 20}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/config/resolve?tenant=mjos&city=Delhi", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10.0, decode(t, rec)["pricing.base"])

	rec = f.do(t, http.MethodGet, "/config/resolve?tenant=mjos&city=Bangalore&show_reasoning=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	metadata, ok := decode(t, rec)["metadata"].([]any)
	require.True(t, ok)
	require.Len(t, metadata, 1)
	assert.Equal(t, "ctx-city", metadata[0].(map[string]any)["context_id"])
}

func TestResolveReasoningKeyConflict(t *testing.T) {
	f := newFixtureWithDocument(t, `{"default_configs": {"metadata": {"owner": "payments"}, "pricing.base": 10}}`)

	rec := f.do(t, http.MethodGet, "/config/resolve?tenant=mjos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"owner": "payments"}, decode(t, rec)["metadata"])

	rec = f.do(t, http.MethodGet, "/config/resolve?tenant=mjos&show_reasoning=true", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "metadata")

	rec = f.do(t, http.MethodGet, "/config/resolve?tenant=mjos&show_reasoning=true&prefix=pricing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["metadata"])
}

func TestResolveWithToss(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/config/resolve?tenant=mjos&city=Bangalore&toss=60", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "new", decode(t, rec)["checkout.flow"])

	rec = f.do(t, http.MethodGet, "/config/resolve?tenant=mjos&city=Bangalore&toss=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "classic", decode(t, rec)["checkout.flow"])
}

func TestResolveBadInput(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{
		"/config/resolve?tenant=mjos&merge_strategy=UNION",
		"/config/resolve?tenant=mjos&show_reasoning=maybe",
		"/config/resolve?tenant=mjos&toss=heads",
	} {
		rec := f.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestDefault(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/config/default?tenant=mjos&prefix=pricing,support", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pricing.base": 10, "support.email": "help@example.com"}`, rec.Body.String())
}

func TestRefreshRateLimited(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/config/refresh?tenant=mjos", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["changed"])
	assert.Equal(t, f.client.Version(), body["version"])

	rec = f.do(t, http.MethodPost, "/config/refresh?tenant=mjos", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestSnapshots(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/config/snapshots?tenant=mjos&limit=5&include_document=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items, ok := decode(t, rec)["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, f.client.Version(), item["version"])
	assert.NotNil(t, item["document"])

	rec = f.do(t, http.MethodGet, "/config/snapshots?tenant=mjos&limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApplicableVariants(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/experiments/applicable?tenant=mjos&city=Bangalore&toss=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"exp-1-control"}, decode(t, rec)["variantIds"])

	rec = f.do(t, http.MethodGet, "/experiments/applicable?tenant=mjos&city=Delhi&toss=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["variantIds"])
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cac_client_fetches_total")
}

func TestWatch(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/config/watch?tenant=mjos"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first UpdateEvent
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, eventSnapshot, first.Type)
	assert.Equal(t, f.client.Version(), first.Version)
	assert.NotEmpty(t, first.ConnectionID)

	require.Eventually(t, func() bool { return f.server.Notifier().Connections() == 1 }, time.Second, 10*time.Millisecond)
	f.server.Notifier().Broadcast(cac.Update{Tenant: "other", Version: "ignored"})
	f.server.Notifier().Broadcast(cac.Update{Tenant: "mjos", Version: "v2"})

	var next UpdateEvent
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, eventUpdate, next.Type)
	assert.Equal(t, "v2", next.Version)
	assert.Equal(t, first.ConnectionID, next.ConnectionID)
}
