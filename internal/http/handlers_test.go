package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/propagate"
	"github.com/fairyhunter13/product-catalog-service/internal/queue"
	"github.com/fairyhunter13/product-catalog-service/internal/sink"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

type testEnv struct {
	app    *App
	engine *propagate.Engine
	mux    http.Handler
}

func setupApp(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Defaults()
	cfg.Partitions = 2
	cfg.PollInterval = 20 * time.Millisecond
	cfg.RateLimitRPS = 0
	for _, m := range mutate {
		m(&cfg)
	}
	obs.InitLogger("error", "json")

	metrics := obs.NewMetricsCollector()
	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics)

	db, err := kv.Open(kv.Options{DataDir: t.TempDir(), Fsync: kv.FsyncModeNever, Metrics: metrics})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	st, err := store.New(db, store.Options{Partitions: cfg.Partitions, Metrics: metrics})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	sinks, err := sink.Build(cfg, db)
	if err != nil {
		t.Fatalf("sinks: %v", err)
	}
	mgr := queue.NewManager(cfg, queue.New(128))
	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	eng, err := propagate.New(propagate.ConfigFrom(cfg), st.Log(), db, mgr, sinks.All, propagate.Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Start(ctx)
	t.Cleanup(func() {
		eng.Stop()
		mgr.Stop()
		cancel()
		_ = db.Close()
	})

	app := NewApp(cfg, Deps{Store: st, Engine: eng, Manager: mgr, Sinks: sinks, Metrics: metrics, Gatherer: reg})
	return &testEnv{app: app, engine: eng, mux: NewRouter(app)}
}

func (e *testEnv) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		r.Header.Set(hdr[i], hdr[i+1])
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, r)
	return rr
}

func decodeProduct(t *testing.T, rr *httptest.ResponseRecorder) model.Product {
	t.Helper()
	var p model.Product
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode product: %v (%s)", err, rr.Body.String())
	}
	return p
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var e jsonError
	if err := json.Unmarshal(rr.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error: %v (%s)", err, rr.Body.String())
	}
	return e.Error
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !e.engine.WaitIdle(ctx) {
		t.Fatalf("propagation did not settle")
	}
}

func TestOpenAPIServed(t *testing.T) {
	env := setupApp(t)
	rr := env.do(t, http.MethodGet, "/openapi.yaml", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("expected content-type set")
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte("openapi:")) {
		t.Fatalf("expected openapi content")
	}
}

func TestDocsServed(t *testing.T) {
	env := setupApp(t)
	rr := env.do(t, http.MethodGet, "/docs", "")
	if rr.Code != http.StatusMovedPermanently {
		t.Fatalf("expected redirect, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/docs/index.html", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "swagger-ui") {
		t.Fatalf("expected swagger-ui in docs body")
	}
}

func TestHealthAndReady(t *testing.T) {
	env := setupApp(t)
	if rr := env.do(t, http.MethodGet, "/healthz", ""); rr.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/readyz", ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz: expected 200, got %d", rr.Code)
	}
	env.app.StartShutdown()
	if rr := env.do(t, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown: expected 503, got %d", rr.Code)
	}
}

func TestProductLifecycle(t *testing.T) {
	env := setupApp(t)

	rr := env.do(t, http.MethodPut, "/products/p1", `{"attributes":{"name":"A","price":10}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if p := decodeProduct(t, rr); p.Version != 1 || p.ID != "p1" {
		t.Fatalf("unexpected product %+v", p)
	}
	if loc := rr.Header().Get("Location"); loc != "/products/p1" {
		t.Fatalf("unexpected location %q", loc)
	}

	rr = env.do(t, http.MethodPut, "/products/p1", `{"attributes":{"name":"A","price":12}}`, "If-Match", `"1"`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("ETag") != `"2"` {
		t.Fatalf("unexpected etag %q", rr.Header().Get("ETag"))
	}

	rr = env.do(t, http.MethodPut, "/products/p1", `{"attributes":{"price":13},"expected_version":1}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "version_conflict" {
		t.Fatalf("stale CAS: expected 409, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/products/p1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rr.Code)
	}
	p := decodeProduct(t, rr)
	if p.Version != 2 || p.Attributes["price"] != float64(12) {
		t.Fatalf("unexpected product %+v", p)
	}

	rr = env.do(t, http.MethodDelete, "/products/p1?expected_version=1", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("stale delete: expected 409, got %d", rr.Code)
	}
	rr = env.do(t, http.MethodDelete, "/products/p1", "", "If-Match", "2")
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr = env.do(t, http.MethodGet, "/products/p1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted: expected 404, got %d", rr.Code)
	}
	if rr = env.do(t, http.MethodDelete, "/products/p1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("delete again: expected 404, got %d", rr.Code)
	}

	// Re-creating continues the per-key version sequence.
	rr = env.do(t, http.MethodPut, "/products/p1", `{"attributes":{"name":"B"}}`, "If-Match", "0")
	if rr.Code != http.StatusCreated {
		t.Fatalf("re-create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if p := decodeProduct(t, rr); p.Version != 4 {
		t.Fatalf("expected version 4 after tombstone, got %d", p.Version)
	}
}

func TestCreateProduct(t *testing.T) {
	env := setupApp(t)
	rr := env.do(t, http.MethodPost, "/products", `{"attributes":{"name":"gen"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if p := decodeProduct(t, rr); p.ID == "" {
		t.Fatalf("expected generated id")
	}

	if rr = env.do(t, http.MethodPost, "/products", `{"id":"fixed","attributes":{}}`); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	if rr = env.do(t, http.MethodPost, "/products", `{"id":"fixed","attributes":{}}`); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate create: expected 409, got %d", rr.Code)
	}
}

func TestProductValidation(t *testing.T) {
	env := setupApp(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		hdr    []string
		status int
	}{
		{"missing attributes", http.MethodPut, "/products/v", `{}`, nil, http.StatusBadRequest},
		{"attributes not object", http.MethodPut, "/products/v", `{"attributes":[1]}`, nil, http.StatusBadRequest},
		{"reserved name", http.MethodPut, "/products/v", `{"attributes":{"version":1}}`, nil, http.StatusBadRequest},
		{"reserved Id", http.MethodPut, "/products/v", `{"attributes":{"Id":"x"}}`, nil, http.StatusBadRequest},
		{"unknown field", http.MethodPut, "/products/v", `{"attributes":{},"extra":1}`, nil, http.StatusBadRequest},
		{"malformed json", http.MethodPut, "/products/v", `{"attributes":`, nil, http.StatusBadRequest},
		{"bad if-match", http.MethodPut, "/products/v", `{"attributes":{}}`, []string{"If-Match", "abc"}, http.StatusBadRequest},
		{"disagreeing versions", http.MethodPut, "/products/v", `{"attributes":{},"expected_version":2}`, []string{"If-Match", "3"}, http.StatusBadRequest},
		{"negative version", http.MethodPut, "/products/v", `{"attributes":{},"expected_version":-1}`, nil, http.StatusBadRequest},
		{"long id", http.MethodPut, "/products/" + strings.Repeat("x", 300), `{"attributes":{}}`, nil, http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/products?limit=0", "", nil, http.StatusBadRequest},
		{"bad delete version", http.MethodDelete, "/products/v?expected_version=x", "", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := env.do(t, tc.method, tc.path, tc.body, tc.hdr...)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
		})
	}

	r := httptest.NewRequest(http.MethodPut, "/products/v", bytes.NewBufferString(`{"attributes":{}}`))
	r.Header.Set("Content-Type", "text/plain")
	rr := httptest.NewRecorder()
	env.mux.ServeHTTP(rr, r)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rr.Code)
	}
}

func TestListProductsPaging(t *testing.T) {
	env := setupApp(t)
	for _, id := range []string{"c", "a", "b"} {
		if rr := env.do(t, http.MethodPut, "/products/"+id, `{"attributes":{}}`); rr.Code != http.StatusCreated {
			t.Fatalf("seed %s: %d", id, rr.Code)
		}
	}
	var page listResponse
	rr := env.do(t, http.MethodGet, "/products?limit=2", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Products) != 2 || page.Products[0].ID != "a" || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	rr = env.do(t, http.MethodGet, "/products?limit=2&page_token="+page.NextPageToken, "")
	page = listResponse{}
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Products) != 1 || page.Products[0].ID != "c" || page.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestMutationsRejectedAfterShutdown(t *testing.T) {
	env := setupApp(t)
	env.app.StartShutdown()
	rr := env.do(t, http.MethodPut, "/products/x", `{"attributes":{}}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr = env.do(t, http.MethodDelete, "/products/x", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rr = env.do(t, http.MethodGet, "/products/x", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("reads still served, got %d", rr.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := setupApp(t, func(c *config.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})
	if rr := env.do(t, http.MethodPut, "/products/r", `{"attributes":{}}`); rr.Code != http.StatusCreated {
		t.Fatalf("first: expected 201, got %d", rr.Code)
	}
	rr := env.do(t, http.MethodPut, "/products/r", `{"attributes":{}}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second: expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After")
	}
	if rr = env.do(t, http.MethodGet, "/products/r", ""); rr.Code != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", rr.Code)
	}
}

func TestReadModelsFollowWrites(t *testing.T) {
	env := setupApp(t)
	env.do(t, http.MethodPut, "/products/p1", `{"attributes":{"name":"Red Shirt","price":10}}`)
	env.do(t, http.MethodPut, "/products/p1", `{"attributes":{"name":"Red Shirt","price":12}}`)
	env.do(t, http.MethodPut, "/products/p2", `{"attributes":{"name":"Blue Shirt"}}`)
	env.waitIdle(t)

	rr := env.do(t, http.MethodGet, "/readmodel/products/p1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("readmodel: expected 200, got %d", rr.Code)
	}
	if p := decodeProduct(t, rr); p.Version != 2 || p.Attributes["price"] != float64(12) {
		t.Fatalf("unexpected cached product %+v", p)
	}

	rr = env.do(t, http.MethodGet, "/search?q=red+shirt", "")
	var hits struct {
		IDs []string `json:"ids"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &hits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hits.IDs) != 1 || hits.IDs[0] != "p1" {
		t.Fatalf("unexpected hits %v", hits.IDs)
	}
	if rr = env.do(t, http.MethodGet, "/search", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("search without q: expected 400, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/events?after=0&limit=10", "")
	var evs struct {
		Events []struct {
			Key      string `json:"key"`
			Sequence uint64 `json:"sequence"`
			Kind     string `json:"kind"`
		} `json:"events"`
		Head uint64 `json:"head"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs.Events) != 3 || evs.Head != 3 {
		t.Fatalf("unexpected events %+v", evs)
	}
	var p1 []uint64
	for _, ev := range evs.Events {
		if ev.Key == "p1" {
			p1 = append(p1, ev.Sequence)
		}
	}
	if len(p1) != 2 || p1[0] != 1 || p1[1] != 2 {
		t.Fatalf("p1 events out of order: %v", p1)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := setupApp(t)
	rr := env.do(t, http.MethodGet, "/admin/partitions", "")
	var parts struct {
		Partitions []propagate.PartitionStatus `json:"partitions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &parts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(parts.Partitions) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(parts.Partitions))
	}

	rr = env.do(t, http.MethodGet, "/admin/deadletters", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"dead_letters":[]`) {
		t.Fatalf("unexpected dead letters response %d %s", rr.Code, rr.Body.String())
	}
	if rr = env.do(t, http.MethodGet, "/admin/deadletters/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr = env.do(t, http.MethodPost, "/admin/deadletters/nope/replay", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr = env.do(t, http.MethodDelete, "/admin/deadletters/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestNormalizeStream(t *testing.T) {
	env := setupApp(t)
	body := `{"Records":[
		{"eventID":"1","eventName":"INSERT","dynamodb":{"Keys":{"Id":{"S":"101"}},"NewImage":{"Id":{"S":"101"},"Name":{"S":"Widget"}},"SequenceNumber":"111"}},
		{"eventID":"2","eventName":"BOGUS","dynamodb":{}}
	]}`
	rr := env.do(t, http.MethodPost, "/streams/normalize", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Results []normalizeResult `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}
	if ev := resp.Results[0].Event; ev == nil || ev.Kind != model.ProductCreated || ev.Key != "101" {
		t.Fatalf("unexpected first result %+v", resp.Results[0])
	}
	if resp.Results[1].Error == "" {
		t.Fatalf("expected error for unknown event name")
	}
	if rr = env.do(t, http.MethodPost, "/streams/normalize", `nope`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestMetricsHandlers(t *testing.T) {
	env := setupApp(t)
	for i := 0; i < 5; i++ {
		if rr := env.do(t, http.MethodPut, "/products/m", `{"attributes":{"n":1}}`); rr.Code >= 300 {
			t.Fatalf("put: %d", rr.Code)
		}
	}
	env.waitIdle(t)

	rr := env.do(t, http.MethodGet, "/debug/metrics", "")
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("metrics json decode: %v", err)
	}
	for _, k := range []string{"worker_count", "queue_depth", "propagation_lag"} {
		if _, ok := m[k]; !ok {
			t.Fatalf("missing %s", k)
		}
	}

	rr = env.do(t, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	for _, name := range []string{"product_catalog_store_writes_total", "product_catalog_sink_dispatch_total", "product_catalog_http_requests_total"} {
		if !strings.Contains(rr.Body.String(), name) {
			t.Fatalf("missing %s in prometheus output", name)
		}
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := setupApp(t)
	if rr := env.do(t, http.MethodGet, "/nope", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPatch, "/products/x", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
