package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	httpopenapi "github.com/fairyhunter13/product-catalog-service/internal/http/openapi"
	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
	"github.com/fairyhunter13/product-catalog-service/internal/propagate"
	"github.com/fairyhunter13/product-catalog-service/internal/queue"
	"github.com/fairyhunter13/product-catalog-service/internal/sink"
	"github.com/fairyhunter13/product-catalog-service/internal/store"
)

// Deps are the collaborators served over HTTP. Engine, Sinks and Gatherer
// may be nil, which disables their routes.
type Deps struct {
	Store    *store.Store
	Engine   *propagate.Engine
	Manager  *queue.Manager
	Sinks    *sink.Set
	Metrics  *obs.Collector
	Gatherer prometheus.Gatherer
}

type App struct {
	Cfg  config.Config
	Deps Deps

	closing atomic.Bool
	started time.Time
	limiter *limiterPool
}

func NewApp(cfg config.Config, deps Deps) *App {
	if deps.Sinks == nil {
		deps.Sinks = &sink.Set{}
	}
	a := &App{Cfg: cfg, Deps: deps, started: time.Now()}
	if cfg.RateLimitRPS > 0 {
		a.limiter = newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	return a
}

// StartShutdown makes mutating requests fail with 503.
func (a *App) StartShutdown() {
	a.closing.Store(true)
}

func (a *App) shuttingDown(w http.ResponseWriter) bool {
	if a.closing.Load() {
		WriteJSONError(w, http.StatusServiceUnavailable, "shutting_down", "")
		return true
	}
	return false
}

type putRequest struct {
	Attributes      json.RawMessage `json:"attributes"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
}

type createRequest struct {
	ID         string          `json:"id,omitempty"`
	Attributes json.RawMessage `json:"attributes"`
}

type listResponse struct {
	Products      []model.Product `json:"products"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

func requireJSON(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		WriteJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "expected application/json")
		return false
	}
	return true
}

func decodeStrict(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func decodeAttributes(raw json.RawMessage) (model.Attributes, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.Annotate(model.ErrInvalidInput, "attributes is required")
	}
	attrs, err := model.DecodeAttributes(raw)
	if err != nil {
		return nil, errors.Annotatef(model.ErrInvalidInput, "attributes must be an object: %v", err)
	}
	return attrs, nil
}

// parseIfMatch reads a version from an If-Match header such as `"3"`,
// `W/"3"` or `3`.
func parseIfMatch(h string) (*int64, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return nil, nil
	}
	h = strings.Trim(strings.TrimPrefix(h, "W/"), `"`)
	v, err := strconv.ParseInt(h, 10, 64)
	if err != nil || v < 0 {
		return nil, errors.Annotatef(model.ErrInvalidInput, "If-Match %q is not a version", h)
	}
	return &v, nil
}

// expectedVersion merges the header and body/query forms of the expected
// version. Both may be given only if they agree.
func expectedVersion(r *http.Request, fromBody *int64) (*int64, error) {
	hdr, err := parseIfMatch(r.Header.Get("If-Match"))
	if err != nil {
		return nil, err
	}
	switch {
	case hdr == nil:
		if fromBody != nil && *fromBody < 0 {
			return nil, errors.Annotate(model.ErrInvalidInput, "expected_version must be >= 0")
		}
		return fromBody, nil
	case fromBody == nil || *fromBody == *hdr:
		return hdr, nil
	default:
		return nil, errors.Annotate(model.ErrInvalidInput, "If-Match and expected_version disagree")
	}
}

func writeProduct(w http.ResponseWriter, status int, p model.Product) {
	w.Header().Set("ETag", strconv.Quote(strconv.FormatInt(p.Version, 10)))
	writeJSON(w, status, p)
}

func (a *App) listProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			WriteJSONError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if ceiling := a.Cfg.ListMaxLimit; ceiling > 0 && limit > ceiling {
		limit = ceiling
	}
	products, next, err := a.Deps.Store.List(r.Context(), q.Get("page_token"), limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if products == nil {
		products = []model.Product{}
	}
	writeJSON(w, http.StatusOK, listResponse{Products: products, NextPageToken: next})
}

func (a *App) getProduct(w http.ResponseWriter, r *http.Request) {
	p, err := a.Deps.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeProduct(w, http.StatusOK, p)
}

func (a *App) putProduct(w http.ResponseWriter, r *http.Request) {
	if a.shuttingDown(w) || !requireJSON(w, r) {
		return
	}
	var req putRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	attrs, err := decodeAttributes(req.Attributes)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	expected, err := expectedVersion(r, req.ExpectedVersion)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	p, created, err := a.Deps.Store.Put(r.Context(), id, attrs, expected)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		w.Header().Set("Location", "/products/"+id)
	}
	obs.Logger.Info("product_written",
		"request_id", RequestIDFromContext(r.Context()), "id", id, "version", p.Version, "created", created)
	writeProduct(w, status, p)
}

func (a *App) createProduct(w http.ResponseWriter, r *http.Request) {
	if a.shuttingDown(w) || !requireJSON(w, r) {
		return
	}
	var req createRequest
	if !decodeStrict(w, r, &req) {
		return
	}
	attrs, err := decodeAttributes(req.Attributes)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	zero := int64(0)
	p, _, err := a.Deps.Store.Put(r.Context(), id, attrs, &zero)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	w.Header().Set("Location", "/products/"+id)
	obs.Logger.Info("product_created", "request_id", RequestIDFromContext(r.Context()), "id", id)
	writeProduct(w, http.StatusCreated, p)
}

func (a *App) deleteProduct(w http.ResponseWriter, r *http.Request) {
	if a.shuttingDown(w) {
		return
	}
	var fromQuery *int64
	if s := r.URL.Query().Get("expected_version"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			WriteJSONError(w, http.StatusBadRequest, "validation_error", "expected_version must be an integer")
			return
		}
		fromQuery = &v
	}
	expected, err := expectedVersion(r, fromQuery)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.Deps.Store.Delete(r.Context(), id, expected); err != nil {
		WriteError(w, r, err)
		return
	}
	obs.Logger.Info("product_deleted", "request_id", RequestIDFromContext(r.Context()), "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ready"}
	status := http.StatusOK
	if a.closing.Load() {
		resp["status"] = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	if a.Deps.Engine != nil {
		var failed []int
		for _, p := range a.Deps.Engine.Status() {
			if p.State == propagate.StateFailed {
				failed = append(failed, p.Partition)
			}
		}
		if len(failed) > 0 {
			resp["failed_partitions"] = failed
		}
	}
	writeJSON(w, status, resp)
}

func (a *App) metricsHandler(w http.ResponseWriter, r *http.Request) {
	m := map[string]any{
		"uptime_sec": time.Since(a.started).Seconds(),
	}
	if a.Deps.Manager != nil {
		enq, proc, backlog, depth := a.Deps.Manager.QueueMetrics()
		m["jobs_enqueued"] = enq
		m["jobs_processed"] = proc
		m["backlog_size"] = backlog
		m["queue_depth"] = depth
		m["worker_count"] = a.Deps.Manager.WorkerCount()
		m["intake_closed"] = a.Deps.Manager.IsShuttingDown()
	}
	if a.Deps.Engine != nil {
		var lag uint64
		for _, p := range a.Deps.Engine.Status() {
			if p.Head > p.Cursor {
				lag += p.Head - p.Cursor
			}
		}
		m["propagation_lag"] = lag
		m["propagation_idle"] = a.Deps.Engine.Idle()
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *App) openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(httpopenapi.YAML)
}
