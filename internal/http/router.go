package httpapi

import (
	"expvar"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

// NewRouter registers HTTP routes and returns the handler with middleware.
func NewRouter(app *App) http.Handler {
	r := mux.NewRouter()
	limit := func(h http.HandlerFunc) http.HandlerFunc { return WithRateLimit(app.limiter, h) }

	r.HandleFunc("/products", app.listProducts).Methods(http.MethodGet)
	r.HandleFunc("/products", limit(app.createProduct)).Methods(http.MethodPost)
	r.HandleFunc("/products/{id}", app.getProduct).Methods(http.MethodGet)
	r.HandleFunc("/products/{id}", limit(app.putProduct)).Methods(http.MethodPut)
	r.HandleFunc("/products/{id}", limit(app.deleteProduct)).Methods(http.MethodDelete)

	r.HandleFunc("/readmodel/products/{id}", app.readModelProduct).Methods(http.MethodGet)
	r.HandleFunc("/search", app.search).Methods(http.MethodGet)
	r.HandleFunc("/events", app.listEvents).Methods(http.MethodGet)
	r.HandleFunc("/streams/normalize", app.normalizeStream).Methods(http.MethodPost)

	if app.Deps.Engine != nil {
		r.HandleFunc("/admin/partitions", app.adminPartitions).Methods(http.MethodGet)
		r.HandleFunc("/admin/deadletters", app.listDeadLetters).Methods(http.MethodGet)
		r.HandleFunc("/admin/deadletters/{id}", app.getDeadLetter).Methods(http.MethodGet)
		r.HandleFunc("/admin/deadletters/{id}", app.deleteDeadLetter).Methods(http.MethodDelete)
		r.HandleFunc("/admin/deadletters/{id}/replay", app.replayDeadLetter).Methods(http.MethodPost)
	}

	r.HandleFunc("/healthz", app.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/readyz", app.readyHandler).Methods(http.MethodGet)
	r.HandleFunc("/debug/metrics", app.metricsHandler).Methods(http.MethodGet)
	r.Handle("/debug/vars", expvar.Handler())
	if app.Deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(app.Deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.HandleFunc("/openapi.yaml", app.openapiHandler).Methods(http.MethodGet)
	r.Handle("/docs", http.RedirectHandler("/docs/index.html", http.StatusMovedPermanently))
	r.PathPrefix("/docs/").Handler(httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WriteJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})
	return WithRequestID(WithLogging(app.Deps.Metrics, r))
}
