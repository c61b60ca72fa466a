package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
	"github.com/fairyhunter13/product-catalog-service/internal/propagate"
	"github.com/fairyhunter13/product-catalog-service/internal/sink/events"
	"github.com/fairyhunter13/product-catalog-service/internal/stream"
)

// maxNormalizeBody bounds POST /streams/normalize bodies.
const maxNormalizeBody = 4 << 20

func queryInt(r *http.Request, name string, def int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (a *App) readModelProduct(w http.ResponseWriter, r *http.Request) {
	c := a.Deps.Sinks.Cache
	if c == nil {
		WriteJSONError(w, http.StatusNotFound, "not_found", "cache sink not configured")
		return
	}
	p, ok := c.Get(mux.Vars(r)["id"])
	if !ok {
		WriteJSONError(w, http.StatusNotFound, "not_found", "")
		return
	}
	writeProduct(w, http.StatusOK, p)
}

func (a *App) search(w http.ResponseWriter, r *http.Request) {
	x := a.Deps.Sinks.Index
	if x == nil {
		WriteJSONError(w, http.StatusNotFound, "not_found", "index sink not configured")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "q is required")
		return
	}
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
		return
	}
	ids := x.Search(q, limit)
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "ids": ids})
}

func (a *App) listEvents(w http.ResponseWriter, r *http.Request) {
	t := a.Deps.Sinks.Topic
	if t == nil {
		WriteJSONError(w, http.StatusNotFound, "not_found", "events sink not configured")
		return
	}
	after, ok := queryInt(r, "after", 0)
	limit, ok2 := queryInt(r, "limit", 100)
	if !ok || !ok2 {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "after and limit must be non-negative integers")
		return
	}
	evs, err := t.Read(uint64(after), limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if evs == nil {
		evs = []events.Published{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "head": t.Head()})
}

func (a *App) adminPartitions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"partitions": a.Deps.Engine.Status()})
}

func (a *App) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := queryInt(r, "limit", 100)
	if !ok {
		WriteJSONError(w, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
		return
	}
	dls, err := a.Deps.Engine.DeadLetters().List(propagate.ListFilter{
		Sink:  q.Get("sink"),
		Key:   q.Get("key"),
		After: q.Get("after"),
		Limit: limit,
	})
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if dls == nil {
		dls = []model.DeadLetter{}
	}
	resp := map[string]any{"dead_letters": dls}
	if len(dls) > 0 && len(dls) == limit {
		resp["next_after"] = dls[len(dls)-1].ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := a.Deps.Engine.DeadLetters().Get(mux.Vars(r)["id"])
	if err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

func (a *App) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	if a.shuttingDown(w) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := a.Deps.Engine.Replay(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed", "id": id})
}

func (a *App) deleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := a.Deps.Engine.DeadLetters().Delete(mux.Vars(r)["id"]); err != nil {
		WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type normalizeResult struct {
	Index   int                `json:"index"`
	Dropped bool               `json:"dropped,omitempty"`
	Event   *model.ChangeEvent `json:"event,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// normalizeStream normalizes a DynamoDB Streams batch without side effects.
func (a *App) normalizeStream(w http.ResponseWriter, r *http.Request) {
	if !requireJSON(w, r) {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxNormalizeBody))
	if err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	var batch stream.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	var n stream.Normalizer
	results := make([]normalizeResult, 0, len(batch.Records))
	for i, raw := range batch.Records {
		res, err := n.Normalize(raw)
		out := normalizeResult{Index: i}
		switch {
		case err != nil:
			out.Error = err.Error()
		case res.Dropped:
			out.Dropped = true
		default:
			ev := res.Event
			out.Event = &ev
		}
		results = append(results, out)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
