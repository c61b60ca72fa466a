// Package index keeps an inverted search index over the string attributes
// of products.
package index

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// Name is the sink name used in checkpoints and dead letters.
const Name = "index"

type doc struct {
	terms        []string
	lastSequence uint64
}

// Index maps lower-cased terms to product ids.
type Index struct {
	mu       sync.RWMutex
	postings map[string]map[string]struct{}
	docs     map[string]doc
}

func New() *Index {
	return &Index{
		postings: make(map[string]map[string]struct{}),
		docs:     make(map[string]doc),
	}
}

func (x *Index) Name() string { return Name }

// Tokenize splits s into lower-cased letter and digit runs.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func termsOf(attrs model.Attributes) []string {
	seen := map[string]struct{}{}
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, tok := range Tokenize(t) {
				seen[tok] = struct{}{}
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	for _, v := range attrs {
		walk(v)
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (x *Index) Apply(_ context.Context, ev model.ChangeEvent) model.SinkResult {
	if ev.Key == "" {
		return model.Reject("event without key")
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	old, ok := x.docs[ev.Key]
	if ok && ev.Sequence <= old.lastSequence {
		return model.Acked()
	}
	var terms []string
	switch ev.Kind {
	case model.ProductDeleted:
	case model.ProductCreated, model.ProductUpdated:
		if ev.After == nil {
			return model.Reject("event without new image")
		}
		terms = termsOf(ev.After.Attributes)
	default:
		return model.Reject("unknown event kind " + string(ev.Kind))
	}
	for _, t := range old.terms {
		if ids := x.postings[t]; ids != nil {
			delete(ids, ev.Key)
			if len(ids) == 0 {
				delete(x.postings, t)
			}
		}
	}
	for _, t := range terms {
		ids := x.postings[t]
		if ids == nil {
			ids = make(map[string]struct{})
			x.postings[t] = ids
		}
		ids[ev.Key] = struct{}{}
	}
	x.docs[ev.Key] = doc{terms: terms, lastSequence: ev.Sequence}
	return model.Acked()
}

// Search returns the ids of products matching every term of q, sorted.
func (x *Index) Search(q string, limit int) []string {
	terms := Tokenize(q)
	if len(terms) == 0 {
		return nil
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var hits map[string]struct{}
	for _, t := range terms {
		ids := x.postings[t]
		if len(ids) == 0 {
			return nil
		}
		if hits == nil {
			hits = make(map[string]struct{}, len(ids))
			for id := range ids {
				hits[id] = struct{}{}
			}
			continue
		}
		for id := range hits {
			if _, ok := ids[id]; !ok {
				delete(hits, id)
			}
		}
	}
	out := make([]string, 0, len(hits))
	for id := range hits {
		out = append(out, id)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
