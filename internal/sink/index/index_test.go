package index

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

func put(x *Index, kind model.EventKind, key string, seq uint64, attrs model.Attributes) model.SinkResult {
	ev := model.ChangeEvent{Kind: kind, Key: key, Sequence: seq}
	if kind != model.ProductDeleted {
		ev.After = &model.Product{ID: key, Attributes: attrs}
	}
	return x.Apply(context.Background(), ev)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"red", "t", "shirt", "xl"}, Tokenize("Red T-Shirt (XL)"))
	assert.Empty(t, Tokenize("  -- "))
}

func TestIndexSearch(t *testing.T) {
	x := New()
	put(x, model.ProductCreated, "p1", 1, model.Attributes{"name": "Red Shirt", "tags": []any{"summer"}})
	put(x, model.ProductCreated, "p2", 1, model.Attributes{"name": "Blue Shirt", "meta": map[string]any{"brand": "Acme"}})
	put(x, model.ProductCreated, "p3", 1, model.Attributes{"name": "Red Hat", "price": 3})

	assert.Equal(t, []string{"p1", "p2"}, x.Search("shirt", 0))
	assert.Equal(t, []string{"p1"}, x.Search("RED shirt", 0))
	assert.Equal(t, []string{"p2"}, x.Search("acme", 0))
	assert.Equal(t, []string{"p1"}, x.Search("summer", 0))
	assert.Equal(t, []string{"p1"}, x.Search("shirt", 1))
	assert.Empty(t, x.Search("3", 0), "numbers are not indexed")
	assert.Empty(t, x.Search("", 0))
}

func TestIndexUpdateAndDelete(t *testing.T) {
	x := New()
	put(x, model.ProductCreated, "p1", 1, model.Attributes{"name": "Red Shirt"})
	put(x, model.ProductUpdated, "p1", 2, model.Attributes{"name": "Green Shirt"})
	assert.Empty(t, x.Search("red", 0))
	assert.Equal(t, []string{"p1"}, x.Search("green", 0))

	// Stale redelivery changes nothing.
	res := put(x, model.ProductCreated, "p1", 1, model.Attributes{"name": "Red Shirt"})
	assert.Equal(t, model.Ack, res.Outcome)
	assert.Empty(t, x.Search("red", 0))

	put(x, model.ProductDeleted, "p1", 3, nil)
	assert.Empty(t, x.Search("shirt", 0))
	assert.Empty(t, x.postings)
}
