package model

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/juju/errors"
)

const (
	MaxIDLength   = 256
	MaxValueDepth = 16
)

var reservedAttributes = map[string]bool{"id": true, "Id": true, "version": true}

// ValidateID checks a product key.
func ValidateID(id string) error {
	switch {
	case id == "":
		return errors.Annotate(ErrInvalidInput, "id is required")
	case len(id) > MaxIDLength:
		return errors.Annotatef(ErrInvalidInput, "id longer than %d bytes", MaxIDLength)
	case strings.ContainsAny(id, "/\x00"):
		return errors.Annotate(ErrInvalidInput, "id must not contain '/'")
	}
	return nil
}

// NormalizeAttributes validates an attribute set and converts numeric values
// to json.Number, returning a new map.
func NormalizeAttributes(a Attributes) (Attributes, error) {
	out := make(Attributes, len(a))
	for k, v := range a {
		if k == "" {
			return nil, errors.Annotate(ErrInvalidInput, "empty attribute name")
		}
		if reservedAttributes[k] {
			return nil, errors.Annotatef(ErrInvalidInput, "attribute name %q is reserved", k)
		}
		nv, err := normalizeValue(v, 1)
		if err != nil {
			return nil, errors.Annotatef(err, "attribute %q", k)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any, depth int) (any, error) {
	if depth > MaxValueDepth {
		return nil, errors.Annotatef(ErrInvalidInput, "nested deeper than %d", MaxValueDepth)
	}
	switch t := v.(type) {
	case nil, bool, string:
		return t, nil
	case json.Number:
		if _, err := t.Float64(); err != nil {
			return nil, errors.Annotatef(ErrInvalidInput, "bad number %q", string(t))
		}
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, errors.Annotate(ErrInvalidInput, "non-finite number")
		}
		b, _ := json.Marshal(t)
		return json.Number(b), nil
	case int:
		b, _ := json.Marshal(t)
		return json.Number(b), nil
	case int64:
		b, _ := json.Marshal(t)
		return json.Number(b), nil
	case []any:
		l := make([]any, len(t))
		for i, x := range t {
			nx, err := normalizeValue(x, depth+1)
			if err != nil {
				return nil, err
			}
			l[i] = nx
		}
		return l, nil
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			nx, err := normalizeValue(x, depth+1)
			if err != nil {
				return nil, err
			}
			m[k] = nx
		}
		return m, nil
	case Attributes:
		return normalizeValue(map[string]any(t), depth)
	default:
		return nil, errors.Annotatef(ErrInvalidInput, "unsupported value type %T", v)
	}
}
