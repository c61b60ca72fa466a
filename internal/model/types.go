// Package model defines domain types used by the service.
package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// Attributes is a product's dynamic attribute set. Values are JSON shaped:
// nil, bool, json.Number, string, []any or map[string]any.
type Attributes map[string]any

// Product is the current state of a catalog entry. Version is the per-key
// sequence number of the mutation that produced it.
type Product struct {
	ID         string     `json:"id"`
	Attributes Attributes `json:"attributes"`
	Version    int64      `json:"version"`
}

// Clone returns a deep copy of p.
func (p Product) Clone() Product {
	out := p
	out.Attributes = CloneAttributes(p.Attributes)
	return out
}

// CloneAttributes deep-copies an attribute set.
func CloneAttributes(a Attributes) Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		l := make([]any, len(t))
		for i := range t {
			l[i] = cloneValue(t[i])
		}
		return l
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = cloneValue(x)
		}
		return m
	default:
		return v
	}
}

// CanonicalJSON encodes attributes with sorted keys, so equal attribute sets
// produce identical bytes.
func CanonicalJSON(a Attributes) []byte {
	if a == nil {
		a = Attributes{}
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil
	}
	return b
}

// SameAttributes reports whether two attribute sets encode identically.
func SameAttributes(a, b Attributes) bool {
	return bytes.Equal(CanonicalJSON(a), CanonicalJSON(b))
}

// DecodeAttributes parses a JSON object into Attributes keeping numbers as
// json.Number.
func DecodeAttributes(b []byte) (Attributes, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var a Attributes
	if err := dec.Decode(&a); err != nil {
		return nil, err
	}
	return a, nil
}

// EventKind names a domain change event.
type EventKind string

const (
	ProductCreated EventKind = "ProductCreated"
	ProductUpdated EventKind = "ProductUpdated"
	ProductDeleted EventKind = "ProductDeleted"
)

// ChangeEvent is a normalized mutation of one product key.
type ChangeEvent struct {
	EventID   string    `json:"event_id"`
	Kind      EventKind `json:"kind"`
	Key       string    `json:"key"`
	Sequence  uint64    `json:"sequence"`
	Before    *Product  `json:"before,omitempty"`
	After     *Product  `json:"after,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Partition int    `json:"partition"`
	Offset    uint64 `json:"offset"`

	// PossiblyOutOfOrder is set per delivery when the sink has not applied
	// the key's previous sequence.
	PossiblyOutOfOrder bool `json:"possibly_out_of_order,omitempty"`
}

// Outcome classifies a sink's answer to one event.
type Outcome int

const (
	Ack Outcome = iota
	Retryable
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SinkResult is returned by every sink invocation.
type SinkResult struct {
	Outcome Outcome
	Reason  string
}

func Acked() SinkResult { return SinkResult{Outcome: Ack} }

func RetryLater(reason string) SinkResult { return SinkResult{Outcome: Retryable, Reason: reason} }

func Reject(reason string) SinkResult { return SinkResult{Outcome: Fatal, Reason: reason} }

// DeadLetter is an event a sink could not apply, kept for operator action.
type DeadLetter struct {
	ID        string          `json:"id"`
	Sink      string          `json:"sink"`
	Partition int             `json:"partition"`
	Offset    uint64          `json:"offset"`
	Key       string          `json:"key,omitempty"`
	Sequence  uint64          `json:"sequence,omitempty"`
	Event     *ChangeEvent    `json:"event,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"created_at"`
}
