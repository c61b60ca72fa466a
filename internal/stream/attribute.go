package stream

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

type avKind uint8

const (
	kindS avKind = iota + 1
	kindN
	kindBool
	kindNull
	kindL
	kindM
	kindSS
	kindNS
)

// AttributeValue is one typed value in a change-record image. Its JSON form
// is a single-key object such as {"S":"x"}, {"N":"1.5"} or {"L":[...]}.
type AttributeValue struct {
	kind avKind
	str  string
	b    bool
	list []AttributeValue
	m    map[string]AttributeValue
	set  []string
}

func String(s string) AttributeValue { return AttributeValue{kind: kindS, str: s} }

func Number(n string) AttributeValue { return AttributeValue{kind: kindN, str: n} }

func Bool(b bool) AttributeValue { return AttributeValue{kind: kindBool, b: b} }

func Null() AttributeValue { return AttributeValue{kind: kindNull, b: true} }

func List(vs ...AttributeValue) AttributeValue { return AttributeValue{kind: kindL, list: vs} }

func Map(m map[string]AttributeValue) AttributeValue { return AttributeValue{kind: kindM, m: m} }

func StringSet(ss ...string) AttributeValue { return AttributeValue{kind: kindSS, set: ss} }

func NumberSet(ns ...string) AttributeValue { return AttributeValue{kind: kindNS, set: ns} }

// AsString returns the value of an S attribute.
func (v AttributeValue) AsString() (string, bool) {
	if v.kind != kindS {
		return "", false
	}
	return v.str, true
}

// AsNumber returns the literal of an N attribute.
func (v AttributeValue) AsNumber() (string, bool) {
	if v.kind != kindN {
		return "", false
	}
	return v.str, true
}

// MarshalJSON implements json.Marshaler.
func (v AttributeValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindS:
		return json.Marshal(map[string]string{"S": v.str})
	case kindN:
		return json.Marshal(map[string]string{"N": v.str})
	case kindBool:
		return json.Marshal(map[string]bool{"BOOL": v.b})
	case kindNull:
		return []byte(`{"NULL":true}`), nil
	case kindL:
		l := v.list
		if l == nil {
			l = []AttributeValue{}
		}
		return json.Marshal(map[string][]AttributeValue{"L": l})
	case kindM:
		m := v.m
		if m == nil {
			m = map[string]AttributeValue{}
		}
		return json.Marshal(map[string]map[string]AttributeValue{"M": m})
	case kindSS:
		return json.Marshal(map[string][]string{"SS": v.set})
	case kindNS:
		return json.Marshal(map[string][]string{"NS": v.set})
	default:
		return nil, errors.NotValidf("empty attribute value")
	}
}

// UnmarshalJSON implements json.Unmarshaler. Type tags are matched case
// insensitively so both {"BOOL":true} and {"Bool":true} decode.
func (v *AttributeValue) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Annotate(ErrMalformed, err.Error())
	}
	if len(raw) != 1 {
		return errors.Annotatef(ErrMalformed, "attribute value must have exactly one type tag, got %d", len(raw))
	}
	for tag, body := range raw {
		var err error
		switch strings.ToUpper(tag) {
		case "S":
			v.kind = kindS
			err = json.Unmarshal(body, &v.str)
		case "N":
			v.kind = kindN
			err = json.Unmarshal(body, &v.str)
			if err == nil && !validNumber(v.str) {
				err = errors.Errorf("bad number %q", v.str)
			}
		case "BOOL":
			v.kind = kindBool
			err = json.Unmarshal(body, &v.b)
		case "NULL":
			v.kind = kindNull
			err = json.Unmarshal(body, &v.b)
		case "L":
			v.kind = kindL
			err = json.Unmarshal(body, &v.list)
		case "M":
			v.kind = kindM
			err = json.Unmarshal(body, &v.m)
		case "SS":
			v.kind = kindSS
			err = json.Unmarshal(body, &v.set)
		case "NS":
			v.kind = kindNS
			err = json.Unmarshal(body, &v.set)
		default:
			return errors.Annotatef(ErrMalformed, "unsupported attribute type %q", tag)
		}
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				return err
			}
			return errors.Annotatef(ErrMalformed, "attribute type %s: %v", tag, err)
		}
	}
	return nil
}

// FromValue converts a product attribute value into an AttributeValue.
func FromValue(x any) (AttributeValue, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t.String()), nil
	case float64:
		b, err := json.Marshal(t)
		if err != nil {
			return AttributeValue{}, errors.Trace(err)
		}
		return Number(string(b)), nil
	case []any:
		l := make([]AttributeValue, len(t))
		for i := range t {
			av, err := FromValue(t[i])
			if err != nil {
				return AttributeValue{}, err
			}
			l[i] = av
		}
		return List(l...), nil
	case map[string]any:
		m := make(map[string]AttributeValue, len(t))
		for k, e := range t {
			av, err := FromValue(e)
			if err != nil {
				return AttributeValue{}, err
			}
			m[k] = av
		}
		return Map(m), nil
	default:
		return AttributeValue{}, errors.NotSupportedf("attribute value of type %T", x)
	}
}

// ToValue converts an AttributeValue into a product attribute value. Sets
// become lists, sorted for a stable encoding.
func (v AttributeValue) ToValue() (any, error) {
	switch v.kind {
	case kindS:
		return v.str, nil
	case kindN:
		return json.Number(v.str), nil
	case kindBool:
		return v.b, nil
	case kindNull:
		return nil, nil
	case kindL:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			x, err := e.ToValue()
			if err != nil {
				return nil, err
			}
			out[i] = x
		}
		return out, nil
	case kindM:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			x, err := e.ToValue()
			if err != nil {
				return nil, err
			}
			out[k] = x
		}
		return out, nil
	case kindSS:
		ss := append([]string(nil), v.set...)
		sort.Strings(ss)
		out := make([]any, len(ss))
		for i, s := range ss {
			out[i] = s
		}
		return out, nil
	case kindNS:
		ns := append([]string(nil), v.set...)
		sort.Strings(ns)
		out := make([]any, len(ns))
		for i, n := range ns {
			if !validNumber(n) {
				return nil, errors.Annotatef(ErrMalformed, "bad number %q in number set", n)
			}
			out[i] = json.Number(n)
		}
		return out, nil
	default:
		return nil, errors.Annotate(ErrMalformed, "empty attribute value")
	}
}

func validNumber(s string) bool {
	if !json.Valid([]byte(s)) {
		return false
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}
