// Package stream defines the raw change-record format written to the change
// log by the store and turns those records into domain change events.
//
// Records follow the DynamoDB Streams JSON layout (NEW_AND_OLD_IMAGES), so a
// batch captured from a real table stream can be fed to the normalizer
// unchanged.
package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// ErrMalformed marks a raw record that cannot be normalized.
const ErrMalformed = errors.ConstError("malformed change record")

const (
	EventInsert = "INSERT"
	EventModify = "MODIFY"
	EventRemove = "REMOVE"

	EventSourceCatalog = "catalog:store"
	ViewNewAndOld      = "NEW_AND_OLD_IMAGES"

	attrID      = "id"
	attrIDAlt   = "Id"
	attrVersion = "version"
)

// Image is a full item snapshot keyed by attribute name.
type Image map[string]AttributeValue

// Batch is the envelope of a stream delivery.
type Batch struct {
	Records []json.RawMessage `json:"Records"`
}

// Record is one change record.
type Record struct {
	EventID        string       `json:"eventID"`
	EventName      string       `json:"eventName"`
	EventVersion   string       `json:"eventVersion,omitempty"`
	EventSource    string       `json:"eventSource,omitempty"`
	AWSRegion      string       `json:"awsRegion,omitempty"`
	EventSourceARN string       `json:"eventSourceARN,omitempty"`
	DynamoDB       StreamRecord `json:"dynamodb"`
}

// StreamRecord carries the keys, images and ordering data of a record.
type StreamRecord struct {
	ApproximateCreationDateTime float64 `json:"ApproximateCreationDateTime,omitempty"`
	Keys                        Image   `json:"Keys"`
	NewImage                    Image   `json:"NewImage,omitempty"`
	OldImage                    Image   `json:"OldImage,omitempty"`
	// SequenceNumber is the per-key sequence number in decimal.
	SequenceNumber string `json:"SequenceNumber"`
	SizeBytes      int64  `json:"SizeBytes"`
	StreamViewType string `json:"StreamViewType,omitempty"`
}

// NewRecord builds the change record for one committed mutation. before is
// nil for creations and after is nil for deletions.
func NewRecord(key string, before, after *model.Product, seq uint64, at time.Time) (Record, error) {
	var name string
	switch {
	case before == nil && after != nil:
		name = EventInsert
	case before != nil && after != nil:
		name = EventModify
	case before != nil && after == nil:
		name = EventRemove
	default:
		return Record{}, errors.NotValidf("change record without images")
	}
	rec := Record{
		EventID:      fmt.Sprintf("%s:%d", key, seq),
		EventName:    name,
		EventVersion: "1.1",
		EventSource:  EventSourceCatalog,
		DynamoDB: StreamRecord{
			ApproximateCreationDateTime: float64(at.UnixMilli()) / 1000,
			Keys:                        Image{attrID: String(key)},
			SequenceNumber:              strconv.FormatUint(seq, 10),
			StreamViewType:              ViewNewAndOld,
		},
	}
	var err error
	if after != nil {
		if rec.DynamoDB.NewImage, err = ImageOf(*after); err != nil {
			return Record{}, errors.Trace(err)
		}
	}
	if before != nil {
		if rec.DynamoDB.OldImage, err = ImageOf(*before); err != nil {
			return Record{}, errors.Trace(err)
		}
	}
	return rec, nil
}

// Encode returns the JSON form of r with SizeBytes filled in.
func (r Record) Encode() ([]byte, error) {
	r.DynamoDB.SizeBytes = 0
	b, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Trace(err)
	}
	r.DynamoDB.SizeBytes = int64(len(b))
	return json.Marshal(r)
}

// ImageOf flattens a product into an image: id, version and every attribute
// at top level.
func ImageOf(p model.Product) (Image, error) {
	img := make(Image, len(p.Attributes)+2)
	for k, v := range p.Attributes {
		av, err := FromValue(v)
		if err != nil {
			return nil, errors.Annotatef(err, "attribute %q", k)
		}
		img[k] = av
	}
	img[attrID] = String(p.ID)
	img[attrVersion] = Number(strconv.FormatInt(p.Version, 10))
	return img, nil
}

// ProductOf reverses ImageOf. The id may be spelled "id" or "Id". A missing
// version falls back to fallbackVersion.
func ProductOf(img Image, fallbackVersion int64) (model.Product, error) {
	if len(img) == 0 {
		return model.Product{}, errors.Annotate(ErrMalformed, "empty image")
	}
	id, err := keyOf(img)
	if err != nil {
		return model.Product{}, err
	}
	p := model.Product{ID: id, Version: fallbackVersion, Attributes: model.Attributes{}}
	for k, av := range img {
		switch k {
		case attrID, attrIDAlt:
			continue
		case attrVersion:
			n, ok := av.AsNumber()
			if !ok {
				return model.Product{}, errors.Annotate(ErrMalformed, "version is not a number")
			}
			v, perr := strconv.ParseInt(n, 10, 64)
			if perr != nil {
				return model.Product{}, errors.Annotatef(ErrMalformed, "version %q", n)
			}
			p.Version = v
		default:
			x, err := av.ToValue()
			if err != nil {
				return model.Product{}, errors.Annotatef(err, "attribute %q", k)
			}
			p.Attributes[k] = x
		}
	}
	return p, nil
}

func keyOf(img Image) (string, error) {
	av, ok := img[attrID]
	if !ok {
		av, ok = img[attrIDAlt]
	}
	if !ok {
		return "", errors.Annotate(ErrMalformed, "missing id")
	}
	id, ok := av.AsString()
	if !ok {
		return "", errors.Annotate(ErrMalformed, "id is not a string")
	}
	if id == "" {
		return "", errors.Annotate(ErrMalformed, "empty id")
	}
	return id, nil
}
