// Package sink assembles the configured propagation sinks.
package sink

import (
	"github.com/juju/errors"

	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/kv"
	"github.com/fairyhunter13/product-catalog-service/internal/propagate"
	"github.com/fairyhunter13/product-catalog-service/internal/sink/cache"
	"github.com/fairyhunter13/product-catalog-service/internal/sink/events"
	"github.com/fairyhunter13/product-catalog-service/internal/sink/index"
	"github.com/fairyhunter13/product-catalog-service/internal/sink/webhook"
)

// Set holds the built sinks. Fields of sinks that are not configured are nil.
type Set struct {
	Cache   *cache.Cache
	Index   *index.Index
	Topic   *events.Topic
	Webhook *webhook.Webhook
	All     []propagate.Sink
}

// Build creates the sinks named in cfg.Sinks, in that order.
func Build(cfg config.Config, db *kv.DB) (*Set, error) {
	s := &Set{}
	for _, name := range cfg.Sinks {
		switch name {
		case cache.Name:
			s.Cache = cache.New()
			s.All = append(s.All, s.Cache)
		case index.Name:
			s.Index = index.New()
			s.All = append(s.All, s.Index)
		case events.Name:
			t, err := events.Open(db)
			if err != nil {
				return nil, errors.Annotate(err, "opening event topic")
			}
			s.Topic = t
			s.All = append(s.All, t)
		case webhook.Name:
			w, err := webhook.New(webhook.Config{
				URL:     cfg.WebhookURL,
				Filter:  cfg.WebhookFilter,
				Timeout: cfg.SinkTimeout,
			})
			if err != nil {
				return nil, err
			}
			s.Webhook = w
			s.All = append(s.All, w)
		default:
			return nil, errors.NotValidf("sink %q", name)
		}
	}
	return s, nil
}
