// Package webhook delivers change events to an HTTP endpoint.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/juju/errors"
	"github.com/valyala/fasthttp"

	"github.com/fairyhunter13/product-catalog-service/internal/model"
)

// Name is the sink name used in checkpoints and dead letters.
const Name = "webhook"

// Config configures a webhook sink.
type Config struct {
	URL string
	// Filter is an optional CEL expression over kind, key, sequence and
	// attributes. Events it rejects are acknowledged without delivery.
	Filter  string
	Timeout time.Duration
}

// Webhook POSTs each event as JSON with an Idempotency-Key of key:sequence.
type Webhook struct {
	url     string
	timeout time.Duration
	filter  cel.Program
	client  *fasthttp.Client
}

// New validates cfg and compiles its filter.
func New(cfg Config) (*Webhook, error) {
	if !strings.HasPrefix(cfg.URL, "http://") && !strings.HasPrefix(cfg.URL, "https://") {
		return nil, errors.NotValidf("webhook url %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	w := &Webhook{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		client: &fasthttp.Client{
			Name:                "product-catalog-service",
			ReadTimeout:         cfg.Timeout,
			WriteTimeout:        cfg.Timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
	if expr := strings.TrimSpace(cfg.Filter); expr != "" {
		prog, err := compileFilter(expr)
		if err != nil {
			return nil, errors.Annotate(err, "compiling webhook filter")
		}
		w.filter = prog
	}
	return w, nil
}

func compileFilter(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("key", cel.StringType),
		cel.Variable("sequence", cel.IntType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.NotValidf("filter result type %s", ast.OutputType())
	}
	return env.Program(ast)
}

func (w *Webhook) Name() string { return Name }

// Matches reports whether ev passes the filter. Evaluation errors, such as a
// missing attribute, count as no match.
func (w *Webhook) Matches(ev model.ChangeEvent) bool {
	if w.filter == nil {
		return true
	}
	img := ev.After
	if img == nil {
		img = ev.Before
	}
	attrs := map[string]any{}
	if img != nil {
		// Round-trip through JSON so numbers reach CEL as doubles.
		if err := json.Unmarshal(model.CanonicalJSON(img.Attributes), &attrs); err != nil {
			return false
		}
	}
	out, _, err := w.filter.Eval(map[string]any{
		"kind":       string(ev.Kind),
		"key":        ev.Key,
		"sequence":   int64(ev.Sequence),
		"attributes": attrs,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (w *Webhook) Apply(ctx context.Context, ev model.ChangeEvent) model.SinkResult {
	if !w.Matches(ev) {
		return model.Acked()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return model.Reject(err.Error())
	}

	if err := ctx.Err(); err != nil {
		return model.RetryLater(err.Error())
	}

	req := fasthttp.AcquireRequest()
	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", ev.Key, ev.Sequence))
	req.Header.Set("X-Event-Kind", string(ev.Kind))
	req.SetBody(body)

	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// fasthttp observes only the deadline; the goroutine owns req and resp
	// so a cancelled caller can return at once.
	type reply struct {
		code int
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		err := w.client.DoDeadline(req, resp, deadline)
		done <- reply{code: resp.StatusCode(), err: err}
	}()

	select {
	case <-ctx.Done():
		return model.RetryLater(ctx.Err().Error())
	case r := <-done:
		if r.err != nil {
			return model.RetryLater(r.err.Error())
		}
		return Classify(r.code)
	}
}

// Classify maps an HTTP status to a sink outcome.
func Classify(code int) model.SinkResult {
	switch {
	case code >= 200 && code < 300:
		return model.Acked()
	case code == fasthttp.StatusRequestTimeout, code == fasthttp.StatusTooManyRequests, code >= 500:
		return model.RetryLater(fmt.Sprintf("webhook status %d", code))
	default:
		return model.Reject(fmt.Sprintf("webhook status %d", code))
	}
}
