// Package oracle wraps the text-generation model behind a small gateway
// interface and adds caching, retries and a failure contract that never
// surfaces transport errors as exceptions to callers.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/cache"
	"github.com/MikeSquared-Agency/herald/internal/metrics"
)

// ErrorMarker prefixes every failure rendered as text.
const ErrorMarker = "Error:"

// ErrMarkedFailure is returned when a gateway answered with marker-prefixed text.
var ErrMarkedFailure = errors.New("oracle returned an error marker")

// Gateway is anything that can turn a prompt into text.
type Gateway interface {
	Invoke(ctx context.Context, prompt, system string) (string, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, prompt, system string) (string, error)

func (f GatewayFunc) Invoke(ctx context.Context, prompt, system string) (string, error) {
	return f(ctx, prompt, system)
}

// IsFailure reports whether text is a marker-prefixed failure.
func IsFailure(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), ErrorMarker)
}

// Request is one oracle call.
type Request struct {
	Prompt   string
	System   string
	UseCache bool
}

// Response is the outcome of a call. Exactly one of Text and Err is set.
type Response struct {
	Text     string
	Err      string
	Cached   bool
	Duration time.Duration
}

func (r Response) Failed() bool { return r.Err != "" }

// Tagged renders the response as a single string, with failures carrying
// the error marker.
func (r Response) Tagged() string {
	if r.Failed() {
		return r.Err
	}
	return r.Text
}

// Client adds caching, timeouts and accounting around a Gateway.
type Client struct {
	gw      Gateway
	cache   *cache.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	calls    atomic.Int64
	failures atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithCache enables response caching for requests that ask for it.
func WithCache(c *cache.Cache) Option { return func(cl *Client) { cl.cache = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(cl *Client) { cl.metrics = m } }

// WithTimeout bounds each gateway invocation.
func WithTimeout(d time.Duration) Option { return func(cl *Client) { cl.timeout = d } }

func NewClient(gw Gateway, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{gw: gw, logger: logger}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Call invokes the gateway. Failures come back as a Response with Err set
// and are never cached.
func (c *Client) Call(ctx context.Context, req Request) Response {
	start := time.Now()

	key := ""
	if req.UseCache && c.cache != nil {
		var err error
		key, err = cache.Key(map[string]string{"prompt": req.Prompt, "system": req.System})
		if err == nil {
			var text string
			if hit, _ := c.cache.Get(ctx, key, &text); hit {
				c.metrics.OracleCall("cached")
				return Response{Text: text, Cached: true, Duration: time.Since(start)}
			}
		}
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.calls.Add(1)
	text, err := c.gw.Invoke(callCtx, req.Prompt, req.System)
	if err == nil && IsFailure(text) {
		err = fmt.Errorf("%w: %s", ErrMarkedFailure, strings.TrimSpace(text))
	}
	if err != nil {
		c.failures.Add(1)
		c.metrics.OracleCall("error")
		c.logger.Warn("oracle call failed", "error", err, "duration", time.Since(start))
		return Response{Err: Render(err), Duration: time.Since(start)}
	}

	c.metrics.OracleCall("ok")
	if key != "" {
		if err := c.cache.Set(ctx, key, text, 0); err != nil {
			c.logger.Warn("failed to cache oracle response", "error", err)
		}
	}
	return Response{Text: text, Duration: time.Since(start)}
}

// Calls returns how many times the gateway was actually invoked.
func (c *Client) Calls() int64 { return c.calls.Load() }

// Failures returns how many invocations failed.
func (c *Client) Failures() int64 { return c.failures.Load() }

// Render formats err with the error marker, avoiding a doubled prefix.
func Render(err error) string {
	if errors.Is(err, ErrMarkedFailure) {
		msg := err.Error()
		if i := strings.Index(msg, ErrorMarker); i >= 0 {
			return msg[i:]
		}
	}
	return ErrorMarker + " " + err.Error()
}
