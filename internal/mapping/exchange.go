package mapping

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Exchange is the per-request state shared by the map engine, rule
// handlers and the dispatcher.
type Exchange struct {
	Request *http.Request

	// Path is the current lookup path. Rewrites, path rules and before
	// hooks change it; file resolution starts from its final value.
	Path  string
	Query url.Values

	// Logger is scoped to the request.
	Logger *slog.Logger

	header http.Header
	status int
	afters []AfterFunc
}

// NewExchange creates the state for r. header is the response header that
// will eventually be written.
func NewExchange(r *http.Request, header http.Header, path string, query url.Values, logger *slog.Logger) *Exchange {
	if header == nil {
		header = make(http.Header)
	}
	if query == nil {
		query = url.Values{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Exchange{
		Request: r,
		Path:    path,
		Query:   query,
		Logger:  logger,
		header:  header,
		status:  http.StatusOK,
	}
}

// Context returns the request context.
func (ex *Exchange) Context() context.Context {
	return ex.Request.Context()
}

// Method returns the lowercased request method, the key used for
// method-specific data.
func (ex *Exchange) Method() string {
	return strings.ToLower(ex.Request.Method)
}

func (ex *Exchange) Header() http.Header {
	return ex.header
}

func (ex *Exchange) SetStatus(code int) {
	ex.status = code
}

func (ex *Exchange) Status() int {
	return ex.status
}

// AddAfter registers fn to run over the body before it is sent.
func (ex *Exchange) AddAfter(fn AfterFunc) {
	ex.afters = append(ex.afters, fn)
}

// RunAfters chains the registered after hooks over body in registration
// order, each receiving the previous one's result.
func (ex *Exchange) RunAfters(body any) (any, error) {
	for _, fn := range ex.afters {
		out, err := fn(ex, body)
		if err != nil {
			return nil, err
		}
		if body, err = Resolve(ex.Context(), out); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// Deferred is a value that becomes available later, for handlers that do
// their work asynchronously.
type Deferred interface {
	Await(ctx context.Context) (any, error)
}

type deferred struct {
	done chan struct{}
	val  any
	err  error
}

// Defer runs fn on its own goroutine and returns its eventual result. A
// panic in fn becomes the error.
func Defer(fn func() (any, error)) Deferred {
	d := &deferred{done: make(chan struct{})}
	go func() {
		defer close(d.done)
		defer func() {
			if r := recover(); r != nil {
				d.err = fmt.Errorf("%v", r)
			}
		}()
		d.val, d.err = fn()
	}()
	return d
}

func (d *deferred) Await(ctx context.Context) (any, error) {
	select {
	case <-d.done:
		return d.val, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve waits for v if it is Deferred, repeatedly, and returns the plain
// value. Other values are returned unchanged.
func Resolve(ctx context.Context, v any) (any, error) {
	for {
		d, ok := v.(Deferred)
		if !ok {
			return v, nil
		}
		var err error
		if v, err = d.Await(ctx); err != nil {
			return nil, err
		}
	}
}
