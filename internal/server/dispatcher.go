package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/devserve/internal/config"
	"github.com/relaypoint/devserve/internal/files"
	"github.com/relaypoint/devserve/internal/mapping"
	"github.com/relaypoint/devserve/internal/metrics"
	"github.com/relaypoint/devserve/internal/statuscode"
	"github.com/relaypoint/devserve/internal/urlpath"
)

const requestIDHeader = "X-Request-Id"

// Dispatcher is the single HTTP handler of the file server. Every request
// ends in exactly one response: a preflight answer, map data, a file, or a
// plain text error.
type Dispatcher struct {
	engine  *mapping.Engine
	files   *files.Resolver
	cors    config.CORSConfig
	root    string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher wires the engine and the file resolver. cfg must be
// normalized. m may be nil.
func NewDispatcher(cfg *config.Config, engine *mapping.Engine, resolver *files.Resolver, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if m == nil {
		m = metrics.New(metrics.DefaultConfig())
	}
	return &Dispatcher{
		engine:  engine,
		files:   resolver,
		cors:    cfg.CORS,
		root:    cfg.Root,
		metrics: m,
		logger:  logger,
	}
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	done := d.metrics.InFlightRequests()
	defer done()

	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, id)
	log := d.logger.With("request_id", id)

	rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
	outcome := d.serve(rw, r, log)

	duration := time.Since(start)
	d.metrics.RecordRequest(outcome, r.Method, rw.status, duration)
	d.metrics.RecordBytes(rw.written)

	log.Info(r.Method+" "+r.URL.RequestURI(), "status", rw.status, "outcome", string(outcome), "duration", duration)
}

func (d *Dispatcher) serve(w *responseWriter, r *http.Request, log *slog.Logger) (outcome metrics.Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic while handling request", "error", rec, "stack", string(debug.Stack()))
			d.metrics.RecordError("handler")
			d.fail(w, fmt.Errorf("%v", rec), log)
			outcome = metrics.Error
		}
	}()

	if d.cors.Enabled {
		if origin := r.Header.Get("Origin"); origin != "" {
			setCORSHeaders(w.Header(), origin, d.cors.Cookie)
		}
	}

	if r.Method == http.MethodOptions && d.cors.AutoPreflight {
		preflight(w, r)
		return metrics.Preflight
	}

	p, query := urlpath.Normalize(r.URL.RequestURI(), d.root)
	ex := mapping.NewExchange(r, w.Header(), p, query, log)

	res, err := d.engine.Evaluate(ex)
	if err != nil {
		d.metrics.RecordError("handler")
		d.fail(w, err, log)
		return metrics.Error
	}

	var body any
	switch {
	case res.HasData:
		log.Debug("get data from custom handlers", "data", res.Data)
		body = res.Data
		outcome = metrics.Map
		if ex.Status() != http.StatusOK {
			outcome = metrics.Status
		}

	default:
		log.Debug("no custom handlers handled", "path", ex.Path)
		f, err := d.files.Resolve(ex.Path)
		switch {
		case errors.Is(err, files.ErrNotFound):
			body = statuscode.Respond(ex, http.StatusNotFound, nil)
			outcome = metrics.NotFound
		case err != nil:
			d.metrics.RecordError("io")
			d.fail(w, err, log)
			return metrics.Error
		default:
			w.Header().Set("Content-Type", f.ContentType)
			body = f.Body
			outcome = metrics.File
			if f.Fallback {
				outcome = metrics.History
			}
		}
	}

	if body, err = ex.RunAfters(body); err != nil {
		d.metrics.RecordError("handler")
		d.fail(w, err, log)
		return metrics.Error
	}

	if err := send(w, ex.Status(), body); err != nil {
		if w.wroteHeader {
			log.Error("failed to send body", "error", err)
			return metrics.Error
		}
		d.metrics.RecordError("encode")
		d.fail(w, err, log)
		return metrics.Error
	}
	return outcome
}

// fail answers 500 with err's message. The message never includes a stack.
func (d *Dispatcher) fail(w *responseWriter, err error, log *slog.Logger) {
	log.Error("500", "error", err)
	if w.wroteHeader {
		return
	}
	h := w.Header()
	h.Del("Content-Length")
	h.Del("Location")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, err.Error())
}

func setCORSHeaders(h http.Header, origin string, cookie bool) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Add("Vary", "Origin")
	if cookie {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

func preflight(w http.ResponseWriter, r *http.Request) {
	headers := r.Header.Get("Access-Control-Request-Headers")
	if headers == "" {
		headers = "*"
	}
	method := r.Header.Get("Access-Control-Request-Method")
	if method == "" {
		method = "*"
	}
	w.Header().Set("Access-Control-Allow-Headers", headers)
	w.Header().Set("Access-Control-Allow-Methods", method)
	w.WriteHeader(http.StatusOK)
}

// send serializes body. Strings and bytes pass through, readers are
// streamed, composite values are JSON encoded and anything else is
// formatted with fmt. A nil body sends nothing.
func send(w http.ResponseWriter, status int, body any) error {
	var data []byte
	switch b := body.(type) {
	case nil:
	case string:
		data = []byte(b)
	case []byte:
		data = b
	case json.RawMessage:
		setDefaultContentType(w.Header(), "application/json")
		data = b
	case io.Reader:
		if c, ok := b.(io.Closer); ok {
			defer c.Close()
		}
		w.WriteHeader(status)
		_, err := io.Copy(w, b)
		return err
	default:
		switch reflect.ValueOf(b).Kind() {
		case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer:
			var err error
			if data, err = json.Marshal(b); err != nil {
				return fmt.Errorf("cannot encode response data: %w", err)
			}
			setDefaultContentType(w.Header(), "application/json")
		default:
			data = []byte(fmt.Sprint(b))
		}
	}

	w.WriteHeader(status)
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func setDefaultContentType(h http.Header, ct string) {
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", ct)
	}
}

// responseWriter records the status and body size for metrics.
type responseWriter struct {
	http.ResponseWriter
	status      int
	written     int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.written += n
	return n, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
