package api

import (
	"bufio"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"agentrouter/internal/metrics"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
)

// statusRecorder captures the response code. It forwards Hijack so the
// session stream can still upgrade to a websocket.
type statusRecorder struct {
	http.ResponseWriter
	code     int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.Wrap(errors.ErrInternal, "response writer cannot hijack")
	}
	r.hijacked = true
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

// instrument records request metrics and turns handler panics into 500s.
// Routes are labelled by their ServeMux pattern so path ids do not explode cardinality.
func instrument(next http.Handler, log *logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}

		defer func() {
			if p := recover(); p != nil {
				log.Errorw("HTTP handler panicked",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				if rec.code == 0 && !rec.hijacked {
					writeJSON(rec, http.StatusInternalServerError, errorResponse{Error: "internal error"})
				}
			}

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			code := rec.code
			if code == 0 {
				code = http.StatusOK
			}
			metrics.RecordHTTPRequest(route, code, time.Since(start), rec.hijacked)
		}()

		next.ServeHTTP(rec, r)
	})
}
