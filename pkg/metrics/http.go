package metrics

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// Middleware counts requests and bytes per route template
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		method := r.Method

		if r.ContentLength > 0 {
			m.httpBytesIn.WithLabelValues(method, endpoint).Add(float64(r.ContentLength))
		}

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.statusCode)
		m.httpRequests.WithLabelValues(method, endpoint, status).Inc()
		if rw.bytesWritten > 0 {
			m.httpBytesOut.WithLabelValues(method, endpoint, status).Add(float64(rw.bytesWritten))
		}
	})
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
