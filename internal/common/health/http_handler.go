package health

import (
	"net/http"

	log "github.com/sirupsen/logrus"
)

const Path = "/health"

// HttpHandler answers 204 while checker is healthy and 503 with the failure text otherwise.
type HttpHandler struct {
	checker Checker
}

func NewHttpHandler(checker Checker) *HttpHandler {
	return &HttpHandler{checker: checker}
}

// SetupHttpMux serves checker on GET /health.
func SetupHttpMux(mux *http.ServeMux, checker Checker) {
	mux.Handle("GET "+Path, NewHttpHandler(checker))
}

func (h *HttpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.checker.Check()
	if err == nil {
		log.Debug("health check passed")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log.WithError(err).Warn("health check failed")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	if _, err := w.Write([]byte(err.Error())); err != nil {
		log.WithError(err).Error("failed to write health check response")
	}
}
