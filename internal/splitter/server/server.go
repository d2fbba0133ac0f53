// Package server exposes the engine over HTTP with JSON bodies.
//
//	POST /v1/experiments/{name}/assignment        {"context": {...}}                -> {"variantId": "..." | null}
//	POST /v1/experiments/{name}/metrics/{metric}  {"value": n, "context": {...}}    -> 202
//	GET  /v1/results/{experimentId}?source=durable|counters                         -> report
//	GET  /health
//
// Assignment and metric requests only fail on malformed input. An experiment that is unknown, invalid or
// can't be loaded yields a null variant, and a value that can't be recorded is still accepted; both are
// logged and counted by the engine and server.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/splitter/internal/common/health"
	"github.com/G-Research/splitter/internal/common/logging"
	"github.com/G-Research/splitter/internal/common/splittererrors"
	"github.com/G-Research/splitter/internal/splitter/aggregator"
	"github.com/G-Research/splitter/internal/splitter/model"
)

const maxBodyBytes = 1 << 20

// Service is the subset of *engine.Engine served over HTTP.
type Service interface {
	Assign(ctx context.Context, name string, subject map[string]interface{}) (*model.Variant, error)
	Record(ctx context.Context, name string, metric string, value float64, subject map[string]interface{}) error
	Results(ctx context.Context, experimentId string, source aggregator.Source) (*aggregator.Report, error)
}

type AssignmentRequest struct {
	Context map[string]interface{} `json:"context"`
}

type AssignmentResponse struct {
	// Nil if the subject is not assigned a variant.
	VariantId *string `json:"variantId"`
}

type MetricRequest struct {
	Value   *float64               `json:"value"`
	Context map[string]interface{} `json:"context"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	service Service
}

func NewServer(service Service) *Server {
	return &Server{service: service}
}

// Handler returns the routes of the API plus a /health endpoint backed by checker.
func (s *Server) Handler(checker health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/experiments/{name}/assignment", s.assign)
	mux.HandleFunc("POST /v1/experiments/{name}/metrics/{metric}", s.recordMetric)
	mux.HandleFunc("GET /v1/results/{experimentId}", s.results)
	health.SetupHttpMux(mux, checker)
	return mux
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	var req AssignmentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	variant, err := s.service.Assign(r.Context(), r.PathValue("name"), req.Context)
	if err != nil {
		writeJson(w, http.StatusOK, AssignmentResponse{})
		return
	}
	writeJson(w, http.StatusOK, AssignmentResponse{VariantId: &variant.Id})
}

func (s *Server) recordMetric(w http.ResponseWriter, r *http.Request) {
	var req MetricRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Value == nil {
		writeError(w, r, &splittererrors.ErrInvalidArgument{Name: "value", Value: nil, Message: "is required"})
		return
	}

	err := s.service.Record(r.Context(), r.PathValue("name"), r.PathValue("metric"), *req.Value, req.Context)
	// Invalid experiment definitions wrap the arguments they were rejected for; only the value is the caller's.
	var invalid *splittererrors.ErrInvalidArgument
	if errors.As(err, &invalid) && !splittererrors.IsInvalidExperiment(err) {
		writeError(w, r, err)
		return
	}
	if err != nil {
		logging.WithStacktrace(log.WithFields(log.Fields{
			"experiment": r.PathValue("name"),
			"metric":     r.PathValue("metric"),
		}), err).Warn("metric value not recorded")
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	source, err := aggregator.ParseSource(r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.service.Results(r.Context(), r.PathValue("experimentId"), source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJson(w, http.StatusOK, report)
}

// decodeBody decodes a JSON body into v. An empty body leaves v unchanged. Numbers are kept as
// json.Number so that large integer attributes compare exactly.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && err != io.EOF {
		return &splittererrors.ErrInvalidArgument{Name: "body", Value: "", Message: err.Error()}
	}
	return nil
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := splittererrors.HTTPStatusFromError(err)
	if status >= http.StatusInternalServerError {
		logging.WithStacktrace(log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		}), err).Warn("request failed")
	}
	writeJson(w, status, ErrorResponse{Error: err.Error()})
}

func writeJson(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("error writing response")
	}
}
