// Package server is the HTTP ingress of the coordinator: participants POST
// their encrypted PET messages and fetch the public round state the event
// bus broadcasts.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xaynetwork/xaynet/common/log"
	"github.com/xaynetwork/xaynet/events"
	"github.com/xaynetwork/xaynet/metrics"
	"github.com/xaynetwork/xaynet/pipeline"
	"github.com/xaynetwork/xaynet/storage"
)

// maxMessageSize bounds the body of a POSTed PET message. Larger models
// must be chunked by the participant.
const maxMessageSize = 8 << 20

// Server serves the participant-facing REST surface.
type Server struct {
	log     log.Logger
	pipe    *pipeline.Pipeline
	bus     *events.Bus
	store   storage.Coordinator
	models  storage.Models
	metrics *metrics.Metrics
}

// New builds the server around the pipeline and the event bus.
func New(pipe *pipeline.Pipeline, bus *events.Bus, store storage.Coordinator, modelStore storage.Models, m *metrics.Metrics, logger log.Logger) *Server {
	return &Server{
		log:     logger.Named("http"),
		pipe:    pipe,
		bus:     bus,
		store:   store,
		models:  modelStore,
		metrics: m,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)

	r.Post("/message", s.postMessage)
	r.Get("/round_params", s.getRoundParams)
	r.Get("/sum_dict", s.getSumDict)
	r.Get("/seed_dict", s.getSeedDict)
	r.Get("/mask_length", s.getMaskLength)
	r.Get("/scalar", s.getScalar)
	r.Get("/model", s.getLatestModel)
	r.Get("/model/{id}", s.getModel)
	r.Get("/ready", s.getReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		s.log.Debugw("request", "id", id, "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

// postMessage feeds one encrypted message into the pipeline. Per-message
// rejections map to client errors; the phase keeps running either way.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	err = s.pipe.Process(r.Context(), data)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, pipeline.ErrRoundNotStarted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, pipeline.ErrUnexpectedMessage),
		errors.Is(err, pipeline.ErrNotEligible),
		errors.Is(err, pipeline.ErrNotSumParticipant),
		errors.Is(err, pipeline.ErrInvalidCoordinatorPublicKey):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (s *Server) getRoundParams(w http.ResponseWriter, r *http.Request) {
	params, ok := s.bus.Params()
	if !ok {
		http.Error(w, "no round in progress", http.StatusNotFound)
		return
	}
	s.writeJSON(w, params)
}

func (s *Server) getSumDict(w http.ResponseWriter, r *http.Request) {
	dict, ok := s.bus.SumDict()
	if !ok {
		http.Error(w, "sum dict not available", http.StatusNotFound)
		return
	}
	s.writeJSON(w, dict)
}

func (s *Server) getSeedDict(w http.ResponseWriter, r *http.Request) {
	dict, ok := s.bus.SeedDict()
	if !ok {
		http.Error(w, "seed dict not available", http.StatusNotFound)
		return
	}
	s.writeJSON(w, dict)
}

func (s *Server) getMaskLength(w http.ResponseWriter, r *http.Request) {
	length, ok := s.bus.MaskLength()
	if !ok {
		http.Error(w, "mask length not available", http.StatusNotFound)
		return
	}
	s.writeJSON(w, length)
}

func (s *Server) getScalar(w http.ResponseWriter, r *http.Request) {
	scalar, ok := s.bus.Scalar()
	if !ok {
		http.Error(w, "scalar not available", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]interface{}{"round": scalar.Round, "scalar": scalar.Value.RatString()})
}

func (s *Server) getLatestModel(w http.ResponseWriter, r *http.Request) {
	id, err := s.store.LatestGlobalModelID(r.Context())
	if errors.Is(err, storage.ErrNoGlobalModel) {
		http.Error(w, "no global model yet", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Errorw("reading latest model id", "err", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	s.serveModel(w, r, id)
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request) {
	s.serveModel(w, r, chi.URLParam(r, "id"))
}

func (s *Server) serveModel(w http.ResponseWriter, r *http.Request, id string) {
	model, err := s.models.GlobalModel(r.Context(), id)
	if errors.Is(err, storage.ErrNoGlobalModel) {
		http.Error(w, "unknown model id", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Errorw("reading global model", "id", id, "err", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, map[string]interface{}{"id": id, "model": model})
}

func (s *Server) getReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.IsReady(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := s.models.IsReady(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("encoding response", "err", err)
	}
}
