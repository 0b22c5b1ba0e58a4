// Package api serves the control API that manages bindings at runtime.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/numbata/metaproxy/metaproxy-srv/binding"
	"github.com/numbata/metaproxy/metaproxy-srv/logger"
	"github.com/numbata/metaproxy/metaproxy-srv/stats"
)

const maxBodyBytes = 64 << 10

// Registry is the part of binding.Registry the API needs.
type Registry interface {
	Create(port int, upstream string) (binding.Binding, error)
	Update(port int, upstream string) (binding.Binding, error)
	Delete(port int) error
	Get(port int) (binding.Binding, error)
	List() []binding.Binding
}

// Server is the control API.
type Server struct {
	registry  Registry
	collector stats.Collector
	router    chi.Router
}

// NewServer builds the router. A nil collector serves empty statistics.
func NewServer(registry Registry, collector stats.Collector) *Server {
	if collector == nil {
		collector = stats.NewDummyCollector()
	}
	s := &Server{registry: registry, collector: collector}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)
	r.Route("/proxy", func(r chi.Router) {
		r.Get("/", s.listBindings)
		r.Post("/", s.createBinding)
		r.Get("/{port}", s.getBinding)
		r.Put("/{port}", s.updateBinding)
		r.Delete("/{port}", s.deleteBinding)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// BindingView is the JSON form of a binding. Upstream passwords are masked
// and a direct binding has an empty upstream.
type BindingView struct {
	Port     int    `json:"port"`
	Upstream string `json:"upstream"`
}

type healthResponse struct {
	Status         string        `json:"status"`
	ActiveBindings int           `json:"active_bindings"`
	Bindings       []BindingView `json:"bindings"`
}

type listResponse struct {
	Bindings []BindingView `json:"bindings"`
}

type mutationResponse struct {
	Status   string  `json:"status"`
	Port     int     `json:"port"`
	Upstream *string `json:"upstream,omitempty"`
}

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type statsResponse struct {
	Overview *stats.OverviewStats `json:"overview"`
	Ports    []stats.PortStats    `json:"ports"`
}

// createRequest is the body of POST /proxy. A missing upstream creates a
// direct binding.
type createRequest struct {
	Port     *int   `json:"port"`
	Upstream string `json:"upstream"`
}

type updateRequest struct {
	Upstream *string `json:"upstream"`
}

func newView(b binding.Binding) BindingView {
	return BindingView{Port: b.Port, Upstream: binding.Redacted(b.Upstream)}
}

func (s *Server) views() []BindingView {
	list := s.registry.List()
	views := make([]BindingView, 0, len(list))
	for _, b := range list {
		views = append(views, newView(b))
	}
	return views
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	views := s.views()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		ActiveBindings: len(views),
		Bindings:       views,
	})
}

func (s *Server) listBindings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, listResponse{Bindings: s.views()})
}

func (s *Server) getBinding(w http.ResponseWriter, r *http.Request) {
	port, ok := portParam(w, r)
	if !ok {
		return
	}
	b, err := s.registry.Get(port)
	if err != nil {
		writeBindingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newView(b))
}

func (s *Server) createBinding(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Port == nil {
		writeError(w, http.StatusBadRequest, "port is required")
		return
	}

	b, err := s.registry.Create(*req.Port, req.Upstream)
	if err != nil {
		writeBindingError(w, err)
		return
	}
	upstream := binding.Redacted(b.Upstream)
	writeJSON(w, http.StatusCreated, mutationResponse{Status: "created", Port: b.Port, Upstream: &upstream})
}

func (s *Server) updateBinding(w http.ResponseWriter, r *http.Request) {
	port, ok := portParam(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Upstream == nil {
		writeError(w, http.StatusBadRequest, "upstream is required")
		return
	}

	b, err := s.registry.Update(port, *req.Upstream)
	if err != nil {
		writeBindingError(w, err)
		return
	}
	upstream := binding.Redacted(b.Upstream)
	writeJSON(w, http.StatusOK, mutationResponse{Status: "updated", Port: b.Port, Upstream: &upstream})
}

func (s *Server) deleteBinding(w http.ResponseWriter, r *http.Request) {
	port, ok := portParam(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(port); err != nil {
		writeBindingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{Status: "deleted", Port: port})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	overview, err := s.collector.GetOverviewStats(r.Context())
	if err != nil {
		logger.Error("Failed to get overview stats: %v", err)
		writeError(w, http.StatusInternalServerError, "statistics unavailable")
		return
	}
	ports, err := s.collector.GetPortStats(r.Context())
	if err != nil {
		logger.Error("Failed to get port stats: %v", err)
		writeError(w, http.StatusInternalServerError, "statistics unavailable")
		return
	}
	if ports == nil {
		ports = []stats.PortStats{}
	}
	writeJSON(w, http.StatusOK, statsResponse{Overview: overview, Ports: ports})
}

func portParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "port")
	port, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid port "+strconv.Quote(raw))
		return 0, false
	}
	return port, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeBindingError maps registry errors to status codes.
func writeBindingError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, binding.ErrPortInUse):
		status = http.StatusConflict
	case errors.Is(err, binding.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, binding.ErrInvalidPort), binding.IsInvalidUpstream(err):
		status = http.StatusBadRequest
	case binding.IsBindFailed(err):
		status = http.StatusBadGateway
	case errors.Is(err, binding.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Error("Binding operation failed: %v", err)
	}
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Status: "error", Error: msg})
}

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("API %s %s -> %d (%v)", r.Method, r.URL.Path, ww.Status(), time.Since(start).Round(time.Microsecond))
	})
}
