package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/gateway"
	"github.com/uhyunpark/orderflow/pkg/order"
)

type Submitter interface {
	Submit(ctx context.Context, req order.Request) (string, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
}

type EventReader interface {
	History(ctx context.Context, orderID string) ([]events.StatusEvent, error)
}

type Attacher interface {
	Attach(ctx context.Context, orderID string) (*gateway.Stream, error)
}

// Deps are the components the HTTP surface fronts.
type Deps struct {
	Submitter Submitter
	Orders    OrderReader
	Events    EventReader
	Gateway   Attacher
	// QueueSize reports live jobs for /health; optional.
	QueueSize func() int
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

type Options struct {
	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	deps   Deps
	opts   Options
	log    *zap.SugaredLogger
	router *mux.Router
	hub    *Hub

	mu   sync.Mutex
	http *http.Server
}

func NewServer(deps Deps, opts Options, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		log:    log,
		router: mux.NewRouter(),
		hub:    NewHub(log),
	}
	s.setupRoutes()
	go s.hub.Run()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Order submission and the live stream share a path
	api.HandleFunc("/orders/execute", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/execute", s.handleOrderStream).Methods("GET")

	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/events", s.handleGetEvents).Methods("GET")

	s.router.HandleFunc("/ws/orders/{id}", s.handleOrderStream).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}

// Handler is the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes every live stream.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Validation failed", err.Error())
		return
	}

	id, err := s.deps.Submitter.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, order.ErrValidation) {
			respondJSONStatus(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Details: splitJoined(err),
			})
			return
		}
		s.log.Errorw("submit_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	respondJSONStatus(w, http.StatusAccepted, SubmitOrderResponse{OrderID: id})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.deps.Orders.GetOrder(r.Context(), id)
	if err != nil {
		s.respondLookupError(w, err)
		return
	}
	respondJSON(w, OrderResponse{Order: o})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Orders.GetOrder(r.Context(), id); err != nil {
		s.respondLookupError(w, err)
		return
	}
	evts, err := s.deps.Events.History(r.Context(), id)
	if err != nil {
		s.log.Errorw("history_failed", "order_id", id, "err", err)
		respondError(w, http.StatusInternalServerError, "Internal server error", "")
		return
	}
	if evts == nil {
		evts = []events.StatusEvent{}
	}
	respondJSON(w, EventsResponse{OrderID: id, Events: evts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Streams: s.hub.Len()}
	if s.deps.QueueSize != nil {
		resp.QueueSize = s.deps.QueueSize()
	}
	respondJSON(w, resp)
}

func (s *Server) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, order.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", err.Error())
		return
	}
	s.log.Errorw("order_lookup_failed", "err", err)
	respondError(w, http.StatusInternalServerError, "Internal server error", "")
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}

// splitJoined flattens an errors.Join result into its messages.
func splitJoined(err error) []string {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		out := make([]string, 0, len(j.Unwrap()))
		for _, e := range j.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return strings.Split(err.Error(), "\n")
}
