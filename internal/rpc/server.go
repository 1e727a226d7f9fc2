// Package rpc serves the swap daemon's HTTP API: swap operations, swap
// snapshot push over WebSocket and Prometheus metrics.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/martindale/mono-sub000/internal/swap"
	"github.com/martindale/mono-sub000/pkg/logging"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Swaps is the swap coordinator as seen by the API. *swap.Coordinator
// implements it.
type Swaps interface {
	Self() string
	Open(ctx context.Context, maker, taker swap.Order) (*swap.Swap, error)
	Accept(remote *swap.Swap) (*swap.Swap, error)
	Continue(ctx context.Context, id string) (*swap.Swap, error)
	Get(id string) (*swap.Swap, error)
	List() []*swap.Swap
	Quarantined(id string) error
	OnEvent(handler swap.EventHandler)
}

var _ Swaps = (*swap.Coordinator)(nil)

// ServerConfig configures the API server.
type ServerConfig struct {
	// AllowedOrigins lists origins allowed by CORS and WebSocket upgrades.
	// Empty allows any origin.
	AllowedOrigins []string

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	// Peers reports the number of connected peers for /api/v1/health.
	Peers func() int
}

// Server is the HTTP API server.
type Server struct {
	swaps Swaps
	cfg   ServerConfig
	log   *logging.Logger
	wsHub *WSHub

	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

// OpenRequest is the body of PUT /api/v1/swap.
type OpenRequest struct {
	Party string     `json:"party"`
	Maker swap.Order `json:"maker"`
	Taker swap.Order `json:"taker"`
}

// ContinueRequest is the body of POST /api/v1/swap.
type ContinueRequest struct {
	ID string `json:"id"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Message string `json:"message"`
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status string `json:"status"`
	Party  string `json:"party"`
	Swaps  int    `json:"swaps"`
	Peers  int    `json:"peers"`
	Uptime int64  `json:"uptime"`
}

// NewServer creates an API server for swaps and pushes every swap event to
// WebSocket clients subscribed to one of its parties.
func NewServer(swaps Swaps, cfg ServerConfig) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		swaps:     swaps,
		cfg:       cfg,
		log:       logging.GetDefault().Component("rpc"),
		wsHub:     NewWSHub(),
		startTime: time.Now(),
	}
	go s.wsHub.Run()
	swaps.OnEvent(s.wsHub.BroadcastSwap)
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /api/v1/swap", s.handleOpen)
	mux.HandleFunc("POST /api/v1/swap", s.handleContinue)
	mux.HandleFunc("PATCH /api/v1/swap", s.handleReceive)
	mux.HandleFunc("GET /api/v1/swap/{id}", s.handleGet)
	mux.HandleFunc("GET /api/v1/swaps", s.handleList)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws", s.handleWS)
	return s.corsMiddleware(mux)
}

// Start starts the API server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Protocol steps run inside requests and may wait on settlement.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the API server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Party != s.swaps.Self() {
		s.writeError(w, fmt.Errorf("%w: this daemon acts for %s, not %q", swap.ErrNotParty, s.swaps.Self(), req.Party))
		return
	}
	s.writeSwap(w, "open", req.Maker.ID+"/"+req.Taker.ID)(s.swaps.Open(r.Context(), req.Maker, req.Taker))
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req ContinueRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		s.writeError(w, fmt.Errorf("%w: swap id is required", swap.ErrValidation))
		return
	}
	s.writeSwap(w, "continue", req.ID)(s.swaps.Continue(r.Context(), req.ID))
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !s.decode(w, r, &raw) {
		return
	}
	remote, err := swap.ParseSnapshot(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Returns once merged; the coordinator drives the swap afterwards.
	s.writeSwap(w, "receive", remote.ID())(s.swaps.Accept(remote))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sw, err := s.swaps.Get(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if reason := s.swaps.Quarantined(id); reason != nil {
		w.Header().Set("X-Swap-Quarantined", reason.Error())
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.swaps.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status: "ok",
		Party:  s.swaps.Self(),
		Swaps:  len(s.swaps.List()),
		Uptime: int64(time.Since(s.startTime).Seconds()),
	}
	if s.cfg.Peers != nil {
		resp.Peers = s.cfg.Peers()
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeSwap returns a writer for the result of a swap operation. The
// snapshot is written on success; failures are written as errors even when
// the operation also returned a snapshot.
func (s *Server) writeSwap(w http.ResponseWriter, op, id string) func(*swap.Swap, error) {
	return func(sw *swap.Swap, err error) {
		if err != nil {
			s.log.Warn("Swap request failed", "op", op, "swap", id, "error", err)
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sw)
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, fmt.Errorf("%w: malformed request body: %v", swap.ErrValidation, err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), ErrorResponse{Message: err.Error()})
}

// errorStatus maps swap error kinds to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, swap.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, swap.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, swap.ErrConflict),
		errors.Is(err, swap.ErrInvalidTransition),
		errors.Is(err, swap.ErrQuarantined):
		return http.StatusConflict
	case errors.Is(err, swap.ErrNotParty),
		errors.Is(err, swap.ErrIdentityMismatch),
		errors.Is(err, swap.ErrSecretHashMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, swap.ErrAdapter):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) originAllowed(origin string) bool {
	return len(s.cfg.AllowedOrigins) == 0 ||
		slices.Contains(s.cfg.AllowedOrigins, "*") ||
		slices.Contains(s.cfg.AllowedOrigins, origin)
}

// corsMiddleware adds CORS headers for allowed origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
