// Package api serves a read-only HTTP view of the broker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/amirphl/simple-broker/internal/exchange"
	"github.com/amirphl/simple-broker/internal/order"
	"github.com/amirphl/simple-broker/internal/position"
	"github.com/amirphl/simple-broker/internal/registry"
)

// Broker is what the API reads from.
type Broker interface {
	Orders() []order.Order
	Order(id int64) (order.Order, error)
	Position(instrument string) position.Position
	Positions() []position.Position
	Cash() float64
	Value() float64
	Account() exchange.AccountInfo
}

// Server handles REST queries.
type Server struct {
	broker Broker
	router *mux.Router
	logger *zap.Logger
}

func NewServer(broker Broker, logger *zap.Logger) *Server {
	s := &Server{
		broker: broker,
		router: mux.NewRouter(),
		logger: logger.Named("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/positions/{instrument}", s.handleGetPosition).Methods("GET")
	api.HandleFunc("/balance", s.handleGetBalance).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API | shutdown failed", zap.Error(err))
		}
	}()

	s.logger.Info("API | server starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.broker.Orders()
	if status := r.URL.Query().Get("status"); status == "alive" {
		alive := orders[:0]
		for _, o := range orders {
			if o.Alive() {
				alive = append(alive, o)
			}
		}
		orders = alive
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	o, err := s.broker.Order(id)
	if errors.Is(err, registry.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", "")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to read order", err.Error())
		return
	}
	respondJSON(w, o)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.broker.Positions())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.broker.Position(mux.Vars(r)["instrument"]))
}

// BalanceResponse is the account summary.
type BalanceResponse struct {
	Account string  `json:"account"`
	Cash    float64 `json:"cash"`
	Value   float64 `json:"value"`
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, BalanceResponse{
		Account: s.broker.Account().TradeAccountID,
		Cash:    s.broker.Cash(),
		Value:   s.broker.Value(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
