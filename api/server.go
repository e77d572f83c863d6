package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/mrcha033/ats/pkg/exchange"
	"github.com/mrcha033/ats/pkg/pricebook"
	"github.com/mrcha033/ats/pkg/risk"
	"github.com/mrcha033/ats/pkg/router"
	"github.com/sirupsen/logrus"
)

// Server is the operator status API: health, positions, active orders, the
// price book and the halt switch.
type Server struct {
	adapters map[string]exchange.Adapter
	book     *pricebook.Book
	riskMgr  *risk.Manager
	router   *router.Router
	logger   *logrus.Logger
	port     string
}

func NewServer(adapters map[string]exchange.Adapter, book *pricebook.Book, riskMgr *risk.Manager, orderRouter *router.Router, logger *logrus.Logger, port string) *Server {
	return &Server{
		adapters: adapters,
		book:     book,
		riskMgr:  riskMgr,
		router:   orderRouter,
		logger:   logger,
		port:     port,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/orders/active", s.handleActiveOrders)
	mux.HandleFunc("/api/risk/limits", s.handleRiskLimits)
	mux.HandleFunc("/api/risk/halt", s.handleHalt)
	mux.HandleFunc("/api/book/", s.handleBook)

	handler := corsMiddleware(mux)

	s.logger.Infof("Starting API server on port %s", s.port)
	return http.ListenAndServe(":"+s.port, handler)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state, reason := s.riskMgr.State()

	venues := make(map[string]interface{}, len(s.adapters))
	for name, adapter := range s.adapters {
		venues[name] = map[string]interface{}{
			"state":   adapter.State().String(),
			"healthy": adapter.Healthy(),
			"stats":   adapter.Stats(),
		}
	}

	response := map[string]interface{}{
		"status":        "healthy",
		"trading_state": state.String(),
		"halt_reason":   reason,
		"active_orders": len(s.router.ActiveOrders()),
		"venues":        venues,
		"timestamp":     time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.riskMgr.Positions().All())
}

func (s *Server) handleActiveOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.router.ActiveOrders())
}

func (s *Server) handleRiskLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"limits":    s.riskMgr.Limits(),
		"daily_pnl": s.riskMgr.DailyRealizedPnL(),
		"var":       s.riskMgr.VaR(),
	})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		state, reason := s.riskMgr.State()
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":  state.String(),
			"reason": reason,
		})

	case http.MethodPost:
		var req struct {
			Action string `json:"action"`
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Action {
		case "halt":
			if req.Reason == "" {
				req.Reason = "manual halt"
			}
			s.riskMgr.Halt(req.Reason)
		case "resume":
			if err := s.riskMgr.Resume(); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
		default:
			http.Error(w, "Unknown action", http.StatusBadRequest)
			return
		}
		state, reason := s.riskMgr.State()
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"state":  state.String(),
			"reason": reason,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	symbol := strings.TrimPrefix(r.URL.Path, "/api/book/")
	if symbol == "" {
		http.Error(w, "Symbol required", http.StatusBadRequest)
		return
	}
	// Path form BTC-USDT maps to the canonical BTC/USDT.
	symbol = strings.ToUpper(strings.ReplaceAll(symbol, "-", "/"))

	quotes := s.book.Snapshot(symbol)
	if len(quotes) == 0 {
		http.Error(w, "Unknown symbol", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, quotes)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
