package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/peerbook/pkg/directory"
	"github.com/uhyunpark/peerbook/pkg/lock"
	"github.com/uhyunpark/peerbook/pkg/metrics"
	"github.com/uhyunpark/peerbook/pkg/node"
	"github.com/uhyunpark/peerbook/pkg/orderbook"
	"github.com/uhyunpark/peerbook/pkg/storage"
	"github.com/uhyunpark/peerbook/pkg/util"
)

// ChannelOrders carries one OrderUpdate per order applied to the local book.
const ChannelOrders = "orders"

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 1000
)

// NodeInfo is the part of a node the status endpoint reports on.
type NodeInfo interface {
	Self() directory.Endpoint
	Phase() node.Phase
}

type Config struct {
	Book    *orderbook.OrderBook
	Locks   *lock.Store
	Node    NodeInfo
	Journal storage.Journal
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger

	Addr           string // listen address for Serve
	AllowedOrigins []string
}

// Server exposes the local replica read-only over REST and pushes applied
// orders over WebSocket.
type Server struct {
	cfg    Config
	ctx    context.Context
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
	http   *http.Server
}

// NewServer builds the router and starts the websocket hub; both live until
// ctx is done.
func NewServer(ctx context.Context, cfg Config) *Server {
	if cfg.Journal == nil {
		cfg.Journal = storage.NewNopJournal()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	log := util.OrNop(cfg.Logger)
	s := &Server{
		cfg:    cfg,
		ctx:    ctx,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go s.hub.Run(ctx)
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/book/levels", s.handleGetLevels).Methods("GET")
	api.HandleFunc("/locks", s.handleGetLocks).Methods("GET")
	api.HandleFunc("/journal", s.handleGetJournal).Methods("GET")

	s.router.Handle("/metrics", s.cfg.Metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the CORS-wrapped router.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

func (s *Server) Hub() *Hub { return s.hub }

// Serve listens on Config.Addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.log.Infow("api_listening", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// PublishOrder pushes one applied order to the orders channel. It has the
// shape of rpc.Dispatcher.OnPlace.
func (s *Server) PublishOrder(o orderbook.Order, res orderbook.Result) {
	s.hub.BroadcastToChannel(ChannelOrders, OrderUpdate{
		Type:      "order",
		OrderID:   string(o.ID),
		Side:      o.Side().String(),
		Price:     o.Price.String(),
		Amount:    o.Amount.String(),
		Residual:  res.Residual.String(),
		Crossed:   res.Crossed,
		Fills:     len(res.Fills),
		BookSize:  res.Size,
		Timestamp: time.Now().UnixMilli(),
	})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st := NodeStatus{
		BookSize:    s.cfg.Book.Size(),
		LockedPeers: s.cfg.Locks.Held(),
	}
	if s.cfg.Node != nil {
		st.Self = string(s.cfg.Node.Self())
		st.Phase = s.cfg.Node.Phase().String()
	}
	respondJSON(w, st)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	bids, asks := s.cfg.Book.Bids(), s.cfg.Book.Asks()
	respondJSON(w, BookSnapshot{
		Bids:      orderInfos(bids),
		Asks:      orderInfos(asks),
		Size:      len(bids) + len(asks),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetLevels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, LevelsSnapshot{
		Bids:      priceLevels(s.cfg.Book.BidLevels()),
		Asks:      priceLevels(s.cfg.Book.AskLevels()),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetLocks(w http.ResponseWriter, r *http.Request) {
	held := s.cfg.Locks.Held()
	respondJSON(w, LocksInfo{Held: held, AnyLocked: len(held) > 0})
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	limit := defaultJournalLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxJournalLimit)
	}
	entries, err := s.cfg.Journal.Recent(limit)
	if err != nil {
		s.log.Warnw("journal_read_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "journal unavailable", err.Error())
		return
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	respondJSON(w, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func orderInfos(orders []orderbook.Order) []OrderInfo {
	out := make([]OrderInfo, len(orders))
	for i, o := range orders {
		out[i] = OrderInfo{
			ID:     string(o.ID),
			Side:   o.Side().String(),
			Price:  o.Price.String(),
			Amount: o.Amount.String(),
		}
	}
	return out
}

func priceLevels(levels []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = PriceLevel{Price: l.Price.String(), Size: l.Qty.String(), Count: l.Count}
	}
	return out
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
