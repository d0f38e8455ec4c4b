// Package server is the submission and streaming front of the orchestrator.
//
// Clients connect over a websocket, submit questions, answer input requests,
// and receive the live event stream of their jobs. The front owns no job
// state: it writes submissions and replies to the broker and relays the
// per-job event channels back to the connection.
package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/config"
	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/event"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
)

// MaxClients bounds concurrent websocket connections
const MaxClients = 256

// Server accepts websocket connections and bridges them to the broker
type Server struct {
	gw      broker.Gateway
	store   *job.Store
	graph   *graph.Registry
	emitter *event.Emitter
	cfg     *config.Config
	logger  *zap.SugaredLogger

	upgrader websocket.Upgrader

	clients map[*Client]bool
	mu      sync.RWMutex

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the front over an established broker gateway
func New(gw broker.Gateway, store *job.Store, reg *graph.Registry, cfg *config.Config, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		gw:      gw,
		store:   store,
		graph:   reg,
		emitter: event.NewEmitter(gw, logger),
		cfg:     cfg,
		logger:  logger.Named("server"),
		clients: make(map[*Client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin enforces the configured origin allowlist. An empty list or a
// "*" entry allows any origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)

	addr := ":" + strconv.Itoa(s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Front listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "front listener failed")
}

// Shutdown drains connections and stops the listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleHealth answers liveness probes with a broker round-trip
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.gw.ListLen(r.Context(), broker.QueueName(s.graph.First())); err != nil {
		http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleWebSocket upgrades the connection and starts the client pumps
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	full := len(s.clients) >= MaxClients
	s.mu.RUnlock()
	if full {
		s.logger.Warnw("Max clients reached, rejecting connection")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("Upgrade failed", "error", err)
		return
	}

	client := newClient(s, conn)
	s.mu.Lock()
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected", "client_id", client.id, "total_clients", total)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}

// unregister removes a disconnected client
func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
	}
	total := len(s.clients)
	s.mu.Unlock()
	c.close()
	s.logger.Infow("Client disconnected", "client_id", c.id, "total_clients", total)
}
