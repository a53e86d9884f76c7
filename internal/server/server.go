// Package server accepts websocket connections and runs the channel protocol
// over them.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"collabtext/internal/access"
	"collabtext/internal/config"
	"collabtext/internal/document"
	"collabtext/internal/metrics"
	"collabtext/internal/room"
)

// Server owns every process-wide registry: the channel rooms, the documents,
// the access gates and the table of live connections.
type Server struct {
	cfg      config.Config
	log      *zap.Logger
	rooms    *room.Manager
	legacy   *room.Manager
	docs     *document.Store
	gate     *access.Gatekeeper
	upgrader websocket.Upgrader
	handlers map[string]handler

	entitlements access.Entitlements
	publisher    document.Publisher

	mu    sync.RWMutex
	conns map[string]*conn
}

type Opt func(*Server)

func WithLogger(log *zap.Logger) Opt {
	return func(s *Server) {
		s.log = log
	}
}

// WithEntitlements replaces the in-memory membership list.
func WithEntitlements(e access.Entitlements) Opt {
	return func(s *Server) {
		s.entitlements = e
	}
}

// WithPublisher forwards accepted updates to other instances.
func WithPublisher(p document.Publisher) Opt {
	return func(s *Server) {
		s.publisher = p
	}
}

func New(cfg config.Config, opts ...Opt) *Server {
	s := &Server{
		cfg:   cfg,
		log:   zap.NewNop(),
		conns: make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rooms = room.NewManager(room.WithLogger(s.log.Named("room")))
	s.legacy = room.NewManager(room.WithLogger(s.log.Named("legacy")))

	docOpts := []document.Opt{document.WithLogger(s.log.Named("document"))}
	if s.publisher != nil {
		docOpts = append(docOpts, document.WithPublisher(s.publisher))
	}
	s.docs = document.New(s.rooms, docOpts...)

	gateOpts := []access.Opt{access.WithLogger(s.log.Named("access"))}
	if s.entitlements != nil {
		gateOpts = append(gateOpts, access.WithEntitlements(s.entitlements))
	}
	s.gate = access.New(gateOpts...)

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.handlers = s.routes()
	return s
}

// Handler returns the HTTP surface of the server. Channel state is only
// reachable over an admitted websocket connection.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions()})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	origins := []string{s.cfg.AllowedOrigin}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch},
		AllowCredentials: true,
	}).Handler(r)
}

// ApplyRemote merges an update relayed from another instance.
func (s *Server) ApplyRemote(channelID, encoded string) {
	if _, err := s.docs.ApplyRemote(channelID, encoded); err != nil {
		s.log.Debug("dropping relayed update", zap.String("channel", channelID), zap.Error(err))
	}
}

// Close drops every connection.
func (s *Server) Close() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		c.shutdown()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.cfg.AllowedOrigin == "*" {
		return true
	}
	return strings.EqualFold(origin, s.cfg.AllowedOrigin)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newConn(s, ws)
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	metrics.Sessions.Inc()
	c.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump()
}

func (s *Server) conn(id string) *conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

func (s *Server) sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// disconnect prunes a closed connection from every registry. Pending
// requests that only this connection was waiting on are cancelled.
func (s *Server) disconnect(c *conn) {
	c.shutdown()
	s.mu.Lock()
	_, ok := s.conns[c.id]
	delete(s.conns, c.id)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.Sessions.Dec()

	s.rooms.Disconnect(c.id)
	s.legacy.Disconnect(c.id)
	for _, channelID := range c.channelIDs() {
		s.cancelPending(channelID, c.id)
	}
	c.log.Info("client disconnected")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
