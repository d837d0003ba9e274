// Package wsserver implements the WebSocket fan-out server: it accepts
// browser dashboard sockets, parses inbound JSON frames, dispatches
// them to installed handlers, and delivers outbound JSON to one client
// or all of them.
package wsserver

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
)

// listenBacklog documents the accept backlog the listener is created
// with; the Go runtime passes its own value to listen(2), this is the
// figure the deployment guides assume.
const listenBacklog = 128

// MessageHandler receives every successfully parsed inbound frame.
// Frames of a single connection arrive in order.
type MessageHandler func(connectionID string, message map[string]interface{})

// ConnectionHandler observes connection open and close events.
type ConnectionHandler func(connectionID string)

// Server owns the per-connection map behind one mutex. Every accepted
// socket gets an ID; both directions of the map stay consistent.
type Server struct {
	cfg    common.WebSocketConfig
	logger *common.Logger
	pool   *threadpool.Manager

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	conns   map[string]*connection
	handles map[*websocket.Conn]string

	handlerMu      sync.RWMutex
	messageHandler MessageHandler
	openHandler    ConnectionHandler
	closeHandler   ConnectionHandler

	running      atomic.Bool
	serveWorkerID uint
}

// NewServer creates a server backed by the given pool.
func NewServer(pool *threadpool.Manager, logger *common.Logger) *Server {
	if logger == nil {
		logger = common.NewLogger(io.Discard, "[WS] ", common.InfoLevel)
	}
	return &Server{
		logger:  logger,
		pool:    pool,
		conns:   make(map[string]*connection),
		handles: make(map[*websocket.Conn]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards connect cross-origin; CORS middleware
			// gates the HTTP side.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetMessageHandler installs the inbound frame handler.
func (s *Server) SetMessageHandler(h MessageHandler) {
	s.handlerMu.Lock()
	s.messageHandler = h
	s.handlerMu.Unlock()
}

// SetConnectionOpenHandler installs the open observer.
func (s *Server) SetConnectionOpenHandler(h ConnectionHandler) {
	s.handlerMu.Lock()
	s.openHandler = h
	s.handlerMu.Unlock()
}

// SetConnectionCloseHandler installs the close observer.
func (s *Server) SetConnectionCloseHandler(h ConnectionHandler) {
	s.handlerMu.Lock()
	s.closeHandler = h
	s.handlerMu.Unlock()
}

// Start binds the listener and spawns exactly one serve loop on the
// pool.
func (s *Server) Start(cfg common.WebSocketConfig) error {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info("Server is already running")
		return fmt.Errorf("server: %w", common.ErrAlreadyExists)
	}
	s.cfg = cfg

	if !cfg.EnableLogging {
		s.logger.SetOutput(io.Discard)
	}

	gin.SetMode(gin.ReleaseMode)
	gin.DefaultWriter = os.Stderr
	gin.DefaultErrorWriter = os.Stderr

	router := gin.New()
	router.Use(gin.RecoveryWithWriter(os.Stderr))
	router.Use(cors.Default())
	router.GET("/", s.handleUpgrade)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{Handler: router}

	workerID, err := s.pool.Create(func(h *threadpool.Handle) {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("WebSocket serve loop error: %v", err)
		}
	})
	if err != nil {
		_ = listener.Close()
		s.running.Store(false)
		return fmt.Errorf("failed to start serve loop: %w", err)
	}
	s.serveWorkerID = workerID
	_ = s.pool.Register(workerID, "websocket-server")

	s.logger.Info("WebSocket server started on %s (backlog %d)", addr, listenBacklog)
	return nil
}

// Stop closes the listener, cancels the serve loop and closes every
// remaining socket.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.serveWorkerID != 0 {
		_ = s.pool.Stop(s.serveWorkerID)
		_ = s.pool.Join(s.serveWorkerID, 5*time.Second)
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*connection)
	s.handles = make(map[*websocket.Conn]string)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}

	s.logger.Info("WebSocket server stopped")
	return nil
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// handleUpgrade accepts one socket, registers it and launches its read
// pump on the pool.
func (s *Server) handleUpgrade(c *gin.Context) {
	s.mu.Lock()
	over := s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections
	s.mu.Unlock()
	if over {
		s.logger.Warn("Connection refused: max_connections (%d) reached", s.cfg.MaxConnections)
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Upgrade failed for %s: %v", c.Request.RemoteAddr, err)
		return
	}

	conn := &connection{
		id:         generateConnectionID(),
		ws:         ws,
		remoteAddr: c.Request.RemoteAddr,
		created:    time.Now(),
	}

	s.mu.Lock()
	s.conns[conn.id] = conn
	s.handles[ws] = conn.id
	s.mu.Unlock()

	s.logger.Info("Client connected: %s from %s", conn.id, conn.remoteAddr)

	s.handlerMu.RLock()
	open := s.openHandler
	s.handlerMu.RUnlock()
	if open != nil {
		open(conn.id)
	}

	if _, err := s.pool.Create(func(h *threadpool.Handle) {
		s.readPump(conn)
	}); err != nil {
		s.logger.Error("Failed to start read pump for %s: %v", conn.id, err)
		s.dropConnection(conn, true)
	}
}

// readPump is the single reader of one connection, which is what keeps
// per-connection delivery in arrival order.
func (s *Server) readPump(conn *connection) {
	for {
		messageType, data, err := conn.ws.ReadMessage()
		if err != nil {
			s.dropConnection(conn, true)
			return
		}

		if messageType != websocket.TextMessage {
			s.logger.Info("Received binary message from %s", conn.id)
			continue
		}

		var message map[string]interface{}
		if err := sonic.Unmarshal(data, &message); err != nil {
			s.logger.Info("JSON parse error from %s: %v", conn.id, err)
			s.sendRaw(conn, map[string]interface{}{
				"type":      "error",
				"message":   "Invalid JSON format",
				"timestamp": time.Now().Unix(),
			})
			continue
		}

		s.handlerMu.RLock()
		handler := s.messageHandler
		s.handlerMu.RUnlock()
		if handler != nil {
			handler(conn.id, message)
		}
	}
}

// dropConnection removes both map directions, closes the socket, and
// fires the close handler when the entry was still present.
func (s *Server) dropConnection(conn *connection, notify bool) {
	s.mu.Lock()
	_, present := s.conns[conn.id]
	delete(s.conns, conn.id)
	delete(s.handles, conn.ws)
	s.mu.Unlock()

	_ = conn.ws.Close()

	if !present {
		return
	}
	s.logger.Info("Client disconnected: %s", conn.id)

	if notify {
		s.handlerMu.RLock()
		closeHandler := s.closeHandler
		s.handlerMu.RUnlock()
		if closeHandler != nil {
			closeHandler(conn.id)
		}
	}
}

func (s *Server) sendRaw(conn *connection, message map[string]interface{}) {
	payload, err := sonic.Marshal(message)
	if err != nil {
		s.logger.Error("Failed to marshal message for %s: %v", conn.id, err)
		return
	}
	if err := conn.writeJSON(payload, s.sendTimeout()); err != nil {
		s.logger.Warn("Failed to send message to %s: %v", conn.id, err)
		s.dropConnection(conn, true)
	}
}

func (s *Server) sendTimeout() time.Duration {
	if s.cfg.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.cfg.TimeoutMs) * time.Millisecond
}

// SendToClient serialises message and delivers it to one connection.
func (s *Server) SendToClient(connectionID string, message map[string]interface{}) error {
	s.mu.Lock()
	conn, ok := s.conns[connectionID]
	s.mu.Unlock()
	if !ok {
		s.logger.Info("Client not found: %s", connectionID)
		return fmt.Errorf("connection %s: %w", connectionID, common.ErrNotFound)
	}

	payload, err := sonic.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := conn.writeJSON(payload, s.sendTimeout()); err != nil {
		s.logger.Warn("Failed to send message to %s: %v", connectionID, err)
		s.dropConnection(conn, true)
		return fmt.Errorf("send to %s: %w", connectionID, err)
	}
	return nil
}

// Broadcast delivers message to every connection. A failed peer is
// evicted without aborting the rest; delivery order across peers is
// unspecified.
func (s *Server) Broadcast(message map[string]interface{}) {
	payload, err := sonic.Marshal(message)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message: %v", err)
		return
	}

	s.mu.Lock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	timeout := s.sendTimeout()
	for _, conn := range conns {
		if err := conn.writeJSON(payload, timeout); err != nil {
			s.logger.Warn("Failed to send broadcast message to %s: %v", conn.id, err)
			s.dropConnection(conn, true)
		}
	}
}

// AllIDs returns the IDs of every live connection.
func (s *Server) AllIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}
