// Package api provides the operator HTTP and WebSocket surface over a
// running coordinator.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/scalper-backend/internal/algo"
	"github.com/atlas-desktop/scalper-backend/internal/regime"
	"github.com/atlas-desktop/scalper-backend/pkg/types"
)

// Config configures the API server.
type Config struct {
	Host          string
	Port          int
	WebSocketPath string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// DefaultConfig returns API server defaults.
func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          8090,
		WebSocketPath: "/ws",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
	}
}

// Server is the HTTP/WebSocket operator server. It reads engine state
// through the coordinator's getters only and never holds engine locks
// across I/O.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     Config
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	clients    map[string]*Client
	coord      *algo.Coordinator
	metrics    *Metrics
}

// Client represents a connected operator WebSocket session.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

// Message is the WebSocket envelope for events and request/response
// exchanges.
type Message struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // request, response, event
	Method    string      `json:"method"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer creates the operator server and hooks the coordinator's
// decision, mode and regime callbacks into the broadcast hub and the
// metrics registry.
func NewServer(logger *zap.Logger, config Config, coord *algo.Coordinator, metrics *Metrics) *Server {
	if config.WebSocketPath == "" {
		config.WebSocketPath = DefaultConfig().WebSocketPath
	}

	server := &Server{
		logger:  logger.Named("api"),
		config:  config,
		router:  mux.NewRouter(),
		clients: make(map[string]*Client),
		coord:   coord,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // operator surface binds to localhost
			},
		},
	}

	coord.SetDecisionCallback(func(d types.ExecutionDecision) {
		if metrics != nil {
			metrics.Decisions.WithLabelValues(string(d.Direction)).Inc()
		}
		server.broadcastEvent("engine:decision", d)
	})
	coord.SetModeChangeCallback(func(m algo.Mode) {
		server.broadcastEvent("engine:mode", map[string]string{"mode": string(m)})
	})
	coord.SetRegimeChangeCallback(func(r regime.Regime) {
		server.broadcastEvent("engine:regime", map[string]string{"regime": string(r)})
	})

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/engine/state", s.handleState).Methods("GET")
	s.router.HandleFunc("/api/v1/engine/mode", s.handleGetMode).Methods("GET")
	s.router.HandleFunc("/api/v1/engine/mode", s.handleSetMode).Methods("POST")
	s.router.HandleFunc("/api/v1/engine/statistics", s.handleStatistics).Methods("GET")
	s.router.HandleFunc("/api/v1/engine/patterns", s.handlePatterns).Methods("GET")
	s.router.HandleFunc("/api/v1/engine/decisions", s.handleDecisions).Methods("GET")

	s.router.HandleFunc("/api/v1/engine/start", s.lifecycle(s.coord.Start)).Methods("POST")
	s.router.HandleFunc("/api/v1/engine/pause", s.lifecycle(s.coord.Pause)).Methods("POST")
	s.router.HandleFunc("/api/v1/engine/resume", s.lifecycle(s.coord.Resume)).Methods("POST")
	s.router.HandleFunc("/api/v1/engine/stop", s.lifecycle(s.coord.Stop)).Methods("POST")

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}

	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))

	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, client := range s.clients {
		client.Conn.Close()
	}
	s.mu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"state":  s.coord.GetState(),
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"state": s.coord.GetState(),
		"mode":  s.coord.GetTradingMode(),
	})
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"mode": s.coord.GetTradingMode(),
	})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	switch mode := algo.Mode(req.Mode); mode {
	case algo.ModeDisabled, algo.ModeAggressive, algo.ModeNormal,
		algo.ModeConservative, algo.ModeMonitorOnly:
		s.coord.SetTradingMode(mode)
		json.NewEncoder(w).Encode(map[string]interface{}{"mode": mode})
	default:
		http.Error(w, "Unknown trading mode", http.StatusBadRequest)
	}
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.coord.Metrics())
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	patterns := s.coord.RecentPatterns()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	decisions := s.coord.RecentDecisions()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// lifecycle wraps a coordinator transition into a POST handler. Invalid
// transitions map to 409.
func (s *Server) lifecycle(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"state": s.coord.GetState(),
		})
	}
}

// handleWebSocket upgrades an operator connection and starts its pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		Conn: conn,
		Send: make(chan []byte, 256),
	}

	s.mu.Lock()
	s.clients[client.ID] = client
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.WSClients.Inc()
	}

	s.logger.Info("WebSocket client connected", zap.String("id", client.ID))

	go s.readPump(client)
	go s.writePump(client)
}

func (s *Server) readPump(client *Client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.Conn.Close()
		if s.metrics != nil {
			s.metrics.WSClients.Dec()
		}
		s.logger.Info("WebSocket client disconnected", zap.String("id", client.ID))
	}()

	client.Conn.SetReadLimit(64 * 1024)
	client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, messageBytes, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			s.logger.Warn("Invalid WebSocket message", zap.Error(err))
			continue
		}

		s.handleMessage(client, &msg)
	}
}

func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage answers operator WebSocket requests.
func (s *Server) handleMessage(client *Client, msg *Message) {
	response := &Message{
		ID:        msg.ID,
		Type:      "response",
		Method:    msg.Method,
		Timestamp: time.Now().UnixMilli(),
	}

	switch msg.Method {
	case "ping":
		response.Payload = map[string]string{"pong": "ok"}

	case "engine:state":
		response.Payload = map[string]interface{}{
			"state": s.coord.GetState(),
			"mode":  s.coord.GetTradingMode(),
		}

	case "engine:statistics":
		response.Payload = s.coord.Metrics()

	case "trade:closed":
		payload, _ := msg.Payload.(map[string]interface{})
		isWin, _ := payload["isWin"].(bool)
		pnlStr, _ := payload["pnl"].(string)
		pnl, err := decimal.NewFromString(pnlStr)
		if err != nil {
			response.Error = "Invalid pnl"
			break
		}
		s.coord.OnTradeClosed(isWin, pnl)
		response.Payload = map[string]string{"status": "recorded"}

	default:
		response.Error = "Unknown method"
	}

	s.send(client, response)
}

func (s *Server) send(client *Client, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.Send <- data:
	default:
		// Slow consumer, drop the frame.
	}
}

// broadcastEvent pushes an event to every connected client.
func (s *Server) broadcastEvent(method string, payload interface{}) {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      "event",
		Method:    method,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		select {
		case client.Send <- data:
		default:
		}
	}
}
