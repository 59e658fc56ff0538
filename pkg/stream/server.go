// Package stream broadcasts position updates to websocket subscribers
package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/locfix/locfix/pkg"
	"github.com/locfix/locfix/pkg/logx"
)

// Server fans acquired positions out to connected websocket clients
type Server struct {
	logger   *logx.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	last    *pkg.PositionSample
}

// NewServer creates a stream server with no connected clients
func NewServer(logger *logx.Logger) *Server {
	return &Server{
		logger: logger.WithComponent("stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Start serves the websocket endpoint on /positions
func (s *Server) Start(port int) error {
	s.logger.Info("starting stream server", "port", port)

	mux := http.NewServeMux()
	mux.HandleFunc("/positions", s.handleSubscribe)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stream server error", "error", err.Error())
		}
	}()

	return nil
}

// Stop disconnects all clients and shuts the server down
func (s *Server) Stop() error {
	s.logger.Info("stopping stream server")

	s.mu.Lock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
	s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err.Error())
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	last := s.last
	s.mu.Unlock()

	s.logger.Debug("stream client connected", "remote", conn.RemoteAddr().String())

	// New subscribers immediately get the most recent position
	if last != nil {
		if err := conn.WriteJSON(last); err != nil {
			s.dropClient(conn)
			return
		}
	}

	// Reads are only used to detect the client going away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.dropClient(conn)
				return
			}
		}
	}()
}

// Broadcast sends a position to every connected client
func (s *Server) Broadcast(sample *pkg.PositionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = sample.Clone()
	for client := range s.clients {
		if err := client.WriteJSON(sample); err != nil {
			s.logger.Debug("dropping stream client", "error", err.Error())
			client.Close()
			delete(s.clients, client)
		}
	}
}

// ClientCount returns the number of connected subscribers
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) dropClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[conn] {
		conn.Close()
		delete(s.clients, conn)
	}
}
