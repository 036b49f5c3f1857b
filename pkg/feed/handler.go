package feed

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {

		// Subscribers are local UI processes, no origin policy
		return true
	},
}

// Server exposes the hub on a plain HTTP listener under /ws
type Server struct {
	hub    *Hub
	server *http.Server
}

// NewServer instantiates a feed server and starts listening on the provided
// endpoint in a separate goroutine
func NewServer(hub *Hub, endpoint string) *Server {

	mux := http.NewServeMux()
	s := &Server{
		hub: hub,
		server: &http.Server{
			Addr:    endpoint,
			Handler: mux,
		},
	}
	mux.HandleFunc("/ws", s.serveWS)

	go hub.Run()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hub.logger.Warnf("feed listener failed: %s", err)
		}
	}()

	return s
}

// Shutdown terminates the listener and the hub
func (s *Server) Shutdown() error {
	s.hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.hub.logger.Warnf("feed upgrade failed: %s", err)
		return
	}

	c := newClient(s.hub, conn)
	s.hub.register <- c

	go c.writePump()
	go c.readPump()
}
