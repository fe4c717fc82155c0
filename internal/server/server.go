// Package server exposes the session engine to remote front ends over
// WebSocket. One socket carries one session: submissions flow in,
// events flow out, both as tagged JSON envelopes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/schmiede/internal/channel"
	"github.com/codefionn/schmiede/internal/logger"
	"github.com/codefionn/schmiede/internal/protocol"
	"github.com/codefionn/schmiede/internal/session"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum submission size allowed from peer.
	maxMessageSize = 1 << 20
)

// SessionFactory builds a session manager bound to a fresh channel.
// Called once per accepted connection.
type SessionFactory func(ch *channel.Channel) (*session.Manager, error)

// Server accepts WebSocket sessions on /v1/session.
type Server struct {
	addr       string
	factory    SessionFactory
	httpServer *http.Server
	upgrader   websocket.Upgrader
	log        *logger.Logger
}

// New returns a server listening on addr once started.
func New(addr string, factory SessionFactory) *Server {
	return &Server{
		addr:    addr,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local tool; the listener binds loopback by default.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger.Global().WithScope("server"),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/v1/session", s.handleSession)
	router.GET("/healthz", s.handleHealth)
	return router
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 0, // WebSocket connections are long-lived
	}

	go func() {
		s.log.Info("listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server: %v", err)
		}
	}()
	return nil
}

// Stop shuts the listener down and waits briefly for connections.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleSession upgrades the connection, spins up one session and
// bridges it to the socket until either side goes away.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch := channel.New(channel.DefaultBuffer)
	mgr, err := s.factory(ch)
	if err != nil {
		s.log.Error("session setup: %v", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"),
			time.Now().Add(writeWait))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	managerDone := make(chan error, 1)
	go func() {
		managerDone <- mgr.Run(ctx)
	}()

	writerDone := make(chan struct{})
	go s.writePump(conn, ch, writerDone)

	go s.readPump(ctx, conn, ch, cancel)

	select {
	case err := <-managerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("session %s ended: %v", mgr.SessionID(), err)
		}
	case <-ctx.Done():
		<-managerDone
	}

	ch.Close()
	<-writerDone
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}

// writePump forwards events to the socket and keeps the connection
// alive with pings. It is the connection's only writer.
func (s *Server) writePump(conn *websocket.Conn, ch *channel.Channel, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Warn("event write failed: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds submissions from the socket into the channel. A read
// failure tears the session down.
func (s *Server) readPump(ctx context.Context, conn *websocket.Conn, ch *channel.Channel, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket read: %v", err)
			}
			return
		}

		var sub protocol.Submission
		if err := json.Unmarshal(message, &sub); err != nil {
			s.log.Warn("discarding malformed submission: %v", err)
			continue
		}
		if err := ch.Submit(ctx, sub); err != nil {
			return
		}
	}
}
