package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"MapBoard/internal/session"
)

// dialMaxElapsed bounds the retry window for the initial dial. There is no
// automatic reconnect once an established session drops.
const dialMaxElapsed = 15 * time.Second

// ErrClosed is returned by Send on a connection that is no longer open.
var ErrClosed = errors.New("connection closed")

// Events receives connection lifecycle callbacks. *session.Session satisfies
// this; tests can substitute their own.
type Events interface {
	HandleConnecting()
	HandleInboundOpen(conn session.Conn)
	HandleOutboundOpen(conn session.Conn)
	HandleData(conn session.Conn, data []byte)
	HandleClose(conn session.Conn)
	HandleError(conn session.Conn, err error)
}

// Conn wraps one websocket connection. Frames from a single connection are
// delivered in order; writes are serialized with a mutex because gorilla
// permits only one concurrent writer.
type Conn struct {
	peerID string
	ws     *websocket.Conn

	mu   sync.Mutex
	open bool
}

func newConn(peerID string, ws *websocket.Conn) *Conn {
	return &Conn{peerID: peerID, ws: ws, open: true}
}

// PeerID returns the remote peer's identity.
func (c *Conn) PeerID() string { return c.peerID }

// IsOpen reports whether the connection is still usable.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return ErrClosed
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	return c.ws.Close()
}

// readLoop pumps inbound frames into the event sink until the connection
// ends, then reports close or error exactly once. The socket is torn down
// before the event fires so handlers never send into a dead connection.
func (c *Conn) readLoop(events Events) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.Close()
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				events.HandleError(c, err)
			} else {
				events.HandleClose(c)
			}
			return
		}
		events.HandleData(c, data)
	}
}

// Server is the host-side listener: it upgrades /ws requests and hands the
// resulting connections to the session.
type Server struct {
	log      *zap.Logger
	events   Events
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates a host listener delivering events to the session.
func NewServer(log *zap.Logger, events Events) *Server {
	return &Server{
		log:    log,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start listens on the given port. It returns once the listener is running;
// serve errors after that are logged.
func (s *Server) Start(port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	s.httpSrv = &http.Server{Handler: mux}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("host server stopped", zap.Error(err))
		}
	}()
	s.log.Info("host listening", zap.Int("port", port))
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	peerID := r.URL.Query().Get("peer")
	if peerID == "" {
		peerID = uuid.NewString()
	}
	conn := newConn(peerID, ws)
	// The upgrade completing is the open handshake; onboarding sync happens
	// now, not at accept time.
	s.events.HandleInboundOpen(conn)
	go conn.readLoop(s.events)
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Dial connects to a host at addr (host:port), retrying with exponential
// backoff within a bounded window. The session learns about the connection
// only after the handshake completes.
func Dial(log *zap.Logger, events Events, addr, selfID string) (*Conn, error) {
	events.HandleConnecting()

	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/ws",
		RawQuery: "peer=" + url.QueryEscape(selfID),
	}

	var ws *websocket.Conn
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = dialMaxElapsed
	err := backoff.Retry(func() error {
		var err error
		ws, _, err = websocket.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			log.Debug("dial attempt failed", zap.String("addr", addr), zap.Error(err))
		}
		return err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	conn := newConn(addr, ws)
	events.HandleOutboundOpen(conn)
	go conn.readLoop(events)
	return conn, nil
}
