// Package stream maintains one persistent websocket connection per feed
// and converts inbound messages into state mutations or engine triggers.
// One protocol driver (Session) serves every feed; the differences live
// in a small Handler implemented per feed type.
package stream

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Handler supplies the feed-specific parts of a session: where to
// connect, what to subscribe to, and what to do with inbound messages.
// OnMessage must not block on slow side effects; hand those to their own
// goroutines so reads are never starved.
type Handler interface {
	// Endpoint returns the websocket URL. Called before every connection
	// attempt, so a feed needing a fresh token fetches one here.
	Endpoint() (string, error)
	// SubscribePayload is sent as the first frame after the handshake.
	// A nil payload skips the subscribe step.
	SubscribePayload() ([]byte, error)
	OnMessage(raw []byte)
}

// Session owns one connection and its reconnection loop.
type Session struct {
	name    string
	handler Handler

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession returns a session with transport defaults.
func NewSession(name string, handler Handler) *Session {
	return &Session{
		name:         name,
		handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
		PingInterval: 20 * time.Second,
		BackoffMin:   time.Second,
		BackoffMax:   30 * time.Second,
		closed:       make(chan struct{}),
	}
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run connects and reads until Close or context cancellation, redialing
// with exponential backoff after any transport failure. Backoff resets
// once a connection delivers a message.
func (s *Session) Run(ctx context.Context) {
	backoff := s.BackoffMin
	for {
		healthy, err := s.connectAndRead(ctx)
		if s.done(ctx) {
			s.setState(Disconnected)
			return
		}
		s.setState(Failed)
		if err != nil {
			logrus.Errorf("[%s] session failed: %v", s.name, err)
		}
		if healthy {
			backoff = s.BackoffMin
		}
		logrus.Warnf("[%s] reconnecting in %s", s.name, backoff)
		select {
		case <-ctx.Done():
			s.setState(Disconnected)
			return
		case <-s.closed:
			s.setState(Disconnected)
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.BackoffMax {
			backoff = s.BackoffMax
		}
	}
}

// Close stops the session. In-flight reads are unblocked by closing the
// connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *Session) done(ctx context.Context) bool {
	select {
	case <-s.closed:
		return true
	default:
	}
	return ctx.Err() != nil
}

// connectAndRead walks one connection through its lifecycle. It reports
// whether the connection got healthy (delivered at least one message)
// before failing.
func (s *Session) connectAndRead(ctx context.Context) (healthy bool, err error) {
	s.setState(Resolving)
	endpoint, err := s.handler.Endpoint()
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		TLSClientConfig:  websocket.DefaultDialer.TLSClientConfig,
		HandshakeTimeout: 15 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			s.setState(Connecting)
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err == nil && strings.HasPrefix(endpoint, "wss://") {
				s.setState(SecuringTransport)
			}
			return conn, err
		},
	}

	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer conn.Close()

	s.setState(ProtocolHandshake)
	payload, err := s.handler.SubscribePayload()
	if err != nil {
		return false, err
	}
	if payload != nil {
		conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return false, err
		}
	}
	s.setState(Subscribed)
	logrus.Infof("[%s] subscribed to %s", s.name, endpoint)

	conn.SetReadLimit(1024 * 1024)
	conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	s.setState(Reading)
	for {
		if s.done(ctx) {
			return healthy, nil
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return healthy, err
		}
		healthy = true
		conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		s.handler.OnMessage(message)
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
