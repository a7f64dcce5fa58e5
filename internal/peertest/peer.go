// Package peertest runs a stand-in execution peer speaking the relay wire protocol.
// Tests use it through Start; the fakepeer CLI command serves it directly.
package peertest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/scenerelay/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Handler answers one command.
type Handler func(cmd protocol.Command) protocol.Response

// Peer is an http.Handler accepting peer connections from a relay.
// Requests on a connection are read concurrently with handling so that a client sending a second
// request before the first reply is detected as interleaving.
type Peer struct {
	log     *zap.SugaredLogger
	handler Handler
	delay   time.Duration

	dropRemaining atomic.Int32
	connections   atomic.Int32
	pending       atomic.Int32
	interleaved   atomic.Int32

	mu       sync.Mutex
	received []protocol.Command
	cancels  []context.CancelFunc
}

type Option func(p *Peer)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Peer) {
		p.log = l.Named("fakepeer")
	}
}

// WithDelay delays every reply.
func WithDelay(d time.Duration) Option {
	return func(p *Peer) {
		p.delay = d
	}
}

// WithDropFirst makes the peer close the connection instead of replying to the first n requests.
func WithDropFirst(n int) Option {
	return func(p *Peer) {
		p.dropRemaining.Store(int32(n))
	}
}

func New(handler Handler, opts ...Option) *Peer {
	if handler == nil {
		handler = SceneHandler()
	}
	p := &Peer{
		log:     zap.NewNop().Sugar(),
		handler: handler,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Peer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		p.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	p.connections.Add(1)
	p.log.Debugw("accepted relay connection", "Remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			p.log.Debugf("relay connection ended: %s", err)
			return
		}
		if p.pending.Add(1) > 1 {
			p.interleaved.Add(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reply(ctx, conn, msg)
		}()
	}
}

func (p *Peer) reply(ctx context.Context, conn *websocket.Conn, msg []byte) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
		}
	}

	cmd, err := protocol.DecodeCommand(msg)
	var resp protocol.Response
	if err != nil {
		resp = protocol.Fail(protocol.KindPeerError, "Invalid JSON")
	} else {
		p.mu.Lock()
		p.received = append(p.received, cmd)
		p.mu.Unlock()
		resp = p.handler(cmd)
	}

	if p.dropRemaining.Add(-1) >= 0 {
		p.pending.Add(-1)
		conn.Close(websocket.StatusGoingAway, "dropping")
		return
	}

	b, err := protocol.EncodeResponse(resp)
	if err != nil {
		resp = protocol.Fail(protocol.KindPeerError, "%s", err)
		b, _ = protocol.EncodeResponse(resp)
	}
	p.pending.Add(-1)
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		p.log.Debugf("error writing reply: %s", err)
	}
}

// Received returns the commands handled so far, in arrival order.
func (p *Peer) Received() []protocol.Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Command(nil), p.received...)
}

// Connections is the number of relay connections accepted.
func (p *Peer) Connections() int {
	return int(p.connections.Load())
}

// Interleaved counts requests that arrived while another was still unanswered.
func (p *Peer) Interleaved() int {
	return int(p.interleaved.Load())
}

// CloseConnections drops every open relay connection.
func (p *Peer) CloseConnections() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = nil
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Server is a Peer listening on a local httptest server.
type Server struct {
	*Peer
	URL    string
	server *httptest.Server
}

// Start serves a new Peer on a random local port.
func Start(handler Handler, opts ...Option) *Server {
	p := New(handler, opts...)
	s := httptest.NewServer(p)
	return &Server{
		Peer:   p,
		URL:    "ws" + strings.TrimPrefix(s.URL, "http"),
		server: s,
	}
}

func (s *Server) Close() {
	s.CloseConnections()
	s.server.Close()
}
