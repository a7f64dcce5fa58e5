package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guseggert/scenerelay/internal/metrics"
	"github.com/guseggert/scenerelay/protocol"
	"go.uber.org/zap"
)

var errNoAddr = errors.New("no peer address configured")

// Manager is the only owner of the peer connection.
type Manager struct {
	log         *zap.SugaredLogger
	dialer      Dialer
	clock       clock.Clock
	retry       RetryPolicy
	dialTimeout time.Duration
	callTimeout time.Duration
	metrics     *metrics.Metrics

	// sem is the exclusive section. addr and conn are only touched while holding it.
	sem  chan struct{}
	addr string
	conn *liveConn

	// infoMu guards copies of addr and conn for readers that must not queue behind a call.
	infoMu   sync.Mutex
	infoAddr string
	infoConn *liveConn
}

type Option func(m *Manager)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		m.log = l.Named("peer")
	}
}

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithClock sets the clock used for retry backoff.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(m *Manager) {
		m.retry = p
	}
}

// WithDialTimeout bounds each connect attempt, including the handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.dialTimeout = d
	}
}

// WithCallTimeout bounds the send + await part of a call. Zero waits forever.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.callTimeout = d
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager builds a Manager for the peer at addr. No connection is opened until the first call.
func NewManager(addr string, opts ...Option) *Manager {
	m := &Manager{
		log:         zap.NewNop().Sugar(),
		dialer:      &WebSocketDialer{},
		clock:       clock.New(),
		retry:       DefaultRetryPolicy(),
		dialTimeout: 10 * time.Second,
		callTimeout: 30 * time.Second,
		sem:         make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	m.setAddr(addr)
	return m
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.sem
}

// Call sends one command to the peer and waits for its reply.
// Connect failures surface as KindUnavailable, transport failures during the exchange as
// KindPeerDisconnected. An error reply from the peer is returned as KindPeerError.
func (m *Manager) Call(ctx context.Context, action string, params map[string]any) protocol.Response {
	start := m.clock.Now()
	resp := m.call(ctx, action, params)

	outcome := "ok"
	if resp.Err != nil {
		outcome = string(resp.Err.Kind)
	}
	m.metrics.PeerCalls.WithLabelValues(action, outcome).Inc()
	m.metrics.PeerCallDuration.WithLabelValues(action).Observe(m.clock.Since(start).Seconds())
	return resp
}

func (m *Manager) call(ctx context.Context, action string, params map[string]any) protocol.Response {
	if err := m.acquire(ctx); err != nil {
		m.log.Debugw("gave up waiting for the peer", "Action", action, "Error", err)
		return protocol.Fail(protocol.KindUnavailable, "Peer is busy")
	}
	defer m.release()

	if m.conn != nil && m.conn.closed() {
		m.discardLocked("closed by peer", m.conn.err)
	}
	if m.conn == nil {
		if err := m.connectLocked(ctx); err != nil {
			m.log.Errorw("failed to connect to peer", "Addr", m.addr, "Error", err)
			return protocol.Fail(protocol.KindUnavailable, "Could not connect to peer")
		}
	}

	msg, err := protocol.EncodeCommand(protocol.NewCommand(action, params))
	if err != nil {
		return protocol.Response{Err: &protocol.Error{Kind: protocol.KindMalformed, Message: err.Error()}}
	}

	callCtx := ctx
	if m.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
	}

	m.log.Debugw("sending command to peer", "Action", action, "Bytes", len(msg))
	m.conn.drain()
	if err := m.conn.conn.Send(callCtx, msg); err != nil {
		m.discardLocked("send", err)
		return protocol.Fail(protocol.KindPeerDisconnected, "Peer connection closed")
	}
	reply, err := m.conn.await(callCtx)
	if err != nil {
		m.discardLocked("receive", err)
		return protocol.Fail(protocol.KindPeerDisconnected, "Peer connection closed")
	}

	resp := protocol.DecodeResponse(reply)
	if resp.Err != nil && resp.Err.Kind == protocol.KindMalformed {
		m.log.Warnw("invalid reply from peer", "Action", action, "Bytes", len(reply))
		resp.Err.Message = "Invalid response from peer"
	}
	return resp
}

// Connect opens the peer connection now, retargeting to addr first if it is non-empty and differs
// from the current address. An existing connection to the same address is kept.
func (m *Manager) Connect(ctx context.Context, addr string) error {
	if err := m.acquire(ctx); err != nil {
		return protocol.Errorf(protocol.KindUnavailable, "Peer is busy")
	}
	defer m.release()

	if addr != "" && addr != m.addr {
		if m.conn != nil {
			m.discardLocked("retarget", nil)
		}
		m.log.Infow("retargeting peer", "From", m.addr, "To", addr)
		m.setAddr(addr)
	}
	if m.conn != nil && m.conn.closed() {
		m.discardLocked("closed by peer", m.conn.err)
	}
	if m.conn != nil {
		return nil
	}
	if err := m.connectLocked(ctx); err != nil {
		m.log.Errorw("failed to connect to peer", "Addr", m.addr, "Error", err)
		return protocol.Errorf(protocol.KindUnavailable, "Failed to connect to %s", m.addr)
	}
	return nil
}

func (m *Manager) connectLocked(ctx context.Context) error {
	if m.addr == "" {
		return errNoAddr
	}
	attempts := m.retry.attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		m.log.Infow("connecting to peer", "Addr", m.addr, "Attempt", attempt, "MaxAttempts", attempts)
		conn, err := m.dial(ctx)
		if err == nil {
			m.metrics.ConnectAttempts.WithLabelValues("success").Inc()
			m.setConn(startLiveConn(conn, m.log))
			m.log.Infow("connected to peer", "Addr", m.addr)
			return nil
		}
		m.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		m.log.Warnw("peer connection attempt failed", "Addr", m.addr, "Attempt", attempt, "Error", err)
		lastErr = err

		if attempt == attempts || m.retry.Backoff <= 0 {
			continue
		}
		m.log.Debugf("retrying in %s", m.retry.Backoff)
		select {
		case <-m.clock.After(m.retry.Backoff):
		case <-ctx.Done():
			return fmt.Errorf("waiting to retry: %w", ctx.Err())
		}
	}
	return fmt.Errorf("connecting to %s after %d attempts: %w", m.addr, attempts, lastErr)
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	if m.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.dialTimeout)
		defer cancel()
	}
	return m.dialer.Dial(ctx, m.addr)
}

func (m *Manager) discardLocked(reason string, cause error) {
	if cause != nil {
		m.log.Warnw("dropping peer connection", "Reason", reason, "Error", cause)
	} else {
		m.log.Infow("dropping peer connection", "Reason", reason)
	}
	if err := m.conn.close(); err != nil {
		m.log.Debugf("error closing peer conn: %s", err)
	}
	m.setConn(nil)
}

// Close drops the connection, waiting for an in-flight call to finish first.
// The Manager stays usable; the next call dials again.
func (m *Manager) Close() error {
	m.sem <- struct{}{}
	defer m.release()
	if m.conn == nil {
		return nil
	}
	err := m.conn.close()
	m.setConn(nil)
	return err
}

// Connected reports whether a connection is currently held and has not been closed by the peer.
func (m *Manager) Connected() bool {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	return m.infoConn != nil && !m.infoConn.closed()
}

// Addr is the current peer address.
func (m *Manager) Addr() string {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	return m.infoAddr
}

func (m *Manager) setAddr(addr string) {
	m.addr = addr
	m.infoMu.Lock()
	m.infoAddr = addr
	m.infoMu.Unlock()
}

func (m *Manager) setConn(lc *liveConn) {
	m.conn = lc
	m.infoMu.Lock()
	m.infoConn = lc
	m.infoMu.Unlock()
}
