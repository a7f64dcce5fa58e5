package peer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guseggert/scenerelay/internal/metrics"
	"github.com/guseggert/scenerelay/internal/peertest"
	"github.com/guseggert/scenerelay/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

var errRefused = errors.New("connection refused")

// scriptedDialer hands out conns from newConn, or fails while failing is set.
type scriptedDialer struct {
	clock   clock.Clock
	failing atomic.Bool
	newConn func() Conn

	mu      sync.Mutex
	dialAts []time.Time
}

func (d *scriptedDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	d.mu.Lock()
	d.dialAts = append(d.dialAts, d.clock.Now())
	d.mu.Unlock()
	if d.failing.Load() {
		return nil, errRefused
	}
	return d.newConn(), nil
}

func (d *scriptedDialer) dials() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dialAts...)
}

// funcConn replies to each request with reply(request).
type funcConn struct {
	reply  func(req []byte) ([]byte, error)
	last   chan []byte
	closed atomic.Bool
}

func newFuncConn(reply func(req []byte) ([]byte, error)) *funcConn {
	return &funcConn{reply: reply, last: make(chan []byte, 1)}
}

func (c *funcConn) Send(ctx context.Context, msg []byte) error {
	if c.closed.Load() {
		return errors.New("closed")
	}
	c.last <- msg
	return nil
}

func (c *funcConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case req := <-c.last:
		return c.reply(req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *funcConn) Close() error {
	c.closed.Store(true)
	return nil
}

func okReply(req []byte) ([]byte, error) {
	return []byte(`{"result":{"message":"Code executed successfully","output":""}}`), nil
}

func TestCallUnavailableAfterRetries(t *testing.T) {
	mock := clock.NewMock()
	dialer := &scriptedDialer{clock: mock}
	dialer.failing.Store(true)
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)

	m := NewManager("ws://peer.invalid",
		WithLogger(log),
		WithDialer(dialer),
		WithClock(mock),
		WithMetrics(mt),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Backoff: 2 * time.Second}),
	)

	done := make(chan protocol.Response, 1)
	go func() {
		done <- m.Call(context.Background(), "introspect_scene", nil)
	}()

	var resp protocol.Response
	require.Eventually(t, func() bool {
		select {
		case resp = <-done:
			return true
		default:
			mock.Add(2 * time.Second)
			return false
		}
	}, 5*time.Second, time.Millisecond)

	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindUnavailable, resp.Err.Kind)
	assert.False(t, m.Connected())

	dials := dialer.dials()
	require.Len(t, dials, 3)
	for i := 1; i < len(dials); i++ {
		assert.GreaterOrEqual(t, dials[i].Sub(dials[i-1]), 2*time.Second)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(mt.ConnectAttempts.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.PeerCalls.WithLabelValues("introspect_scene", "unavailable")))
}

func TestCallRetryElapsedTime(t *testing.T) {
	dialer := &scriptedDialer{clock: clock.New()}
	dialer.failing.Store(true)
	backoff := 50 * time.Millisecond
	m := NewManager("ws://peer.invalid",
		WithLogger(log),
		WithDialer(dialer),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, Backoff: backoff}),
	)

	start := time.Now()
	resp := m.Call(context.Background(), "execute_code", map[string]any{"code": "x=1"})
	elapsed := time.Since(start)

	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindUnavailable, resp.Err.Kind)
	assert.Len(t, dialer.dials(), 3)
	assert.GreaterOrEqual(t, elapsed, 2*backoff)
	assert.Less(t, elapsed, 2*backoff+time.Second)
}

func TestCallSucceedsAfterTransientFailures(t *testing.T) {
	dialer := &scriptedDialer{clock: clock.New(), newConn: func() Conn { return newFuncConn(okReply) }}
	var dials atomic.Int32
	m := NewManager("ws://peer", WithLogger(log), WithRetryPolicy(RetryPolicy{MaxAttempts: 3}),
		WithDialer(dialerFunc(func(ctx context.Context, addr string) (Conn, error) {
			if dials.Add(1) < 3 {
				return nil, errRefused
			}
			return dialer.Dial(ctx, addr)
		})))

	resp := m.Call(context.Background(), "execute_code", map[string]any{"code": "x=1"})
	require.Nil(t, resp.Err)
	assert.Equal(t, int32(3), dials.Load())
	assert.True(t, m.Connected())
}

type dialerFunc func(ctx context.Context, addr string) (Conn, error)

func (f dialerFunc) Dial(ctx context.Context, addr string) (Conn, error) { return f(ctx, addr) }

func TestCallReusesConnection(t *testing.T) {
	dialer := &scriptedDialer{clock: clock.New(), newConn: func() Conn { return newFuncConn(okReply) }}
	m := NewManager("ws://peer", WithLogger(log), WithDialer(dialer))

	for i := 0; i < 3; i++ {
		resp := m.Call(context.Background(), "execute_code", map[string]any{"code": "x=1"})
		require.Nil(t, resp.Err)
	}
	assert.Len(t, dialer.dials(), 1)
}

func TestCallPeerDisconnectedThenFreshConnection(t *testing.T) {
	var conns []*funcConn
	first := true
	dialer := &scriptedDialer{clock: clock.New(), newConn: func() Conn {
		reply := okReply
		if first {
			first = false
			reply = func(req []byte) ([]byte, error) { return nil, errors.New("EOF") }
		}
		c := newFuncConn(reply)
		conns = append(conns, c)
		return c
	}}
	m := NewManager("ws://peer", WithLogger(log), WithDialer(dialer))

	resp := m.Call(context.Background(), "introspect_scene", nil)
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindPeerDisconnected, resp.Err.Kind)
	assert.False(t, m.Connected())
	require.Len(t, conns, 1)
	assert.True(t, conns[0].closed.Load())

	resp = m.Call(context.Background(), "introspect_scene", nil)
	require.Nil(t, resp.Err)
	assert.Len(t, dialer.dials(), 2)
	assert.True(t, m.Connected())
}

func TestCallTimeout(t *testing.T) {
	dialer := &scriptedDialer{clock: clock.New(), newConn: func() Conn {
		return &blockingConn{}
	}}
	m := NewManager("ws://peer", WithLogger(log), WithDialer(dialer), WithCallTimeout(20*time.Millisecond))

	resp := m.Call(context.Background(), "introspect_scene", nil)
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindPeerDisconnected, resp.Err.Kind)
	assert.False(t, m.Connected())
}

type blockingConn struct{}

func (c *blockingConn) Send(ctx context.Context, msg []byte) error { return nil }
func (c *blockingConn) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (c *blockingConn) Close() error { return nil }

func TestCallPeerErrorAndMalformedReplyKeepConnection(t *testing.T) {
	replies := [][]byte{[]byte(`{"error":"Execution error: name 'y' is not defined"}`), []byte(`not json`)}
	i := 0
	dialer := &scriptedDialer{clock: clock.New(), newConn: func() Conn {
		return newFuncConn(func(req []byte) ([]byte, error) {
			r := replies[i]
			i++
			return r, nil
		})
	}}
	m := NewManager("ws://peer", WithLogger(log), WithDialer(dialer))

	resp := m.Call(context.Background(), "execute_code", map[string]any{"code": "y"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindPeerError, resp.Err.Kind)
	assert.Equal(t, "Execution error: name 'y' is not defined", resp.Err.Message)

	resp = m.Call(context.Background(), "execute_code", map[string]any{"code": "y"})
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindMalformed, resp.Err.Kind)

	assert.True(t, m.Connected())
	assert.Len(t, dialer.dials(), 1)
}

func TestCallNoAddress(t *testing.T) {
	m := NewManager("", WithLogger(log))
	resp := m.Call(context.Background(), "introspect_scene", nil)
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindUnavailable, resp.Err.Kind)
}

func TestCallsNeverInterleave(t *testing.T) {
	p := peertest.Start(nil, peertest.WithDelay(5*time.Millisecond))
	t.Cleanup(p.Close)

	m := NewManager(p.URL, WithLogger(log))
	t.Cleanup(func() { m.Close() })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := m.Call(context.Background(), "execute_code", map[string]any{"code": "x=1"})
			assert.Nil(t, resp.Err)
		}()
	}
	wg.Wait()

	assert.Len(t, p.Received(), 20)
	assert.Equal(t, 0, p.Interleaved())
	assert.Equal(t, 1, p.Connections())
}

func TestPeerClosesBeforeReply(t *testing.T) {
	p := peertest.Start(nil, peertest.WithDropFirst(1))
	t.Cleanup(p.Close)

	m := NewManager(p.URL, WithLogger(log))
	t.Cleanup(func() { m.Close() })

	resp := m.Call(context.Background(), "introspect_scene", nil)
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindPeerDisconnected, resp.Err.Kind)
	assert.False(t, m.Connected())

	resp = m.Call(context.Background(), "introspect_scene", nil)
	require.Nil(t, resp.Err)
	scene, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Scene", scene["name"])
	assert.Equal(t, 2, p.Connections())
}

func TestPeerClosesIdleConnection(t *testing.T) {
	p := peertest.Start(nil)
	t.Cleanup(p.Close)

	m := NewManager(p.URL, WithLogger(log))
	t.Cleanup(func() { m.Close() })

	resp := m.Call(context.Background(), "introspect_scene", nil)
	require.Nil(t, resp.Err)
	require.True(t, m.Connected())

	p.CloseConnections()
	require.Eventually(t, func() bool { return !m.Connected() }, 5*time.Second, 10*time.Millisecond)

	resp = m.Call(context.Background(), "introspect_scene", nil)
	require.Nil(t, resp.Err)
	assert.True(t, m.Connected())
	assert.Equal(t, 2, p.Connections())
}

func TestUnsolicitedMessageIsNotTakenAsReply(t *testing.T) {
	var c *pushConn
	dialer := &scriptedDialer{clock: clock.New(), newConn: func() Conn {
		c = newPushConn()
		return c
	}}
	m := NewManager("ws://peer", WithLogger(log), WithDialer(dialer))
	require.NoError(t, m.Connect(context.Background(), ""))

	c.push([]byte(`{"result":"stale"}`))
	require.Eventually(t, func() bool { return len(m.conn.replies) == 1 }, 5*time.Second, time.Millisecond)

	resp := m.Call(context.Background(), "execute_code", map[string]any{"code": "x=1"})
	require.Nil(t, resp.Err)
	assert.Equal(t, "fresh", resp.Result)
}

// pushConn delivers pushed messages and answers every request with a "fresh" result.
type pushConn struct {
	in chan []byte
}

func newPushConn() *pushConn {
	return &pushConn{in: make(chan []byte, 4)}
}

func (c *pushConn) push(b []byte) { c.in <- b }

func (c *pushConn) Send(ctx context.Context, msg []byte) error {
	c.in <- []byte(`{"result":"fresh"}`)
	return nil
}

func (c *pushConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pushConn) Close() error { return nil }

func TestHandshakeRejected(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(s.Close)

	m := NewManager("ws"+strings.TrimPrefix(s.URL, "http"),
		WithLogger(log),
		WithRetryPolicy(RetryPolicy{MaxAttempts: 2}),
	)
	resp := m.Call(context.Background(), "introspect_scene", nil)
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.KindUnavailable, resp.Err.Kind)
}

func TestConnectRetargets(t *testing.T) {
	a := peertest.Start(nil)
	t.Cleanup(a.Close)
	b := peertest.Start(nil)
	t.Cleanup(b.Close)

	m := NewManager(a.URL, WithLogger(log))
	t.Cleanup(func() { m.Close() })

	require.NoError(t, m.Connect(context.Background(), ""))
	assert.True(t, m.Connected())
	require.NoError(t, m.Connect(context.Background(), a.URL))
	assert.Equal(t, 1, a.Connections())

	require.NoError(t, m.Connect(context.Background(), b.URL))
	assert.Equal(t, b.URL, m.Addr())
	resp := m.Call(context.Background(), "introspect_scene", nil)
	require.Nil(t, resp.Err)
	assert.Len(t, b.Received(), 1)
	assert.Empty(t, a.Received())
}

func TestConnectFailure(t *testing.T) {
	dialer := &scriptedDialer{clock: clock.New()}
	dialer.failing.Store(true)
	m := NewManager("ws://peer.invalid", WithLogger(log), WithDialer(dialer), WithRetryPolicy(RetryPolicy{MaxAttempts: 2}))

	err := m.Connect(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, protocol.KindUnavailable, protocol.KindOf(err))
	assert.Len(t, dialer.dials(), 2)
}
