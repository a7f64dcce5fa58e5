// Package observer tracks the client sessions that receive relay broadcasts.
package observer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/guseggert/scenerelay/internal/metrics"
	"github.com/guseggert/scenerelay/protocol"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Sink is the outbound half of a client transport.
type Sink interface {
	Send(ctx context.Context, msg []byte) error
}

// Session is one connected client.
type Session struct {
	ID          string
	Remote      string
	ConnectedAt time.Time

	sink Sink
}

// NewSession builds a session with a fresh ID around sink.
func NewSession(sink Sink, remote string, connectedAt time.Time) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Remote:      remote,
		ConnectedAt: connectedAt,
		sink:        sink,
	}
}

// Send writes one envelope to this session only.
func (s *Session) Send(ctx context.Context, e protocol.Envelope) error {
	b, err := protocol.EncodeEnvelope(e)
	if err != nil {
		return err
	}
	return s.sink.Send(ctx, b)
}

func (s *Session) Info() protocol.ClientInfo {
	return protocol.ClientInfo{ID: s.ID, ConnectedAt: s.ConnectedAt, Remote: s.Remote}
}

// Registry is the set of sessions currently subscribed to broadcasts.
type Registry struct {
	log         *zap.SugaredLogger
	clock       clock.Clock
	sendTimeout time.Duration
	metrics     *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.log = l.Named("observers")
	}
}

func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithSendTimeout bounds each per-session broadcast send.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.sendTimeout = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:         zap.NewNop().Sugar(),
		clock:       clock.New(),
		sendTimeout: 5 * time.Second,
		sessions:    map[string]*Session{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	return r
}

// Open builds a session stamped with the registry clock and registers it.
func (r *Registry) Open(sink Sink, remote string) *Session {
	s := NewSession(sink, remote, r.clock.Now())
	r.Register(s)
	return s
}

// Register adds s. It returns false if a session with the same ID is already registered.
func (r *Registry) Register(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return false
	}
	r.sessions[s.ID] = s
	r.metrics.Sessions.Set(float64(len(r.sessions)))
	r.log.Debugw("registered session", "Session", s.ID, "Remote", s.Remote)
	return true
}

// Unregister removes s. Removing an absent session is a no-op that returns false.
func (r *Registry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.ID]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.ID)
	r.metrics.Sessions.Set(float64(len(r.sessions)))
	r.log.Debugw("unregistered session", "Session", s.ID)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

// Sessions lists the registered sessions, oldest first.
func (r *Registry) Sessions() []protocol.ClientInfo {
	sessions := r.snapshot()
	infos := make([]protocol.ClientInfo, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	return infos
}

// Broadcast sends e to every session registered when it is called and returns how many sends
// succeeded. Sessions whose send fails are unregistered.
func (r *Registry) Broadcast(ctx context.Context, e protocol.Envelope) int {
	b, err := protocol.EncodeEnvelope(e)
	if err != nil {
		r.log.Errorw("not broadcasting unencodable envelope", "Type", e.Type, "Error", err)
		return 0
	}

	sessions := r.snapshot()
	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
		errMu     sync.Mutex
		errs      error
	)
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			if err := s.sink.Send(sendCtx, b); err != nil {
				r.metrics.BroadcastDeliveries.WithLabelValues("failure").Inc()
				r.Unregister(s)
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("session %s: %w", s.ID, err))
				errMu.Unlock()
				return
			}
			r.metrics.BroadcastDeliveries.WithLabelValues("success").Inc()
			delivered.Add(1)
		}(s)
	}
	wg.Wait()

	if errs != nil {
		r.log.Warnw("dropped unreachable sessions during broadcast",
			"Type", e.Type,
			"Dropped", len(multierr.Errors(errs)),
			"Error", errs,
		)
	}
	return int(delivered.Load())
}

// CloseAll unregisters every session, closing the sinks that support it.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*Session{}
	r.metrics.Sessions.Set(0)
	r.mu.Unlock()

	var errs error
	for _, s := range sessions {
		if c, ok := s.sink.(interface{ Close() error }); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	return errs
}
