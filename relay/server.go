package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/guseggert/scenerelay/internal/metrics"
	"github.com/guseggert/scenerelay/observer"
	"github.com/guseggert/scenerelay/protocol"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Server is the relay service: a WebSocket endpoint for observer sessions plus a small HTTP surface
// for one-shot commands, health and metrics.
type Server struct {
	log   *zap.SugaredLogger
	clock clock.Clock

	listenAddr     string
	originPatterns []string
	anyOrigin      bool
	readLimit      int64
	sendTimeout    time.Duration
	historyLimit   int

	peer       Peer
	generator  CodeGenerator
	importer   FileImporter
	searcher   DocSearcher
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
	observers  *observer.Registry
	history    *History
	dispatcher *Dispatcher

	router     *httprouter.Router
	httpServer *http.Server
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("relay")
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithAllowedOrigins restricts browser origins for /ws and CORS. "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.originPatterns = nil
		s.anyOrigin = false
		for _, o := range origins {
			if o == "*" {
				s.anyOrigin = true
				continue
			}
			s.originPatterns = append(s.originPatterns, o)
		}
	}
}

// WithReadLimit caps the size of one client message.
func WithReadLimit(n int64) Option {
	return func(s *Server) {
		s.readLimit = n
	}
}

// WithBroadcastTimeout bounds each per-observer broadcast send.
func WithBroadcastTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.sendTimeout = d
	}
}

// WithHistoryLimit caps the command history. Zero keeps everything.
func WithHistoryLimit(n int) Option {
	return func(s *Server) {
		s.historyLimit = n
	}
}

func WithCodeGenerator(g CodeGenerator) Option {
	return func(s *Server) {
		s.generator = g
	}
}

func WithFileImporter(i FileImporter) Option {
	return func(s *Server) {
		s.importer = i
	}
}

func WithDocSearcher(d DocSearcher) Option {
	return func(s *Server) {
		s.searcher = d
	}
}

// WithMetrics exposes m, registered on reg, at /metrics.
func WithMetrics(reg *prometheus.Registry, m *metrics.Metrics) Option {
	return func(s *Server) {
		s.promReg = reg
		s.metrics = m
	}
}

// New builds a relay in front of p.
func New(p Peer, opts ...Option) *Server {
	s := &Server{
		log:         zap.NewNop().Sugar(),
		clock:       clock.New(),
		listenAddr:  "0.0.0.0:8000",
		anyOrigin:   true,
		readLimit:   16 << 20,
		sendTimeout: 5 * time.Second,
		peer:        p,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.promReg = prometheus.NewRegistry()
		s.metrics = metrics.New(s.promReg)
	} else if s.promReg == nil {
		s.promReg = prometheus.NewRegistry()
	}

	s.observers = observer.NewRegistry(
		observer.WithLogger(s.log),
		observer.WithClock(s.clock),
		observer.WithSendTimeout(s.sendTimeout),
		observer.WithMetrics(s.metrics),
	)
	s.history = NewHistory(s.historyLimit)
	s.dispatcher = &Dispatcher{
		Log:       s.log.Named("dispatcher"),
		Clock:     s.clock,
		Metrics:   s.metrics,
		Peer:      p,
		Observers: s.observers,
		History:   s.history,
		Generator: s.generator,
		Importer:  s.importer,
		Searcher:  s.searcher,
	}

	router := httprouter.New()
	router.GET("/", s.root)
	router.GET("/ws", s.serveWS)
	router.GET("/healthz", s.healthz)
	router.POST("/command", s.command)
	router.POST("/search-api", s.searchAPI)
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	s.router = router
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s
}

// Observers is the registry of connected sessions.
func (s *Server) Observers() *observer.Registry {
	return s.observers
}

func (s *Server) History() *History {
	return s.history
}

// Handler is the relay's HTTP handler, with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.cors(s.router)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if s.anyOrigin {
		return true
	}
	for _, o := range s.originPatterns {
		if o == origin {
			return true
		}
	}
	return false
}

// Run serves until Stop is called.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.log.Infow("relay listening", "Addr", l.Addr().String(), "Peer", s.peer.Addr())

	err = s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes every session, the HTTP server and the peer connection.
func (s *Server) Stop() error {
	return multierr.Combine(
		s.observers.CloseAll(),
		s.httpServer.Close(),
		s.peer.Close(),
	)
}

func (s *Server) root(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Scene relay is running"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"peer_addr":      s.peer.Addr(),
		"peer_connected": s.peer.Connected(),
		"clients":        s.observers.Len(),
	})
}

// command runs one command outside of any session. Broadcasts still go to every observer.
func (s *Server) command(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.readLimit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.respond(w, r, s.handleMessage(r.Context(), body, nil, "http:"+r.RemoteAddr))
}

func (s *Server) searchAPI(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cmd := protocol.NewCommand(CmdSearchAPI, map[string]any{"query": r.URL.Query().Get("query")})
	msg, err := protocol.EncodeCommand(cmd)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.respond(w, r, s.handleMessage(r.Context(), msg, nil, "http:"+r.RemoteAddr))
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, out Outcome) {
	if out.Broadcast != nil {
		n := s.observers.Broadcast(r.Context(), *out.Broadcast)
		s.log.Debugw("broadcast", "Type", out.Broadcast.Type, "Delivered", n)
	}
	writeJSON(w, statusForKind(out.Reply.Kind), out.Reply)
}

func statusForKind(kind protocol.ErrorKind) int {
	switch kind {
	case "":
		return http.StatusOK
	case protocol.KindMalformed, protocol.KindUnknownCommand:
		return http.StatusBadRequest
	case protocol.KindUnavailable:
		return http.StatusServiceUnavailable
	case protocol.KindPeerDisconnected:
		return http.StatusBadGateway
	case protocol.KindPeerError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}
