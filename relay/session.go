package relay

import (
	"context"
	"errors"
	"net/http"

	"github.com/guseggert/scenerelay/observer"
	"github.com/guseggert/scenerelay/protocol"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// wsSink delivers envelopes to a client over its WebSocket. Writes may be concurrent.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, msg []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, msg)
}

func (s *wsSink) Close() error {
	return s.conn.Close(websocket.StatusGoingAway, "relay shutting down")
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.originPatterns,
		InsecureSkipVerify: s.anyOrigin,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	conn.SetReadLimit(s.readLimit)
	s.serveSession(r.Context(), conn, r.RemoteAddr)
}

// serveSession runs the receive loop for one client until its transport fails.
func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn, remote string) {
	sess := s.observers.Open(&wsSink{conn: conn}, remote)
	log := s.log.Named("session").With("Session", sess.ID, "Remote", remote)
	log.Info("client connected")
	defer func() {
		s.observers.Unregister(sess)
		log.Info("client disconnected")
	}()

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debugf("client closed: %s", err)
			default:
				if !errors.Is(err, context.Canceled) {
					log.Warnw("client read failed", "Error", err)
				}
				conn.Close(websocket.StatusInternalError, "read failed")
			}
			return
		}

		out := s.handleMessage(ctx, msg, sess, remote)
		if err := sess.Send(ctx, out.Reply); err != nil {
			log.Warnw("client write failed", "Type", out.Reply.Type, "Error", err)
			return
		}
		if out.Broadcast != nil {
			n := s.observers.Broadcast(context.WithoutCancel(ctx), *out.Broadcast)
			log.Debugw("broadcast", "Type", out.Broadcast.Type, "Delivered", n)
		}
	}
}

// handleMessage decodes and dispatches one message from client. It never fails: decode and
// dispatch errors become error envelopes.
func (s *Server) handleMessage(ctx context.Context, msg []byte, from *observer.Session, client string) Outcome {
	cmd, err := protocol.DecodeCommand(msg)
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = protocol.Errorf(protocol.KindMalformed, "invalid payload")
		}
		s.log.Debugw("undecodable client message", "Session", sessionID(from), "Bytes", len(msg))
		return reply(protocol.ErrorEnvelope(perr))
	}

	s.history.Record(HistoryEntry{
		Command:   cmd.Name,
		Params:    cmd.Params,
		Client:    client,
		Timestamp: s.clock.Now(),
	})
	s.log.Infow("received command", "Command", cmd.Name, "Session", sessionID(from))
	return s.dispatcher.Dispatch(ctx, cmd, from)
}
