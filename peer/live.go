package peer

import (
	"context"

	"go.uber.org/zap"
)

// liveConn is an open Conn with a goroutine reading from it for its whole life, so that a peer
// closing an idle connection is noticed before the next call tries to use it.
type liveConn struct {
	conn    Conn
	replies chan []byte
	done    chan struct{}
	cancel  context.CancelFunc

	// err is why the reader stopped. It is written before done is closed.
	err error
}

func startLiveConn(conn Conn, log *zap.SugaredLogger) *liveConn {
	ctx, cancel := context.WithCancel(context.Background())
	lc := &liveConn{
		conn:    conn,
		replies: make(chan []byte, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go lc.readLoop(ctx, log)
	return lc
}

func (lc *liveConn) readLoop(ctx context.Context, log *zap.SugaredLogger) {
	defer close(lc.done)
	for {
		b, err := lc.conn.Receive(ctx)
		if err != nil {
			lc.err = err
			if ctx.Err() == nil {
				log.Infow("peer connection closed", "Error", err)
			}
			return
		}
		select {
		case lc.replies <- b:
		default:
			log.Warnw("dropping unsolicited message from peer", "Bytes", len(b))
		}
	}
}

// closed reports whether the reader has stopped, i.e. the connection is unusable.
func (lc *liveConn) closed() bool {
	select {
	case <-lc.done:
		return true
	default:
		return false
	}
}

// drain discards a reply nobody asked for, so it is not mistaken for the answer to the next request.
func (lc *liveConn) drain() {
	select {
	case <-lc.replies:
	default:
	}
}

// await waits for one reply. A reply that was delivered before the connection closed still wins.
func (lc *liveConn) await(ctx context.Context) ([]byte, error) {
	select {
	case b := <-lc.replies:
		return b, nil
	case <-lc.done:
		select {
		case b := <-lc.replies:
			return b, nil
		default:
			return nil, lc.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (lc *liveConn) close() error {
	lc.cancel()
	return lc.conn.Close()
}
