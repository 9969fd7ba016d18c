package mesh

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type link struct {
	id     string
	remote string
	conn   *websocket.Conn
	outbox chan []byte
}

// Accept upgrades an inbound request to a link and serves it until the link
// closes.
func (n *Node) Accept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: n.opts.OriginPatterns,
	})
	if err != nil {
		n.log.Warn("accept failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	n.serve(r.Context(), conn, r.RemoteAddr)
}

// Dial keeps an outbound link to url open. When the link drops it redials
// after RedialInterval. It returns once ctx is cancelled or the node closes.
func (n *Node) Dial(ctx context.Context, url string) error {
	for {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			n.log.Debug("dial failed", zap.String("url", url), zap.Error(err))
		} else {
			n.serve(ctx, conn, url)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-n.done:
			return nil
		case <-time.After(n.opts.RedialInterval):
		}
	}
}

func (n *Node) serve(ctx context.Context, conn *websocket.Conn, remote string) {
	conn.SetReadLimit(n.opts.ReadLimit)
	l := &link{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		outbox: make(chan []byte, n.opts.OutboxSize),
	}
	if !n.add(l) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	log := n.log.With(zap.String("peer", l.id), zap.String("remote", remote))
	log.Info("link up")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go n.writeLoop(ctx, l, log)

	n.handler.PeerConnected(l.id)
	err := n.readLoop(ctx, l)

	n.remove(l.id)
	n.handler.PeerDisconnected(l.id)
	conn.Close(websocket.StatusNormalClosure, "bye")

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("link closed")
	default:
		if errors.Is(err, context.Canceled) {
			log.Info("link closed")
			return
		}
		log.Warn("link lost", zap.Error(err))
	}
}

func (n *Node) readLoop(ctx context.Context, l *link) error {
	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			return err
		}
		n.handler.Receive(data, l.id)
	}
}

// writeLoop is the only writer on l.conn. It ends when the node closes the
// outbox or a write fails.
func (n *Node) writeLoop(ctx context.Context, l *link, log *zap.Logger) {
	for data := range l.outbox {
		wctx, cancel := context.WithTimeout(ctx, n.opts.WriteTimeout)
		err := l.conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			log.Warn("write failed", zap.Error(err))
			l.conn.Close(websocket.StatusInternalError, "write failed")
			return
		}
	}
}
