// Package mesh links peers with WebSockets. Each link delivers frames
// reliably and in order; there is no ordering across links.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var ErrClosed = errors.New("mesh closed")
var ErrUnknownPeer = errors.New("unknown peer")
var ErrSlowPeer = errors.New("peer outbox full")

// Handler receives link events. Callbacks run on link goroutines and may
// be concurrent with each other.
type Handler interface {
	PeerConnected(peer string)
	PeerDisconnected(peer string)
	Receive(data []byte, from string)
}

type Options struct {
	OutboxSize     int
	WriteTimeout   time.Duration
	RedialInterval time.Duration
	ReadLimit      int64
	// OriginPatterns is passed to websocket.Accept. Peers that are not
	// browsers send no Origin header and are always accepted.
	OriginPatterns []string
	Logger         *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		OutboxSize:     32,
		WriteTimeout:   3 * time.Second,
		RedialInterval: 2 * time.Second,
		ReadLimit:      64 << 10,
	}
}

type nodeMsg interface{ isNodeMsg() }

type addLink struct {
	l     *link
	reply chan bool
}

type removeLink struct{ id string }

type sendFrame struct {
	data  []byte
	to    []string
	reply chan error
}

type listPeers struct{ reply chan []string }

type closeAll struct{ reply chan []*link }

func (addLink) isNodeMsg()    {}
func (removeLink) isNodeMsg() {}
func (sendFrame) isNodeMsg()  {}
func (listPeers) isNodeMsg()  {}
func (closeAll) isNodeMsg()   {}

// Node owns every link of the local peer. The link registry lives on its
// loop goroutine.
type Node struct {
	inbox   chan nodeMsg
	links   map[string]*link
	handler Handler
	opts    Options
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewNode(parent context.Context, handler Handler, opts Options) *Node {
	def := DefaultOptions()
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = def.OutboxSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.RedialInterval <= 0 {
		opts.RedialInterval = def.RedialInterval
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = def.ReadLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	n := &Node{
		inbox:   make(chan nodeMsg, 64),
		links:   make(map[string]*link),
		handler: handler,
		opts:    opts,
		log:     logger.With(zap.String("component", "mesh")),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go n.loop()
	return n
}

func (n *Node) loop() {
	defer close(n.done)
	for {
		select {
		case <-n.ctx.Done():
			for id, l := range n.links {
				n.drop(id, l, websocket.StatusGoingAway, "shutting down")
			}
			return

		case m := <-n.inbox:
			switch msg := m.(type) {
			case addLink:
				n.links[msg.l.id] = msg.l
				msg.reply <- true

			case removeLink:
				if l, ok := n.links[msg.id]; ok {
					delete(n.links, msg.id)
					close(l.outbox)
				}

			case sendFrame:
				msg.reply <- n.send(msg.data, msg.to)

			case listPeers:
				ids := make([]string, 0, len(n.links))
				for id := range n.links {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				msg.reply <- ids

			case closeAll:
				out := make([]*link, 0, len(n.links))
				for id, l := range n.links {
					delete(n.links, id)
					close(l.outbox)
					out = append(out, l)
				}
				msg.reply <- out
				n.cancel()
				return
			}
		}
	}
}

func (n *Node) send(data []byte, to []string) error {
	var errs error
	for _, id := range to {
		l, ok := n.links[id]
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrUnknownPeer, id))
			continue
		}
		select {
		case l.outbox <- data:
			//ok
		default:
			// Peer is slow/full - drop it. It resyncs when it reconnects.
			n.drop(id, l, websocket.StatusPolicyViolation, "outbox full")
			errs = multierr.Append(errs, fmt.Errorf("%w: %s", ErrSlowPeer, id))
		}
	}
	return errs
}

// drop forgets a link and closes its connection off the loop.
func (n *Node) drop(id string, l *link, code websocket.StatusCode, reason string) {
	delete(n.links, id)
	close(l.outbox)
	n.log.Warn("dropping link", zap.String("peer", id), zap.String("reason", reason))
	go l.conn.Close(code, reason)
}

func (n *Node) enqueue(m nodeMsg) bool {
	select {
	case <-n.done:
		return false
	default:
	}
	select {
	case n.inbox <- m:
		return true
	case <-n.done:
		return false
	}
}

func (n *Node) add(l *link) bool {
	reply := make(chan bool, 1)
	if !n.enqueue(addLink{l: l, reply: reply}) {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-n.done:
		return false
	}
}

func (n *Node) remove(id string) { n.enqueue(removeLink{id: id}) }

// Send queues data on every link in to. Frames for one link are written in
// the order Send was called.
func (n *Node) Send(data []byte, to []string) error {
	reply := make(chan error, 1)
	if !n.enqueue(sendFrame{data: data, to: to, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-n.done:
		return ErrClosed
	}
}

// Peers lists the ids of the open links.
func (n *Node) Peers() []string {
	reply := make(chan []string, 1)
	if !n.enqueue(listPeers{reply: reply}) {
		return nil
	}
	select {
	case ids := <-reply:
		return ids
	case <-n.done:
		return nil
	}
}

// Close closes every link and stops the node.
func (n *Node) Close() error {
	reply := make(chan []*link, 1)
	if !n.enqueue(closeAll{reply: reply}) {
		return nil
	}

	var links []*link
	select {
	case links = <-reply:
	case <-n.done:
		return nil
	}

	var errs error
	for _, l := range links {
		errs = multierr.Append(errs, l.conn.Close(websocket.StatusGoingAway, "shutting down"))
	}
	return errs
}
