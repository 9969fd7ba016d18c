// Package session is the per-device controller of the peer mesh: it owns
// the roster, the host id and the round engine, and applies every incoming
// message and timer callback on a single loop goroutine.
package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/DoyleJ11/propcall/internal/clock"
	"github.com/DoyleJ11/propcall/internal/engine"
	"github.com/DoyleJ11/propcall/internal/roster"
	"go.uber.org/zap"
)

var ErrNameTaken = errors.New("name already taken")
var ErrEmptyName = errors.New("name must not be empty")
var ErrClosed = errors.New("session closed")
var ErrAlreadyJoined = errors.New("already joined under another name")

// Transport sends frames to other peers. Delivery on each link is reliable
// and ordered; nothing is promised across links.
type Transport interface {
	Send(data []byte, to []string) error
	Peers() []string
}

type Result struct {
	Winner     string
	Rounds     int
	Standings  []roster.Standing
	FinishedAt time.Time
}

// ResultSink receives each finished game once, off the session loop.
type ResultSink interface {
	Record(ctx context.Context, r Result) error
}

type Config struct {
	Rules engine.Rules
	Clock clock.Clock
	// RosterInterval is how often the host re-broadcasts the host id and
	// player list. Zero disables it.
	RosterInterval time.Duration
	// HostTiebreak makes a host keep its role against announces from
	// lexicographically greater ids.
	HostTiebreak bool
	Logger       *zap.Logger
	Results      ResultSink
	Rand         *rand.Rand
}

func DefaultConfig() Config {
	return Config{
		Rules:          engine.DefaultRules(),
		Clock:          clock.Real{},
		RosterInterval: 5 * time.Second,
	}
}

type View struct {
	Self        string            `json:"self"`
	Host        string            `json:"host"`
	IsHost      bool              `json:"isHost"`
	Peers       int               `json:"peers"`
	State       engine.State      `json:"state"`
	Prompt      string            `json:"prompt"`
	Leaderboard []roster.Standing `json:"leaderboard"`
	Winner      string            `json:"winner,omitempty"`
}

type msg interface{ isSessionMsg() }

type join struct {
	name  string
	reply chan<- error
}

type peerConnected struct{ peer string }

type peerDisconnected struct{ peer string }

type received struct {
	data []byte
	from string
}

type startCommand struct{ reply chan<- bool }

type reportMatch struct{ reply chan<- bool }

type checkMatch struct {
	detected, spoken string
	reply            chan<- bool
}

type resetCommand struct{ reply chan<- struct{} }

type getView struct{ reply chan<- View }

// run carries a timer callback onto the loop.
type run struct{ fn func() }

func (join) isSessionMsg()             {}
func (peerConnected) isSessionMsg()    {}
func (peerDisconnected) isSessionMsg() {}
func (received) isSessionMsg()         {}
func (startCommand) isSessionMsg()     {}
func (reportMatch) isSessionMsg()      {}
func (checkMatch) isSessionMsg()       {}
func (resetCommand) isSessionMsg()     {}
func (getView) isSessionMsg()          {}
func (run) isSessionMsg()              {}

type Session struct {
	inbox  chan msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cfg Config
	log *zap.Logger
	tr  Transport

	// Everything below is only touched by the loop goroutine.
	self       string
	host       string
	reg        *roster.Registry
	eng        *engine.Engine
	winner     string
	recorded   bool
	stopRoster clock.Cancel
}

func New(parent context.Context, cfg Config, tr Transport) (*Session, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		inbox:  make(chan msg, 64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		cfg:    cfg,
		log:    logger.With(zap.String("component", "session")),
		tr:     tr,
		reg:    roster.New(),
	}

	clk := loopClock{inner: cfg.Clock, post: s.post}
	var opts []engine.Option
	if cfg.Rand != nil {
		opts = append(opts, engine.WithRand(cfg.Rand))
	}
	eng, err := engine.New(cfg.Rules, clk, engine.ObserverFunc(s.onEngineEvent), opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	s.eng = eng

	if cfg.RosterInterval > 0 {
		s.stopRoster = clk.Every(cfg.RosterInterval, s.repairRoster)
	}

	go s.loop()
	return s, nil
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case join:
				msg.reply <- s.join(msg.name)

			case peerConnected:
				s.onPeerConnected(msg.peer)

			case peerDisconnected:
				s.log.Info("peer disconnected", zap.String("peer", msg.peer))

			case received:
				s.receive(msg.data, msg.from)

			case startCommand:
				msg.reply <- s.startGameCommand()

			case reportMatch:
				msg.reply <- s.reportMatch()

			case checkMatch:
				msg.reply <- s.checkMatch(msg.detected, msg.spoken)

			case resetCommand:
				s.resetCommand()
				msg.reply <- struct{}{}

			case getView:
				msg.reply <- s.view()

			case run:
				msg.fn()
			}
		}
	}
}

func (s *Session) shutdown() {
	if s.stopRoster != nil {
		s.stopRoster()
	}
	s.eng.Stop()
	s.cancel()
}

// post queues a message for the loop. It gives up once the session is closed.
func (s *Session) post(fn func()) {
	s.enqueue(run{fn: fn})
}

func (s *Session) enqueue(m msg) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.done:
		return false
	}
}

func ask[T any](s *Session, build func(reply chan<- T) msg) (T, error) {
	var zero T
	reply := make(chan T, 1)
	if !s.enqueue(build(reply)) {
		return zero, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-s.done:
		select {
		case v := <-reply:
			return v, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Join registers the local player. If no host is known yet the local
// player becomes host. A joined session keeps its name; joining again
// under another one fails with ErrAlreadyJoined.
func (s *Session) Join(name string) error {
	joinErr, err := ask(s, func(r chan<- error) msg { return join{name: name, reply: r} })
	if err != nil {
		return err
	}
	return joinErr
}

// StartGame starts a game for everyone. Only the host can do this; for
// anyone else it does nothing and returns false.
func (s *Session) StartGame() bool {
	ok, _ := ask(s, func(r chan<- bool) msg { return startCommand{reply: r} })
	return ok
}

// ReportMatch tells the session the local player found a match for the
// current prompt. It returns false when no round is in play.
func (s *Session) ReportMatch() bool {
	ok, _ := ask(s, func(r chan<- bool) msg { return reportMatch{reply: r} })
	return ok
}

// CheckMatch compares the collaborator inputs against the current prompt
// and reports a match when both fit.
func (s *Session) CheckMatch(detectedLabel, spokenText string) bool {
	ok, _ := ask(s, func(r chan<- bool) msg {
		return checkMatch{detected: detectedLabel, spoken: spokenText, reply: r}
	})
	return ok
}

// Reset takes everyone back to the lobby.
func (s *Session) Reset() error {
	_, err := ask(s, func(r chan<- struct{}) msg { return resetCommand{reply: r} })
	return err
}

func (s *Session) View() (View, error) {
	return ask(s, func(r chan<- View) msg { return getView{reply: r} })
}

// PeerConnected, PeerDisconnected and Receive are the transport callbacks.
// They return immediately; the work happens on the loop.

func (s *Session) PeerConnected(peer string) { s.enqueue(peerConnected{peer: peer}) }

func (s *Session) PeerDisconnected(peer string) { s.enqueue(peerDisconnected{peer: peer}) }

func (s *Session) Receive(data []byte, from string) {
	s.enqueue(received{data: data, from: from})
}

func (s *Session) Close() {
	s.cancel()
	<-s.done
}

func (s *Session) view() View {
	st := s.eng.State()
	v := View{
		Self:        s.self,
		Host:        s.host,
		IsHost:      s.isHost(),
		State:       st,
		Leaderboard: s.reg.Leaderboard(),
		Winner:      s.winner,
	}
	if s.tr != nil {
		v.Peers = len(s.tr.Peers())
	}
	if st.CurrentLetter != "" {
		v.Prompt = engine.PromptText(st.CurrentLetter)
	}
	return v
}

// loopClock runs clock callbacks on the session loop.
type loopClock struct {
	inner clock.Clock
	post  func(func())
}

func (c loopClock) Every(d time.Duration, fn func()) clock.Cancel {
	return c.inner.Every(d, func() { c.post(fn) })
}

func (c loopClock) After(d time.Duration, fn func()) clock.Cancel {
	return c.inner.After(d, func() { c.post(fn) })
}
