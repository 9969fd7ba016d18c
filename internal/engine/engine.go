package engine

import (
	"math/rand/v2"
	"time"

	"github.com/DoyleJ11/propcall/internal/clock"
)

type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseRunning     Phase = "running"
	PhaseRoundEnding Phase = "roundEnding"
	PhaseGameOver    Phase = "gameOver"
)

type State struct {
	Phase              Phase  `json:"phase"`
	Round              int    `json:"round"`
	Score              int    `json:"score"`
	CurrentLetter      string `json:"currentLetter"`
	TimeRemaining      int    `json:"timeRemaining"`
	RoundEnded         bool   `json:"roundEnded"`
	LastEndedByTimeout bool   `json:"lastEndedByTimeout"`
	GameOver           bool   `json:"gameOver"`
}

type EventType string

const (
	EvtRoundStarted  EventType = "RoundStarted"
	EvtRoundEnded    EventType = "RoundEnded"
	EvtRoundTimedOut EventType = "RoundTimedOut"
	EvtGameOver      EventType = "GameOver"
)

/*
	StartGame / StartNewRound -> EvtRoundStarted, or EvtGameOver once MaxRounds is reached
	tick at 0                 -> EvtRoundTimedOut (Auto), then after AdvanceDelay StartNewRound (Auto)
	EndRound                  -> EvtRoundEnded
	SetState, MarkGameOver    -> no events, they mirror what another peer already announced
*/

type Event struct {
	Type EventType
	// Auto is set when the timer raised the event rather than a caller.
	Auto  bool
	State State
}

type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Engine runs the rounds of one game on a single peer.
//
// An Engine is not safe for concurrent use. Callbacks from its clock must
// arrive on the same goroutine that calls its methods.
type Engine struct {
	rules Rules
	clock clock.Clock
	obs   Observer
	rng   *rand.Rand

	state State

	// gen invalidates callbacks from timers that were replaced or stopped.
	gen           int
	cancelTick    clock.Cancel
	cancelAdvance clock.Cancel
}

type Option func(*Engine)

func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

func New(rules Rules, clk clock.Clock, obs Observer, opts ...Option) (*Engine, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	if obs == nil {
		obs = ObserverFunc(func(Event) {})
	}

	e := &Engine{
		rules: rules,
		clock: clk,
		obs:   obs,
		rng:   rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
		state: State{Phase: PhaseIdle},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) State() State { return e.state }

func (e *Engine) Rules() Rules { return e.rules }

func (e *Engine) PromptText() string { return PromptText(e.state.CurrentLetter) }

func (e *Engine) StartGame() {
	e.halt()
	e.state.Score = 0
	e.state.Round = 0
	e.state.GameOver = false
	e.startNewRound(false)
}

func (e *Engine) StartNewRound() { e.startNewRound(false) }

func (e *Engine) startNewRound(auto bool) {
	e.halt()

	if e.state.Round >= e.rules.MaxRounds {
		e.state.GameOver = true
		e.state.Phase = PhaseGameOver
		e.emit(EvtGameOver, auto)
		return
	}

	e.state.CurrentLetter = e.randomLetter()
	e.state.TimeRemaining = e.rules.RoundSeconds
	e.state.RoundEnded = false
	e.state.LastEndedByTimeout = false
	e.state.Phase = PhaseRunning
	e.startTicker()
	e.state.Round++

	e.emit(EvtRoundStarted, auto)
}

func (e *Engine) tick() {
	if e.state.TimeRemaining > 0 {
		e.state.TimeRemaining--
		return
	}

	e.halt()
	e.state.RoundEnded = true
	e.state.LastEndedByTimeout = true
	e.state.Phase = PhaseRoundEnding

	// Scheduled before emitting so an observer calling Stop cancels it.
	gen := e.gen
	e.cancelAdvance = e.clock.After(e.rules.AdvanceDelay, func() {
		if gen != e.gen {
			return
		}
		e.cancelAdvance = nil
		e.startNewRound(true)
	})

	e.emit(EvtRoundTimedOut, true)
}

// EndRound stops the current round after a successful match. The next round
// only starts when a caller asks for it.
func (e *Engine) EndRound() {
	if e.state.Phase != PhaseRunning && e.state.Phase != PhaseRoundEnding {
		return
	}
	e.halt()
	e.state.RoundEnded = true
	e.state.LastEndedByTimeout = false
	e.state.Phase = PhaseRoundEnding
	e.emit(EvtRoundEnded, false)
}

// IncrementScoreAndNextRound awards the local player a point and moves on.
// onComplete runs after the new round is set up, so anything it broadcasts
// carries the new prompt.
func (e *Engine) IncrementScoreAndNextRound(onComplete func()) {
	e.state.Score++
	e.state.LastEndedByTimeout = false
	e.startNewRound(false)
	if onComplete != nil {
		onComplete()
	}
}

// Stop halts the ticker and any pending automatic advance. Round fields are
// left as they are.
func (e *Engine) Stop() { e.halt() }

// SetState applies a snapshot from another peer. round, currentLetter and
// timeRemaining overwrite the local values; score is ignored because each
// peer owns its own score.
//
// Snapshots for an earlier round are dropped. A snapshot for a later round
// replaces the local round and restarts the ticker for it.
func (e *Engine) SetState(round, score int, currentLetter string, timeRemaining int) bool {
	_ = score

	if round < e.state.Round {
		return false
	}
	advanced := round > e.state.Round

	e.state.Round = round
	e.state.CurrentLetter = currentLetter
	e.state.TimeRemaining = max(timeRemaining, 0)

	if advanced && !e.state.GameOver {
		e.halt()
		e.state.RoundEnded = false
		e.state.LastEndedByTimeout = false
		e.state.Phase = PhaseRunning
		e.startTicker()
	}
	return true
}

func (e *Engine) MarkGameOver() {
	e.halt()
	e.state.GameOver = true
	e.state.RoundEnded = true
	e.state.Phase = PhaseGameOver
}

// Reset returns to the lobby: idle, round 0, score 0.
func (e *Engine) Reset() {
	e.halt()
	e.state = State{Phase: PhaseIdle}
}

func (e *Engine) startTicker() {
	gen := e.gen
	e.cancelTick = e.clock.Every(e.rules.TickInterval, func() {
		if gen != e.gen || e.state.Phase != PhaseRunning {
			return
		}
		e.tick()
	})
}

func (e *Engine) halt() {
	e.gen++
	if e.cancelTick != nil {
		e.cancelTick()
		e.cancelTick = nil
	}
	if e.cancelAdvance != nil {
		e.cancelAdvance()
		e.cancelAdvance = nil
	}
}

func (e *Engine) emit(t EventType, auto bool) {
	e.obs.OnEvent(Event{Type: t, Auto: auto, State: e.state})
}

func (e *Engine) randomLetter() string {
	letters := []rune(e.rules.Alphabet)
	return string(letters[e.rng.IntN(len(letters))])
}
