package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/DoyleJ11/propcall/internal/engine"
	"github.com/DoyleJ11/propcall/internal/match"
	"github.com/DoyleJ11/propcall/internal/protocol"
	"github.com/DoyleJ11/propcall/internal/reconcile"
	"go.uber.org/zap"
)

const recordTimeout = 5 * time.Second

func (s *Session) isHost() bool {
	return s.self != "" && s.host == s.self
}

func (s *Session) join(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if s.self != "" && name != s.self {
		return fmt.Errorf("join %q as %q: %w", s.self, name, ErrAlreadyJoined)
	}
	if name != s.self && s.reg.Has(name) {
		return fmt.Errorf("join %q: %w", name, ErrNameTaken)
	}

	s.self = name
	s.reg.Ensure(name)
	s.log.Info("joined", zap.String("player", name))

	if s.host == "" {
		s.host = name
		s.log.Info("no host known, taking the role", zap.String("host", name))
		s.broadcast(protocol.HostAnnounce{Host: name})
	}
	s.broadcast(s.ownScore())
	return nil
}

// onPeerConnected brings a newly connected peer up to date. Only the host
// sends the roster and round state.
func (s *Session) onPeerConnected(peer string) {
	s.log.Info("peer connected", zap.String("peer", peer))
	to := []string{peer}

	if s.host != "" {
		s.sendTo(protocol.HostAnnounce{Host: s.host}, to)
	}
	if s.self != "" {
		s.sendTo(s.ownScore(), to)
	}
	if s.isHost() {
		s.sendTo(protocol.PlayerList{Players: s.reg.Names()}, to)
		phase := s.eng.State().Phase
		if phase != engine.PhaseIdle {
			s.sendTo(s.snapshot(), to)
		}
		// Without the result a late joiner would run the final round again.
		if phase == engine.PhaseGameOver {
			s.sendTo(protocol.GameOver{Winner: s.finalWinner()}, to)
		}
	}
}

func (s *Session) receive(data []byte, from string) {
	m, err := protocol.Decode(data)
	if err != nil {
		s.log.Debug("ignoring payload", zap.String("peer", from), zap.Error(err))
		return
	}

	switch msg := m.(type) {
	case protocol.GameStateSnapshot:
		if !reconcile.Snapshot(s.eng, s.eng.State().Score, msg) {
			s.log.Debug("dropped stale snapshot",
				zap.Int("round", msg.State.Round), zap.Int("local_round", s.eng.State().Round))
		}

	case protocol.ScoreUpdate:
		reconcile.Score(s.reg, s.self, msg)

	case protocol.PlayerList:
		if n := reconcile.Players(s.reg, msg); n > 0 {
			s.log.Debug("learned players", zap.Int("added", n))
		}

	case protocol.HostAnnounce:
		host, reannounce := reconcile.Host(s.host, msg.Host, s.self, s.cfg.HostTiebreak)
		if host != s.host {
			s.log.Info("host changed", zap.String("from", s.host), zap.String("to", host))
		}
		s.host = host
		s.reg.Ensure(host)
		if reannounce {
			s.broadcast(protocol.HostAnnounce{Host: s.self})
		}

	case protocol.StartGame:
		s.beginGame()

	case protocol.GameOver:
		s.eng.MarkGameOver()
		s.finish(msg.Winner)

	case protocol.RoundEnded:
		if msg.Name != "" {
			s.reg.Ensure(msg.Name)
		}
		st := s.eng.State()
		if st.Round == msg.Round && st.Phase == engine.PhaseRunning {
			s.eng.EndRound()
		}

	case protocol.ResetGame:
		s.resetLocal()
	}
}

func (s *Session) startGameCommand() bool {
	if !s.isHost() {
		s.log.Debug("start ignored, not host", zap.String("host", s.host))
		return false
	}
	s.broadcast(protocol.StartGame{})
	s.beginGame()
	return true
}

// beginGame starts the local engine. The host follows up with the round
// state so every peer plays the same prompt.
func (s *Session) beginGame() {
	s.winner = ""
	s.recorded = false
	s.reg.ResetScores()
	s.eng.StartGame()
	s.log.Info("game started", zap.String("letter", s.eng.State().CurrentLetter))

	if s.isHost() {
		s.broadcast(s.snapshot())
	}
}

func (s *Session) reportMatch() bool {
	st := s.eng.State()
	if s.self == "" || st.Phase != engine.PhaseRunning || st.RoundEnded {
		return false
	}

	s.eng.EndRound()
	s.broadcast(protocol.RoundEnded{Round: st.Round, Name: s.self})

	s.eng.IncrementScoreAndNextRound(func() {
		if s.eng.State().GameOver {
			// the game over event already sent score and winner
			return
		}
		s.broadcast(s.snapshot())
		s.broadcast(s.ownScore())
	})
	return true
}

func (s *Session) checkMatch(detected, spoken string) bool {
	if !match.Matches(s.eng.State().CurrentLetter, detected, spoken) {
		return false
	}
	return s.reportMatch()
}

func (s *Session) resetCommand() {
	s.resetLocal()
	s.broadcast(s.ownScore())
	s.broadcast(protocol.ResetGame{})
}

func (s *Session) resetLocal() {
	s.eng.Reset()
	s.reg.ResetScores()
	s.winner = ""
	s.recorded = false
}

func (s *Session) onEngineEvent(ev engine.Event) {
	if s.self != "" {
		s.reg.Set(s.self, ev.State.Score)
	}

	switch ev.Type {
	case engine.EvtRoundStarted, engine.EvtRoundTimedOut:
		// Caller-driven rounds are broadcast by the caller.
		if ev.Auto && s.isHost() {
			s.broadcast(s.snapshot())
		}

	case engine.EvtGameOver:
		// A timeout ends the game on every device at once; only the host
		// proclaims that one. A local match ends it here first.
		if ev.Auto && !s.isHost() {
			return
		}
		winner, score := s.reg.Winner()
		s.log.Info("game over", zap.String("winner", winner), zap.Int("score", score))
		if s.self != "" {
			s.broadcast(s.ownScore())
		}
		s.broadcast(protocol.GameOver{Winner: winner})
		s.finish(winner)
	}
}

// finish stores the proclaimed winner. The first winner of a game goes to
// the result sink.
func (s *Session) finish(winner string) {
	s.winner = winner
	if s.recorded || s.cfg.Results == nil {
		return
	}
	s.recorded = true

	res := Result{
		Winner:     winner,
		Rounds:     s.eng.State().Round,
		Standings:  s.reg.Leaderboard(),
		FinishedAt: time.Now().UTC(),
	}
	sink := s.cfg.Results
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := sink.Record(ctx, res); err != nil {
			s.log.Warn("recording result failed", zap.Error(err))
		}
	}()
}

func (s *Session) finalWinner() string {
	if s.winner != "" {
		return s.winner
	}
	winner, _ := s.reg.Winner()
	return winner
}

func (s *Session) repairRoster() {
	if !s.isHost() {
		return
	}
	s.broadcast(protocol.HostAnnounce{Host: s.self})
	s.broadcast(protocol.PlayerList{Players: s.reg.Names()})
}

func (s *Session) ownScore() protocol.ScoreUpdate {
	return protocol.ScoreUpdate{Name: s.self, Score: s.eng.State().Score}
}

func (s *Session) snapshot() protocol.GameStateSnapshot {
	st := s.eng.State()
	return protocol.GameStateSnapshot{State: protocol.GameState{
		Round:         st.Round,
		Score:         st.Score,
		CurrentLetter: st.CurrentLetter,
		TimeRemaining: st.TimeRemaining,
	}}
}

// broadcast sends m to every connected peer. With no peers it does nothing.
func (s *Session) broadcast(m protocol.Message) {
	if s.tr == nil {
		return
	}
	peers := s.tr.Peers()
	if len(peers) == 0 {
		return
	}
	s.sendTo(m, peers)
}

// sendTo never retries. Peers that miss a frame catch up from the host's
// next snapshot or roster broadcast.
func (s *Session) sendTo(m protocol.Message, peers []string) {
	if s.tr == nil || len(peers) == 0 {
		return
	}
	data, err := protocol.Encode(m)
	if err != nil {
		s.log.Error("encode failed", zap.String("type", string(m.Type())), zap.Error(err))
		return
	}
	if err := s.tr.Send(data, peers); err != nil {
		s.log.Warn("send failed",
			zap.String("type", string(m.Type())), zap.Strings("peers", peers), zap.Error(err))
	}
}
