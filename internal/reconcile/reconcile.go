// Package reconcile merges what other peers broadcast into the local view.
//
// Every merge is idempotent and last-applied-wins, since peers only agree
// on the order of messages sent over a single link.
package reconcile

import (
	"github.com/DoyleJ11/propcall/internal/protocol"
	"github.com/DoyleJ11/propcall/internal/roster"
)

// StateSetter is the part of the round engine a snapshot is merged into.
type StateSetter interface {
	SetState(round, score int, currentLetter string, timeRemaining int) bool
}

// Snapshot overwrites round, prompt and timer with the remote values.
// localScore is passed through so the remote score never lands anywhere.
func Snapshot(e StateSetter, localScore int, msg protocol.GameStateSnapshot) bool {
	st := msg.State
	return e.SetState(st.Round, localScore, st.CurrentLetter, st.TimeRemaining)
}

// Score records a remote score. Updates naming self are dropped: only the
// local engine changes the local score.
func Score(reg *roster.Registry, self string, msg protocol.ScoreUpdate) bool {
	if msg.Name == "" || (self != "" && msg.Name == self) {
		return false
	}
	reg.Set(msg.Name, msg.Score)
	return true
}

// Players adds every unseen name with score 0 and returns how many were new.
func Players(reg *roster.Registry, msg protocol.PlayerList) int {
	added := 0
	for _, name := range msg.Players {
		if name == "" {
			continue
		}
		if reg.Ensure(name) {
			added++
		}
	}
	return added
}

// Host decides the host after an announce for announced arrives.
//
// Without tiebreak the announce always wins. With tiebreak a peer that
// currently is host keeps the role against a lexicographically greater id
// and answers with its own announce.
func Host(current, announced, self string, tiebreak bool) (host string, reannounce bool) {
	if announced == "" {
		return current, false
	}
	if tiebreak && self != "" && current == self && announced != self && self < announced {
		return self, true
	}
	return announced, false
}
