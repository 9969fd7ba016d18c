// Package roster keeps the scores of every player a peer has heard of.
package roster

import (
	"sort"
)

// NoWinner is proclaimed when nobody is on the roster.
const NoWinner = "DRAW"

type Standing struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Registry maps player names to scores. It is not safe for concurrent use;
// the session owns it.
type Registry struct {
	scores map[string]int
}

func New() *Registry {
	return &Registry{scores: make(map[string]int)}
}

// Set records score for name, replacing any previous value.
func (r *Registry) Set(name string, score int) {
	r.scores[name] = max(score, 0)
}

// Ensure adds name with score 0 unless it is already present. It reports
// whether the name was new.
func (r *Registry) Ensure(name string) bool {
	if _, ok := r.scores[name]; ok {
		return false
	}
	r.scores[name] = 0
	return true
}

func (r *Registry) Get(name string) (int, bool) {
	s, ok := r.scores[name]
	return s, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.scores[name]
	return ok
}

func (r *Registry) Len() int { return len(r.scores) }

// Names returns every known name in ascending order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.scores))
	for name := range r.scores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) ResetScores() {
	for name := range r.scores {
		r.scores[name] = 0
	}
}

// Leaderboard sorts by score, highest first. Equal scores are ordered by name.
func (r *Registry) Leaderboard() []Standing {
	out := make([]Standing, 0, len(r.scores))
	for name, score := range r.scores {
		out = append(out, Standing{Name: name, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Winner returns the top of the leaderboard. On a tie for the highest score
// the lexicographically smallest name wins.
func (r *Registry) Winner() (string, int) {
	board := r.Leaderboard()
	if len(board) == 0 {
		return NoWinner, 0
	}
	return board[0].Name, board[0].Score
}
