package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/DoyleJ11/propcall/internal/roster"
	"github.com/DoyleJ11/propcall/internal/session"
)

// Game is the local session as the HTTP surface sees it.
type Game interface {
	Join(name string) error
	StartGame() bool
	ReportMatch() bool
	CheckMatch(detectedLabel, spokenText string) bool
	Reset() error
	View() (session.View, error)
}

type joinRequest struct {
	Name string `json:"name"`
}

type matchRequest struct {
	DetectedLabel string `json:"detectedLabel"`
	SpokenText    string `json:"spokenText"`
	// Matched reports a match found by the caller, skipping the comparison.
	Matched bool `json:"matched"`
}

type leaderboardResponse struct {
	Standings []roster.Standing `json:"standings"`
	Winner    string            `json:"winner,omitempty"`
}

func Join(g Game) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		if err := g.Join(req.Name); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeView(w, g)
	}
}

func Start(g Game) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Started bool `json:"started"`
		}{Started: g.StartGame()})
	}
}

func Match(g Game) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req matchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}

		var accepted bool
		if req.Matched {
			accepted = g.ReportMatch()
		} else {
			accepted = g.CheckMatch(req.DetectedLabel, req.SpokenText)
		}
		writeJSON(w, http.StatusOK, struct {
			Accepted bool `json:"accepted"`
		}{Accepted: accepted})
	}
}

func Reset(g Game) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.Reset(); err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeView(w, g)
	}
}

func State(g Game) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeView(w, g)
	}
}

func Leaderboard(g Game) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := g.View()
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, leaderboardResponse{Standings: v.Leaderboard, Winner: v.Winner})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeView(w http.ResponseWriter, g Game) {
	v, err := g.View()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNameTaken), errors.Is(err, session.ErrAlreadyJoined):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyName):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
