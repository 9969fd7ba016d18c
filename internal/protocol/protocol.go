// Package protocol defines the messages peers exchange over the mesh and
// their JSON envelope.
//
// Every frame is a JSON object with a "type" discriminator:
//
//	{"type":"gamestate","state":{"round":1,"score":0,"currentLetter":"B","timeRemaining":30}}
//	{"type":"score","name":"alice","score":2}
//	{"type":"host","host":"alice"}
//	{"type":"players","players":["alice","bob"]}
//	{"type":"startGame"}
//	{"type":"gameOver","winner":"alice"}
//	{"type":"roundEnded","round":3,"name":"bob"}
//	{"type":"resetGame"}
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownType = errors.New("unknown message type")
var ErrMalformed = errors.New("malformed message")

type Type string

const (
	TypeGameState  Type = "gamestate"
	TypeScore      Type = "score"
	TypeHost       Type = "host"
	TypePlayers    Type = "players"
	TypeStartGame  Type = "startGame"
	TypeGameOver   Type = "gameOver"
	TypeRoundEnded Type = "roundEnded"
	TypeResetGame  Type = "resetGame"
)

// Message is one of the variants below. The set is closed.
type Message interface {
	Type() Type
	isMessage()
}

// GameState is the snapshot payload. Field names match the legacy wire format.
type GameState struct {
	Round         int    `json:"round"`
	Score         int    `json:"score"`
	CurrentLetter string `json:"currentLetter"`
	TimeRemaining int    `json:"timeRemaining"`
}

type GameStateSnapshot struct {
	State GameState
}

type ScoreUpdate struct {
	Name  string
	Score int
}

type HostAnnounce struct {
	Host string
}

type PlayerList struct {
	Players []string
}

type StartGame struct{}

type GameOver struct {
	Winner string
}

// RoundEnded tells peers that Name matched the prompt of Round.
type RoundEnded struct {
	Round int
	Name  string
}

type ResetGame struct{}

func (GameStateSnapshot) Type() Type { return TypeGameState }
func (ScoreUpdate) Type() Type       { return TypeScore }
func (HostAnnounce) Type() Type      { return TypeHost }
func (PlayerList) Type() Type        { return TypePlayers }
func (StartGame) Type() Type         { return TypeStartGame }
func (GameOver) Type() Type          { return TypeGameOver }
func (RoundEnded) Type() Type        { return TypeRoundEnded }
func (ResetGame) Type() Type         { return TypeResetGame }

func (GameStateSnapshot) isMessage() {}
func (ScoreUpdate) isMessage()       {}
func (HostAnnounce) isMessage()      {}
func (PlayerList) isMessage()        {}
func (StartGame) isMessage()         {}
func (GameOver) isMessage()          {}
func (RoundEnded) isMessage()        {}
func (ResetGame) isMessage()         {}

// envelope is the union of every field any variant puts on the wire.
// Pointers distinguish "absent" from zero values.
type envelope struct {
	Type    Type       `json:"type"`
	State   *GameState `json:"state,omitempty"`
	Name    *string    `json:"name,omitempty"`
	Score   *int       `json:"score,omitempty"`
	Host    *string    `json:"host,omitempty"`
	Players []string   `json:"players,omitempty"`
	Winner  *string    `json:"winner,omitempty"`
	Round   *int       `json:"round,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Type()}

	switch msg := m.(type) {
	case GameStateSnapshot:
		st := msg.State
		env.State = &st
	case ScoreUpdate:
		env.Name = &msg.Name
		env.Score = &msg.Score
	case HostAnnounce:
		env.Host = &msg.Host
	case PlayerList:
		// empty roster still encodes as an array
		env.Players = msg.Players
		if env.Players == nil {
			env.Players = []string{}
		}
		return json.Marshal(struct {
			Type    Type     `json:"type"`
			Players []string `json:"players"`
		}{env.Type, env.Players})
	case StartGame, ResetGame:
	case GameOver:
		env.Winner = &msg.Winner
	case RoundEnded:
		env.Round = &msg.Round
		env.Name = &msg.Name
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownType)
	}

	return json.Marshal(env)
}

// Decode reads the discriminator and returns the matching variant.
// Unknown types yield ErrUnknownType; callers are expected to ignore both
// that and ErrMalformed.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !known(head.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeGameState:
		if env.State == nil {
			return nil, fmt.Errorf("%w: gamestate without state", ErrMalformed)
		}
		return GameStateSnapshot{State: *env.State}, nil

	case TypeScore:
		if env.Name == nil || env.Score == nil {
			return nil, fmt.Errorf("%w: score needs name and score", ErrMalformed)
		}
		return ScoreUpdate{Name: *env.Name, Score: *env.Score}, nil

	case TypeHost:
		if env.Host == nil {
			return nil, fmt.Errorf("%w: host without host", ErrMalformed)
		}
		return HostAnnounce{Host: *env.Host}, nil

	case TypePlayers:
		if env.Players == nil {
			return PlayerList{Players: []string{}}, nil
		}
		return PlayerList{Players: env.Players}, nil

	case TypeStartGame:
		return StartGame{}, nil

	case TypeGameOver:
		if env.Winner == nil {
			return nil, fmt.Errorf("%w: gameOver without winner", ErrMalformed)
		}
		return GameOver{Winner: *env.Winner}, nil

	case TypeRoundEnded:
		if env.Round == nil {
			return nil, fmt.Errorf("%w: roundEnded without round", ErrMalformed)
		}
		msg := RoundEnded{Round: *env.Round}
		if env.Name != nil {
			msg.Name = *env.Name
		}
		return msg, nil

	case TypeResetGame:
		return ResetGame{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func known(t Type) bool {
	switch t {
	case TypeGameState, TypeScore, TypeHost, TypePlayers,
		TypeStartGame, TypeGameOver, TypeRoundEnded, TypeResetGame:
		return true
	}
	return false
}
