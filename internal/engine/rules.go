package engine

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidRules = errors.New("invalid rules")

// Alphabet leaves out letters few everyday objects start with.
const Alphabet = "ABCDEFGHIKLMNOPRSTUVW"

type Rules struct {
	MaxRounds    int
	RoundSeconds int
	TickInterval time.Duration
	AdvanceDelay time.Duration
	Alphabet     string
}

func DefaultRules() Rules {
	return Rules{
		MaxRounds:    5,
		RoundSeconds: 30,
		TickInterval: time.Second,
		AdvanceDelay: 1500 * time.Millisecond,
		Alphabet:     Alphabet,
	}
}

func (r Rules) Validate() error {
	switch {
	case r.MaxRounds < 1:
		return fmt.Errorf("%w: max rounds %d", ErrInvalidRules, r.MaxRounds)
	case r.RoundSeconds < 0:
		return fmt.Errorf("%w: round seconds %d", ErrInvalidRules, r.RoundSeconds)
	case r.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval %v", ErrInvalidRules, r.TickInterval)
	case r.AdvanceDelay < 0:
		return fmt.Errorf("%w: advance delay %v", ErrInvalidRules, r.AdvanceDelay)
	case r.Alphabet == "":
		return fmt.Errorf("%w: empty alphabet", ErrInvalidRules)
	}
	return nil
}

func PromptText(letter string) string {
	return "Find something starting with: \"" + letter + "\""
}
