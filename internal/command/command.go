package command

import (
	"errors"
	"fmt"
	"strings"
)

// Movement is one discrete drive action.
type Movement string

const (
	Forward  Movement = "FORWARD"
	Backward Movement = "BACKWARD"
	Left     Movement = "LEFT"
	Right    Movement = "RIGHT"
)

// Stop is the terminal token a decision engine may return instead of an empty
// action list.
const Stop = "STOP"

var ErrUnknownMovement = errors.New("unknown movement")

// Movements returns the full vocabulary in a stable order.
func Movements() []Movement {
	return []Movement{Forward, Backward, Left, Right}
}

func (m Movement) Valid() bool {
	switch m {
	case Forward, Backward, Left, Right:
		return true
	}
	return false
}

func (m Movement) String() string { return string(m) }

func normalize(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// ParseMovement accepts a single token in any case, with surrounding whitespace.
func ParseMovement(token string) (Movement, error) {
	m := Movement(normalize(token))
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMovement, token)
	}
	return m, nil
}

// Filter keeps the known movements from tokens in their original order.
// Unknown tokens are dropped without failing the batch.
func Filter(tokens []string) []Movement {
	moves := make([]Movement, 0, len(tokens))
	for _, token := range tokens {
		if m, err := ParseMovement(token); err == nil {
			moves = append(moves, m)
		}
	}
	return moves
}

// IsTerminal reports whether tokens carry the explicit stop token.
func IsTerminal(tokens []string) bool {
	for _, token := range tokens {
		if normalize(token) == Stop {
			return true
		}
	}
	return false
}
