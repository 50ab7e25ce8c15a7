package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-rover/internal/command"
)

var ErrUnparseable = errors.New("unparseable decision")

// Decision is the structured reply expected from the engine.
type Decision struct {
	Thought string   `json:"thought"`
	Actions []string `json:"actions"`
}

// Completed reports whether the engine signalled that the goal is reached:
// an empty action list or an explicit STOP token.
func (d Decision) Completed() bool {
	return len(d.Actions) == 0 || command.IsTerminal(d.Actions)
}

// ExtractJSON returns the text between the first '{' and the last '}'.
func ExtractJSON(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// ParseDecision extracts and strictly decodes the engine reply. The actions
// key must be present. It also returns the extracted JSON text.
func ParseDecision(raw string) (Decision, string, error) {
	body, ok := ExtractJSON(raw)
	if !ok {
		return Decision{}, "", fmt.Errorf("%w: no JSON object in reply", ErrUnparseable)
	}
	var wire struct {
		Thought string    `json:"thought"`
		Actions *[]string `json:"actions"`
	}
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return Decision{}, body, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	if wire.Actions == nil {
		return Decision{}, body, fmt.Errorf("%w: missing actions", ErrUnparseable)
	}
	return Decision{Thought: wire.Thought, Actions: *wire.Actions}, body, nil
}
