package agent

import "github.com/loqalabs/loqa-rover/internal/llm"

// Turn is one entry of the conversation sent to the decision engine.
type Turn struct {
	Role     string
	Text     string
	Image    []byte
	FrameSeq uint64
}

// History is a bounded, ordered list of turns. It has value semantics:
// Append returns a new History and never modifies the receiver, so a run can
// keep an earlier value to roll back to.
type History struct {
	limit int
	turns []Turn
}

func NewHistory(limit int) History {
	return History{limit: limit}
}

// Append adds t and evicts the oldest turns beyond the limit.
func (h History) Append(t Turn) History {
	turns := make([]Turn, 0, len(h.turns)+1)
	turns = append(turns, h.turns...)
	turns = append(turns, t)
	if h.limit > 0 && len(turns) > h.limit {
		turns = turns[len(turns)-h.limit:]
	}
	return History{limit: h.limit, turns: turns}
}

func (h History) Len() int { return len(h.turns) }

func (h History) Turns() []Turn {
	return append([]Turn(nil), h.turns...)
}

// Messages renders the history for the engine. Only the newest user turn
// carries its image; earlier turns are text only.
func (h History) Messages() []llm.Message {
	lastImage := -1
	for i, t := range h.turns {
		if t.Role == llm.RoleUser && len(t.Image) > 0 {
			lastImage = i
		}
	}
	msgs := make([]llm.Message, 0, len(h.turns))
	for i, t := range h.turns {
		msg := llm.Message{Role: t.Role, Content: t.Text}
		if i == lastImage {
			msg.Images = [][]byte{t.Image}
		}
		msgs = append(msgs, msg)
	}
	return msgs
}
