package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var mockMoves = []string{"forward", "left", "forward", "right", "backward"}

// mockGenerator scripts a short drive per run and then declares the goal met.
type mockGenerator struct {
	steps int
	mu    sync.Mutex
	turns map[string]int
}

func NewMockGenerator(steps int) Generator {
	if steps < 1 {
		steps = 1
	}
	return &mockGenerator{steps: steps, turns: make(map[string]int)}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	m.mu.Lock()
	turn := m.turns[req.RunID]
	m.turns[req.RunID] = turn + 1
	if turn+1 >= m.steps {
		delete(m.turns, req.RunID)
	}
	m.mu.Unlock()

	var content string
	if turn+1 >= m.steps {
		content = `{"thought": "mock: goal reached", "actions": []}`
	} else {
		move := mockMoves[turn%len(mockMoves)]
		content = fmt.Sprintf(`{"thought": "mock: step %d, path looks clear", "actions": [%q]}`, turn+1, move)
	}
	return consumer(Chunk{
		RunID:   req.RunID,
		Content: content,
		Partial: false,
		Latency: 20 * time.Millisecond,
		TraceID: req.TraceID,
	})
}
