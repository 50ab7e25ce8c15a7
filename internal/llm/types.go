package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loqalabs/loqa-rover/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn. Images are raw JPEG bytes.
type Message struct {
	Role    string
	Content string
	Images  [][]byte
}

// Request describes one decision prompt.
type Request struct {
	RunID       string
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	RunID            string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Completion is the accumulated result of a streamed generation.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable decision backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

var ErrEmptyCompletion = errors.New("model returned no content")

// Collect runs g and concatenates every chunk.
func Collect(ctx context.Context, g Generator, req Request) (Completion, error) {
	var (
		sb  strings.Builder
		out Completion
	)
	start := time.Now()
	err := g.Generate(ctx, req, func(c Chunk) error {
		sb.WriteString(c.Content)
		if c.PromptTokens > 0 {
			out.PromptTokens = c.PromptTokens
		}
		if c.CompletionTokens > 0 {
			out.CompletionTokens = c.CompletionTokens
		}
		return nil
	})
	out.Latency = time.Since(start)
	if err != nil {
		return out, err
	}
	out.Content = sb.String()
	if strings.TrimSpace(out.Content) == "" {
		return out, ErrEmptyCompletion
	}
	return out, nil
}

// RequestFromConfig fills model options from config.
func RequestFromConfig(cfg config.LLMConfig) Request {
	return Request{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// FromConfig selects the backend named by cfg.Mode.
func FromConfig(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(cfg.MockSteps), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	}
	return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
}
