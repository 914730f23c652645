package llm

import (
	"context"
	"strings"
)

// Mock is a deterministic Generator for tests and offline runs.
type Mock struct {
	Reply   string
	Err     error
	Prompts []string
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Generate(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	m.Prompts = append(m.Prompts, prompt)
	if m.Err != nil {
		return "", m.Err
	}

	text := m.Reply
	if text == "" {
		text = "mock reply"
	}
	if onDelta != nil {
		// Emit word-sized deltas so streaming consumers get exercised.
		for _, word := range strings.SplitAfter(text, " ") {
			if err := onDelta(word); err != nil {
				return "", err
			}
		}
	}
	return text, nil
}
