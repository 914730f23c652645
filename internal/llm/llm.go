package llm

import "context"

// DeltaHandler receives streaming text fragments as the model produces them.
type DeltaHandler func(delta string) error

// Generator produces text from a prompt via the external model runtime.
// A failure here is terminal for the turn.
type Generator interface {
	Generate(ctx context.Context, prompt string, onDelta DeltaHandler) (string, error)
}
