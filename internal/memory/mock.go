package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Mock is a scriptable in-process Store for tests and offline runs.
type Mock struct {
	mu          sync.Mutex
	Matches     []Match
	RetrieveErr error
	SaveErr     error
	saved       []Interaction
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Retrieve(ctx context.Context, query string) ([]Match, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if m.RetrieveErr != nil {
		return nil, m.RetrieveErr
	}
	out := make([]Match, len(m.Matches))
	copy(out, m.Matches)
	return out, nil
}

func (m *Mock) Save(ctx context.Context, entry Interaction) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	if m.SaveErr != nil {
		return "", m.SaveErr
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, entry)
	return entry.ID, nil
}

// Saved returns a copy of everything stored so far.
func (m *Mock) Saved() []Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Interaction, len(m.saved))
	copy(out, m.saved)
	return out
}
