package memory

import (
	"context"
	"time"
)

// Interaction is one stored exchange, owned and persisted by the external
// memory service. This process only constructs and transmits it.
type Interaction struct {
	ID        string            `json:"id,omitempty"`
	Text      string            `json:"text"`
	Query     string            `json:"query,omitempty"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// Match is a retrieval hit produced by the memory service.
type Match struct {
	ID    string            `json:"id"`
	Text  string            `json:"text"`
	Score float64           `json:"score"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// Store retrieves and persists interactions via the memory service.
type Store interface {
	// Retrieve returns up to the configured top-k matches with similarity at
	// or above the configured threshold, best first.
	Retrieve(ctx context.Context, query string) ([]Match, error)
	// Save stores a new interaction. Identical content always creates a new
	// entry; the service performs no deduplication.
	Save(ctx context.Context, entry Interaction) (string, error)
}
