package search

import "context"

// Mock is a scriptable Searcher for tests.
type Mock struct {
	Results []Result
	Err     error
	Calls   int
}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Search(ctx context.Context, query string) ([]Result, error) {
	m.Calls++
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]Result, len(m.Results))
	copy(out, m.Results)
	return out, nil
}
