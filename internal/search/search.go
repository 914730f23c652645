package search

import (
	"context"
	"fmt"
	"strings"
)

// Result is one summarized web search hit from the search service.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
}

// Searcher queries the external web search backend.
type Searcher interface {
	// Search returns at most the configured number of results, all at or
	// above the configured relevance threshold. The call is bounded by the
	// configured timeout; exceeding it is reported as a timeout-kind error.
	Search(ctx context.Context, query string) ([]Result, error)
}

// Format renders results as a numbered block for prompt assembly.
func Format(query string, results []Result) string {
	if len(results) == 0 {
		return fmt.Sprintf("No results found for: %s", query)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for: %s\n\n", query)
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "No title"
		}
		summary := r.Summary
		if summary == "" {
			summary = "No summary available"
		}
		fmt.Fprintf(&b, "%d. %s\n%s\nSource: %s\n\n", i+1, title, summary, r.URL)
	}
	return strings.TrimRight(b.String(), "\n")
}
