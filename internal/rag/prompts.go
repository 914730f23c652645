package rag

import (
	"fmt"
	"strings"

	"github.com/AneKazek/open-gemma-rag/internal/history"
	"github.com/AneKazek/open-gemma-rag/internal/memory"
)

const systemPrompt = `You are a helpful AI assistant with memory and web search capabilities.
You have access to your conversation history and can reference web search results when provided.
Always provide accurate, helpful, and concise responses based on the available information.
Always cite sources when using information from search results.`

const contextInstructions = `You have access to the following information:
1. Memory: previous conversations and information you've stored
2. Search Results: information retrieved from the web (if applicable)

Use this information to provide a comprehensive, accurate response.`

// FormatMemory renders retrieved matches as a prompt block, best match first.
func FormatMemory(matches []memory.Match) string {
	if len(matches) == 0 {
		return "No relevant memory found."
	}
	parts := make([]string, 0, len(matches))
	for _, m := range matches {
		parts = append(parts, m.Text)
	}
	return strings.Join(parts, "\n\n")
}

// BuildPrompt assembles the full generation prompt from the user question and
// whatever context survived retrieval.
func BuildPrompt(question, memoryBlock, searchBlock string, turns []history.Turn) string {
	var b strings.Builder

	b.WriteString(systemPrompt)
	b.WriteString("\n\n")
	b.WriteString(contextInstructions)
	b.WriteString("\n\n")

	b.WriteString("Memory:\n")
	if memoryBlock == "" {
		memoryBlock = "No relevant memory found."
	}
	b.WriteString(memoryBlock)
	b.WriteString("\n\n")

	b.WriteString("Search Results:\n")
	if searchBlock == "" {
		searchBlock = "No web search performed."
	}
	b.WriteString(searchBlock)
	b.WriteString("\n\n")

	if len(turns) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", t.Query, t.Response)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "User: %s\nAssistant:", question)
	return b.String()
}

// FormatInteraction renders a completed turn for memory storage.
func FormatInteraction(query, response string) string {
	return fmt.Sprintf("User: %s\n\nAssistant: %s", query, response)
}
