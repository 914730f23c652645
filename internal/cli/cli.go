package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/AneKazek/open-gemma-rag/internal/llm"
	"github.com/AneKazek/open-gemma-rag/internal/rag"
)

// Orchestrator is the turn pipeline the prompt loop drives.
type Orchestrator interface {
	Turn(ctx context.Context, req rag.TurnRequest, onDelta llm.DeltaHandler) (rag.TurnResult, error)
	Reset(sessionID string) error
}

// Runner is the interactive prompt loop. One Runner holds one session.
type Runner struct {
	orchestrator Orchestrator
	in           io.Reader
	out          io.Writer
	sessionID    string
}

func New(orchestrator Orchestrator, in io.Reader, out io.Writer) *Runner {
	return &Runner{
		orchestrator: orchestrator,
		in:           in,
		out:          out,
	}
}

// Run reads queries until EOF or an exit command. Prefixing a query with
// "/search " forces a web search for that turn. "reset" clears the session
// transcript; "exit" and "quit" end the loop.
func (r *Runner) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, "Ready. Type a question, 'reset' to clear the session, or 'exit' to quit.")

	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(r.out, "Bye.")
			return nil
		case "reset":
			r.reset()
			continue
		}

		query := line
		force := false
		if rest, ok := strings.CutPrefix(line, "/search "); ok {
			query = strings.TrimSpace(rest)
			force = true
			if query == "" {
				fmt.Fprintln(r.out, "Usage: /search <query>")
				continue
			}
		}

		r.turn(ctx, query, force)
	}
	return scanner.Err()
}

func (r *Runner) turn(ctx context.Context, query string, force bool) {
	result, err := r.orchestrator.Turn(ctx, rag.TurnRequest{
		SessionID:   r.sessionID,
		Query:       query,
		ForceSearch: force,
	}, func(delta string) error {
		_, werr := io.WriteString(r.out, delta)
		return werr
	})
	if err != nil {
		log.WithError(err).Error("turn failed")
		fmt.Fprintf(r.out, "Error: %v\n", err)
		return
	}

	r.sessionID = result.SessionID
	fmt.Fprintln(r.out)
	if result.SearchUsed {
		fmt.Fprintln(r.out, "(answer includes web search results)")
	}
}

func (r *Runner) reset() {
	if r.sessionID == "" {
		fmt.Fprintln(r.out, "Nothing to reset.")
		return
	}
	if err := r.orchestrator.Reset(r.sessionID); err != nil {
		fmt.Fprintf(r.out, "Reset failed: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, "Session reset.")
}
