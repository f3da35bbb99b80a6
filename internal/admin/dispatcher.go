// Package admin implements the administrative command line shared by the
// CLI, the HTTP admin endpoint, and host integrations.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/nextlevelbuilder/hybridmem/internal/memory"
)

// ErrUsage reports a malformed command line.
var ErrUsage = errors.New("usage")

const (
	defaultSearchK = 5
	previewChars   = 100
)

const helpText = `=== hybridmem commands ===

status                      show memory system status
search <query> [k]          search long-term memory (k defaults to 5)
forget <id> [long|short]    delete a memory (defaults to long)
rebuild-index               rebuild the long-term search index
webui                       show the management API address
summarize <session>         summarize a session now
reset <session>             clear a session's short-term memory
stats                       show memory statistics
help                        show this help`

// Dispatcher executes admin command lines against an engine.
type Dispatcher struct {
	engine   *memory.Engine
	webUIURL string // empty when the HTTP server is not running
}

// NewDispatcher creates a dispatcher. webUIURL is reported by the webui
// command; pass "" when the HTTP server is disabled.
func NewDispatcher(engine *memory.Engine, webUIURL string) *Dispatcher {
	return &Dispatcher{engine: engine, webUIURL: webUIURL}
}

// Execute parses line with shell quoting rules and runs the command.
// The returned text is meant for a human reader.
func (d *Dispatcher) Execute(ctx context.Context, line string) (string, error) {
	args, err := shellwords.Parse(line)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUsage, err)
	}
	if len(args) == 0 {
		return helpText, nil
	}

	cmd := strings.ToLower(strings.TrimPrefix(args[0], "/"))
	args = args[1:]

	switch cmd {
	case "status":
		return d.status(ctx), nil
	case "search":
		return d.search(ctx, args)
	case "forget":
		return d.forget(ctx, args)
	case "rebuild-index":
		if err := d.engine.LongTerm.RebuildIndex(ctx); err != nil {
			return fmt.Sprintf("Index rebuild failed: %v", err), err
		}
		return "Index rebuilt.", nil
	case "webui":
		if d.webUIURL == "" {
			return "Management API is not running. Start it with `hybridmem serve`.", nil
		}
		return "Management API: " + d.webUIURL, nil
	case "summarize":
		return d.summarize(ctx, args)
	case "reset":
		if len(args) != 1 {
			return "", fmt.Errorf("%w: reset <session>", ErrUsage)
		}
		if err := d.engine.Coordinator.ResetSession(ctx, args[0]); err != nil {
			return "", err
		}
		return fmt.Sprintf("Short-term memory of session %s cleared.", args[0]), nil
	case "stats":
		return d.stats(ctx)
	case "help":
		return helpText, nil
	default:
		return "", fmt.Errorf("%w: unknown command %q, try help", ErrUsage, cmd)
	}
}

func (d *Dispatcher) status(ctx context.Context) string {
	st, err := d.engine.Stats(ctx)
	if err != nil {
		return fmt.Sprintf("Status unavailable: %v", err)
	}

	longTerm := fmt.Sprintf("%d memories", st.LongTermCount)
	if !st.LongTermEnabled {
		longTerm = "disabled"
	}
	webUI := "not running"
	if d.webUIURL != "" {
		webUI = d.webUIURL
	}

	var sb strings.Builder
	sb.WriteString("=== hybridmem status ===\n\n")
	fmt.Fprintf(&sb, "Long-term memory: %s\n", longTerm)
	fmt.Fprintf(&sb, "Short-term memory: %d messages (%d sessions, %d resident)\n",
		st.MessageCount, st.SessionCount, st.ResidentSessions)
	fmt.Fprintf(&sb, "Management API: %s\n", webUI)
	return sb.String()
}

func (d *Dispatcher) search(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("%w: search <query> [k]", ErrUsage)
	}
	k := defaultSearchK
	query := strings.Join(args, " ")
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[len(args)-1]); err == nil {
			k = n
			query = strings.Join(args[:len(args)-1], " ")
		}
	}

	results, err := d.engine.LongTerm.Search(ctx, query, k)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No matching memories.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d memories:\n\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. [ID:%d] %s\n", i+1, r.Record.ID, preview(r.Record.Content))
		fmt.Fprintf(&sb, "   relevance: %.2f\n\n", r.Relevance)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func (d *Dispatcher) forget(ctx context.Context, args []string) (string, error) {
	if len(args) == 0 || len(args) > 2 {
		return "", fmt.Errorf("%w: forget <id> [long|short]", ErrUsage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: invalid id %q", ErrUsage, args[0])
	}
	kind := "long"
	if len(args) == 2 {
		kind = strings.ToLower(args[1])
	}

	var ok bool
	switch kind {
	case "long":
		ok, err = d.engine.LongTerm.Delete(ctx, id)
	case "short":
		ok, err = d.engine.ShortTerm.Delete(ctx, id)
	default:
		return "", fmt.Errorf("%w: memory type must be long or short", ErrUsage)
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return fmt.Sprintf("Memory %d not found in %s-term memory.", id, kind), nil
	}
	return fmt.Sprintf("Deleted %s-term memory %d.", kind, id), nil
}

func (d *Dispatcher) summarize(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%w: summarize <session>", ErrUsage)
	}
	summary, err := d.engine.Coordinator.Summarize(ctx, args[0])
	if err != nil {
		return fmt.Sprintf("Summary failed: %v", err), err
	}
	if summary == "" {
		return fmt.Sprintf("Session %s has no messages to summarize.", args[0]), nil
	}
	return "Summary stored:\n" + summary, nil
}

func (d *Dispatcher) stats(ctx context.Context) (string, error) {
	st, err := d.engine.Stats(ctx)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString("=== memory statistics ===\n\n")
	fmt.Fprintf(&sb, "Long-term memories: %d\n", st.LongTermCount)
	fmt.Fprintf(&sb, "Short-term sessions: %d\n", st.SessionCount)
	fmt.Fprintf(&sb, "Short-term messages: %d\n", st.MessageCount)
	fmt.Fprintf(&sb, "Resident sessions: %d\n", st.ResidentSessions)
	return sb.String(), nil
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewChars {
		return s
	}
	return string(r[:previewChars]) + "..."
}
