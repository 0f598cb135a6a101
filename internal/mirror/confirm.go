package mirror

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Confirmer answers deletion prompts. The cycle suspends on this call; no
// second cycle can start while a prompt is pending because the re-entrancy
// flag stays set.
type Confirmer interface {
	// ConfirmDeletions presents a title, the total number of candidates,
	// and a preview of up to ten paths, and reports whether the user
	// approved. A false return (including "could not ask") declines.
	ConfirmDeletions(ctx context.Context, title string, total int, preview []string) bool
}

// AutoConfirmer approves every deletion batch. For headless deployments
// that trust the remote as the source of truth.
type AutoConfirmer struct{}

func (AutoConfirmer) ConfirmDeletions(context.Context, string, int, []string) bool {
	return true
}

// DenyConfirmer declines every deletion batch. Deletions then stay pending
// until an operator approves them through an interactive session.
type DenyConfirmer struct{}

func (DenyConfirmer) ConfirmDeletions(context.Context, string, int, []string) bool {
	return false
}

// TerminalConfirmer asks on the terminal with a y/N prompt. Reading
// happens on a separate goroutine so a cancelled context (shutdown,
// session stop) unblocks the cycle instead of leaving it stuck on stdin.
type TerminalConfirmer struct {
	In  io.Reader
	Out io.Writer
}

func (t *TerminalConfirmer) ConfirmDeletions(ctx context.Context, title string, total int, preview []string) bool {
	fmt.Fprintf(t.Out, "\n%s (%d total)\n", title, total)
	for _, p := range preview {
		fmt.Fprintf(t.Out, "  %s\n", p)
	}
	if total > len(preview) {
		fmt.Fprintf(t.Out, "  ... and %d more\n", total-len(preview))
	}
	fmt.Fprint(t.Out, "Proceed? [y/N]: ")

	answer := make(chan bool, 1)
	go func() {
		scanner := bufio.NewScanner(t.In)
		if !scanner.Scan() {
			answer <- false
			return
		}
		reply := strings.ToLower(strings.TrimSpace(scanner.Text()))
		answer <- reply == "y" || reply == "yes"
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.Out, "cancelled")
		return false
	case ok := <-answer:
		return ok
	}
}
