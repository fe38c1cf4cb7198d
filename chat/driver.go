package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
)

// Driver reads successive queries from the input, runs each through the
// Chat, and prints the results. Per-query failures are reported and the loop
// continues; only end-of-input or the quit sentinel ends it.
type Driver struct {
	chat *Chat
	in   io.Reader
	out  io.Writer
}

// NewDriver creates a Driver over the given streams.
func NewDriver(chat *Chat, in io.Reader, out io.Writer) *Driver {
	return &Driver{
		chat: chat,
		in:   in,
		out:  out,
	}
}

// Run executes the interactive loop until the input ends, the context is
// cancelled, or the user types "quit" (case-insensitive, whitespace
// trimmed).
func (d *Driver) Run(ctx context.Context) error {
	fmt.Fprintln(d.out, "Chat started. Type your queries or 'quit' to exit.")

	scanner := bufio.NewScanner(d.in)
	for {
		fmt.Fprint(d.out, "\nQuery: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return errors.Wrap(err, "failed to read input")
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		query := strings.TrimSpace(scanner.Text())
		if strings.EqualFold(query, "quit") {
			return nil
		}
		if query == "" {
			continue
		}

		response, err := d.chat.ProcessQuery(ctx, query)
		if response != "" {
			fmt.Fprintln(d.out, "\n"+response)
		}
		if err != nil {
			logger.ContextKV(ctx, xlog.ERROR,
				"status", "query_failed",
				"err", err.Error(),
			)
			fmt.Fprintf(d.out, "\nError: %s\n", err.Error())
		}
	}
}
