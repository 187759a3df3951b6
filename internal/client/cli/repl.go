package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// executor is the command surface the REPL needs. *App satisfies it; tests
// provide a stub.
type executor interface {
	exec(ctx context.Context, args []string) error
	output() io.Writer
}

// runREPL reads commands line by line and runs them until scanner EOF,
// "exit" or "quit". A failing command is reported and the loop continues.
func runREPL(ctx context.Context, a executor, scanner *bufio.Scanner) {
	out := a.output()
	for {
		fmt.Fprint(out, "regstate> ")
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		switch parts[0] {
		case "exit", "quit":
			fmt.Fprintln(out, "Bye!")
			return
		}

		if err := a.exec(ctx, parts); err != nil {
			fmt.Fprintln(out, "error:", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (a *App) output() io.Writer { return a.out }
