package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Decider answers yes/no questions put to the operator.
type Decider interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, prompt string) (bool, error)

// Confirm calls f.
func (f DeciderFunc) Confirm(ctx context.Context, prompt string) (bool, error) {
	return f(ctx, prompt)
}

// Always returns a Decider with a fixed answer, for --yes and --non-interactive runs.
func Always(answer bool) Decider {
	return DeciderFunc(func(context.Context, string) (bool, error) {
		return answer, nil
	})
}

// Console asks on w and reads the answer from r. Only "y" or "yes" confirms.
func Console(r io.Reader, w io.Writer) Decider {
	reader := bufio.NewReader(r)
	return DeciderFunc(func(ctx context.Context, prompt string) (bool, error) {
		fmt.Fprintf(w, "%s [y/N] ", prompt)

		type answer struct {
			line string
			err  error
		}
		ch := make(chan answer, 1)
		go func() {
			line, err := reader.ReadString('\n')
			ch <- answer{line: line, err: err}
		}()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case a := <-ch:
			if a.err != nil && a.line == "" {
				if a.err == io.EOF {
					return false, nil
				}
				return false, a.err
			}
			switch strings.ToLower(strings.TrimSpace(a.line)) {
			case "y", "yes":
				return true, nil
			default:
				return false, nil
			}
		}
	})
}
