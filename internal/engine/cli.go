package engine

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	maxLineSize = 8 << 20
	// waitDelay bounds how long Wait lingers on pipes held open by
	// grandchildren once the engine process itself is gone.
	waitDelay = 5 * time.Second
)

// CLI drives an external analysis command. The command prints one JSON object
// per line: "message" and "tool_call" events while agents work, then a single
// "result" event carrying the decision.
type CLI struct {
	path string
	args []string
}

// NewCLI returns an engine that runs path with args prepended to every call.
func NewCLI(path string, args ...string) *CLI {
	return &CLI{path: path, args: args}
}

// CLIFactory returns a Factory that checks path resolves before handing out an engine.
func CLIFactory(path string, args ...string) Factory {
	return func() (Engine, error) {
		if _, err := exec.LookPath(path); err != nil {
			return nil, fmt.Errorf("analysis engine %q not found: %w", path, err)
		}
		return NewCLI(path, args...), nil
	}
}

func (c *CLI) command(ctx context.Context, extra ...string) *exec.Cmd {
	args := make([]string, 0, len(c.args)+len(extra))
	args = append(args, c.args...)
	args = append(args, extra...)
	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.WaitDelay = waitDelay
	return cmd
}

func (c *CLI) ResetIndex(ctx context.Context) error {
	out, err := c.command(ctx, "--reset-index").CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reset index: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *CLI) Propagate(ctx context.Context, ticker, date string) (*Output, error) {
	cmd := c.command(ctx, "--ticker", ticker, "--date", date)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	out := &Output{}
	var gotResult bool
	var streamErr error

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, ok := parseLine(line)
		if !ok {
			continue
		}
		switch ev.Type {
		case "message", "tool_call":
			out.Messages = append(out.Messages, Message{
				Agent:   ev.Agent,
				Role:    ev.Role,
				Kind:    Kind(ev.Type),
				Content: ev.Content,
			})
		case "result":
			if err := validateResult(line); err != nil {
				streamErr = err
				continue
			}
			out.Decision = ev.Decision
			gotResult = true
		case "error":
			streamErr = errors.New(ev.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		// Nobody reads stdout past this point, so the engine would block on a
		// full pipe forever.
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read engine output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The engine often reports its failure in the stream rather than on stderr.
		detail := strings.TrimSpace(stderr.String())
		if detail == "" && streamErr != nil {
			detail = streamErr.Error()
		}
		return nil, fmt.Errorf("engine exited: %w: %s", err, detail)
	}
	if streamErr != nil {
		return nil, streamErr
	}
	if !gotResult {
		return nil, errors.New("engine produced no result")
	}
	return out, nil
}

type event struct {
	Type     string `json:"type"`
	Agent    string `json:"agent"`
	Role     string `json:"role"`
	Content  string `json:"content"`
	Decision string `json:"decision"`
}

// parseLine decodes one line of engine output. Lines that are not JSON
// objects with a type are progress chatter and are ignored.
func parseLine(line []byte) (event, bool) {
	var ev event
	if err := json.Unmarshal(line, &ev); err != nil {
		return event{}, false
	}
	if ev.Type == "" {
		return event{}, false
	}
	return ev, true
}
