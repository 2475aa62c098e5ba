package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandTransformer pipes audio through an external program on stdin/stdout,
// e.g. ffmpeg with an atempo filter.
type CommandTransformer struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// NewCommandTransformer splits a command line on whitespace. Quoting is not
// supported.
func NewCommandTransformer(command string, timeout time.Duration) (*CommandTransformer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("transform command is required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &CommandTransformer{Path: fields[0], Args: fields[1:], Timeout: timeout}, nil
}

func (c *CommandTransformer) Transform(ctx context.Context, raw []byte) ([]byte, error) {
	if c == nil || strings.TrimSpace(c.Path) == "" {
		return nil, fmt.Errorf("transform command is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Stdin = bytes.NewReader(raw)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("transform command timed out after %s", c.Timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			return nil, fmt.Errorf("transform command failed: %w", err)
		}
		return nil, fmt.Errorf("transform command failed: %w (%s)", err, msg)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("transform command produced no output")
	}
	return stdout.Bytes(), nil
}
