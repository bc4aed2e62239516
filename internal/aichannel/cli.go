package aichannel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
)

// File tools the CLI agent may use while processing a note. Everything
// else (shell, network) stays off.
const allowedTools = "Read,Write,Edit,Glob,Grep"

// CLIProvider shells out to the claude binary in non-interactive mode.
// The agent runs with the workspace as its working directory, so
// prompts can reference .chronicle/ paths directly.
type CLIProvider struct {
	command   string
	model     string
	workspace string
	timeout   time.Duration
	usePTY    bool
}

func NewCLIProvider(cfg Config) *CLIProvider {
	command := cfg.Command
	if command == "" {
		command = "claude"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &CLIProvider{
		command:   command,
		model:     cfg.Model,
		workspace: cfg.Workspace,
		timeout:   timeout,
		// claude -p requires a TTY
		usePTY: true,
	}
}

func (p *CLIProvider) Name() string { return "cli" }

func (p *CLIProvider) IsConfigured() bool {
	_, err := exec.LookPath(p.command)
	return err == nil
}

func (p *CLIProvider) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Response, error) {
	if !p.IsConfigured() {
		return nil, fmt.Errorf("%w: %s not found in PATH", ErrNotAvailable, p.command)
	}

	prompt := userPrompt
	if systemPrompt != "" {
		prompt = systemPrompt + "\n\n" + userPrompt
	}

	args := []string{
		"-p", prompt,
		"--output-format", "text",
		"--allowedTools", allowedTools,
	}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}

	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, p.command, args...)
	cmd.Dir = p.workspace

	start := time.Now()
	var output string
	var err error
	if p.usePTY {
		output, err = runWithPTY(execCtx, cmd)
	} else {
		output, err = runWithPipe(cmd)
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, err
	}

	return &Response{
		Result:   strings.TrimSpace(output),
		Duration: time.Since(start),
	}, nil
}

func runWithPipe(cmd *exec.Cmd) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return "", fmt.Errorf("command failed: %w: %s", err, msg)
		}
		return "", fmt.Errorf("command failed: %w", err)
	}
	return stdout.String(), nil
}

func runWithPTY(ctx context.Context, cmd *exec.Cmd) (string, error) {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("failed to start PTY: %w", err)
	}
	defer ptmx.Close()

	var output bytes.Buffer
	done := make(chan struct{})
	go func() {
		io.Copy(&output, ptmx)
		close(done)
	}()

	waitErr := cmd.Wait()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return "", ErrTimeout
		}
		return "", fmt.Errorf("command failed: %w", waitErr)
	}
	return stripANSI(output.String()), nil
}

// stripANSI removes ANSI escape sequences and carriage returns from
// PTY output.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false
	for i := 0; i < len(s); i++ {
		if s[i] == '\x1b' {
			inEscape = true
			continue
		}
		if inEscape {
			if s[i] == '[' {
				for i++; i < len(s); i++ {
					if (s[i] >= 'A' && s[i] <= 'Z') || (s[i] >= 'a' && s[i] <= 'z') {
						break
					}
				}
				inEscape = false
				continue
			}
			if s[i] == ']' {
				for i++; i < len(s); i++ {
					if s[i] == '\x07' {
						break
					}
					if s[i] == '\x1b' && i+1 < len(s) && s[i+1] == '\\' {
						i++
						break
					}
				}
				inEscape = false
				continue
			}
			inEscape = false
			continue
		}
		if s[i] == '\r' {
			continue
		}
		result.WriteByte(s[i])
	}
	return result.String()
}
