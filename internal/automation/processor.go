// Package automation turns raw notes into structured summaries by
// driving an AI provider with the workspace's process prompt.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chronicle-md/chronicle/internal/aichannel"
	"github.com/chronicle-md/chronicle/internal/storage"
)

// Processor runs note processing for one workspace.
type Processor struct {
	workspace string
	provider  aichannel.Provider
	log       *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// Stats counts processing outcomes.
type Stats struct {
	Runs      int `json:"runs"`
	Failures  int `json:"failures"`
	TotalMs   int `json:"total_ms"`
	TokensSum int `json:"tokens_sum"`
}

// Result is what a processing run reports back.
type Result struct {
	Note     string        `json:"note"`
	Style    string        `json:"style"`
	Summary  string        `json:"summary"`
	Markers  MarkerCounts  `json:"markers"`
	Duration time.Duration `json:"duration"`
	Tokens   int           `json:"tokens,omitempty"`
}

// MarkerCounts tallies the note's semantic markers.
type MarkerCounts struct {
	Thoughts  int `json:"thoughts"`
	Important int `json:"important"`
	Questions int `json:"questions"`
	Open      int `json:"open"`
	Done      int `json:"done"`
	Mentions  int `json:"mentions"`
}

func NewProcessor(workspace string, provider aichannel.Provider, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{workspace: workspace, provider: provider, log: log}
}

// Process runs the workspace process prompt against a note. notePath
// is workspace-relative. Style tunes the prompt ("standard", "brief",
// "detailed").
func (p *Processor) Process(ctx context.Context, notePath, style string) (*Result, error) {
	if style == "" {
		style = "standard"
	}

	content, err := storage.ReadFile(filepath.Join(p.workspace, notePath))
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("read note: %w", err)
	}

	prompt, err := p.buildPrompt(notePath, style)
	if err != nil {
		p.recordFailure()
		return nil, err
	}

	p.log.Info("processing note",
		zap.String("note", notePath),
		zap.String("style", style),
		zap.String("provider", p.provider.Name()))

	resp, err := p.provider.Complete(ctx, "", prompt)
	if err != nil {
		p.recordFailure()
		return nil, fmt.Errorf("process %s: %w", notePath, err)
	}

	// API providers only return text; persist their output where the
	// CLI agent would have written it.
	if p.provider.Name() != "cli" {
		if err := p.writeProcessedOutput(notePath, resp.Result); err != nil {
			p.log.Warn("persist processed output", zap.Error(err))
		}
	}

	result := &Result{
		Note:     notePath,
		Style:    style,
		Summary:  firstLine(resp.Result),
		Markers:  CountMarkers(content),
		Duration: resp.Duration,
		Tokens:   resp.Tokens,
	}
	p.recordSuccess(resp)
	return result, nil
}

// buildPrompt combines the workspace process prompt with the task.
func (p *Processor) buildPrompt(notePath, style string) (string, error) {
	promptPath := filepath.Join(p.workspace, storage.ChronicleDirName, "prompts", "process.md")
	template, err := storage.ReadFile(promptPath)
	if err != nil {
		return "", fmt.Errorf("read process prompt: %w", err)
	}

	var b strings.Builder
	b.WriteString(template)
	b.WriteString("\n\nProcess this note: ")
	b.WriteString(notePath)
	if style != "standard" {
		fmt.Fprintf(&b, "\nProcessing style: %s", style)
	}
	return b.String(), nil
}

// writeProcessedOutput stores a provider response under
// .chronicle/processed/ as both markdown and a JSON envelope.
func (p *Processor) writeProcessedOutput(notePath, output string) error {
	stem := strings.TrimSuffix(filepath.Base(notePath), filepath.Ext(notePath))
	dir := filepath.Join(p.workspace, storage.ChronicleDirName, "processed")

	if err := storage.WriteFileAtomic(filepath.Join(dir, stem+".md"), output); err != nil {
		return err
	}

	envelope := map[string]any{
		"tldr":        firstLine(output),
		"raw":         output,
		"processedAt": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(filepath.Join(dir, stem+".json"), string(data))
}

// RunAgent executes a named background agent prompt from
// .chronicle/prompts/<name>.md. Used for tagger and actions passes.
func (p *Processor) RunAgent(ctx context.Context, name string) error {
	promptPath := filepath.Join(p.workspace, storage.ChronicleDirName, "prompts", name+".md")
	prompt, err := storage.ReadFile(promptPath)
	if err != nil {
		return fmt.Errorf("read %s prompt: %w", name, err)
	}

	p.log.Info("running agent", zap.String("agent", name))
	resp, err := p.provider.Complete(ctx, "", prompt)
	if err != nil {
		p.recordFailure()
		return fmt.Errorf("agent %s: %w", name, err)
	}
	p.recordSuccess(resp)
	return nil
}

// Stats returns a copy of the accumulated counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Processor) recordSuccess(resp *aichannel.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Runs++
	p.stats.TotalMs += int(resp.Duration.Milliseconds())
	p.stats.TokensSum += resp.Tokens
}

func (p *Processor) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Runs++
	p.stats.Failures++
}

// CountMarkers tallies Chronicle's semantic markers in note content.
func CountMarkers(content string) MarkerCounts {
	var counts MarkerCounts
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "[x]"), strings.HasPrefix(trimmed, "[X]"):
			counts.Done++
		case strings.HasPrefix(trimmed, "[]"), strings.HasPrefix(trimmed, "[ ]"):
			counts.Open++
		case strings.HasPrefix(trimmed, ">"):
			counts.Thoughts++
		case strings.HasPrefix(trimmed, "!"):
			counts.Important++
		case strings.HasPrefix(trimmed, "?"):
			counts.Questions++
		case strings.HasPrefix(trimmed, "@"):
			counts.Mentions++
		}
	}
	return counts
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
