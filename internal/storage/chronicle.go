package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ChronicleDirName is the hidden directory holding workspace state,
// prompts, and processed outputs.
const ChronicleDirName = ".chronicle"

var chronicleSubdirs = []string{
	"prompts", "processed", "digests", "templates", "entities", "commands",
}

// Index files created with their empty defaults. Never overwritten.
var chronicleIndexFiles = map[string]string{
	"tags.json":       "{}",
	"actions.json":    "[]",
	"links.json":      "{}",
	"agent-runs.json": "{}",
	"state.json":      "{}",
}

const contextTemplate = `# Workspace Context

Chronicle reads this file before every processing and tagging run to maintain context across sessions. Edit it freely; your changes are preserved.

## People
<!-- Add people you frequently mention in notes -->

## Active Projects
<!-- Format: **Project Name** - Status, key stakeholders, timeline -->

## Recurring Meetings
<!-- Format: **Meeting Name** - Cadence, typical attendees, format -->

## Terminology
<!-- Domain-specific terms, acronyms, shorthand -->

## Preferences
<!-- How you want Chronicle to process your notes -->

---
*Auto-discovered entries appear below this line. Feel free to move them above and edit.*

<!-- Auto-discovered -->
`

const processPrompt = `You are Chronicle's note processor. Your job is to transform raw meeting notes into a structured summary.

First, read .chronicle/context.md to understand the workspace context. Use it to resolve ambiguous names, apply correct terminology, and follow user preferences.

Read .chronicle/state.json to find the current workspace path.
Read the note file specified in the task.

The note may contain semantic markers:
- Lines starting with > are the author's thoughts
- Lines starting with ! are important points
- Lines starting with ? are questions
- Lines starting with [] are action items (unchecked)
- Lines starting with [x] are completed action items
- Lines starting with @ attribute text to a person

Create a structured output and write it as JSON to .chronicle/processed/{filename}.json with this schema:
{
  "tldr": "2-3 sentence summary",
  "keyPoints": ["point1", "point2"],
  "actionItems": [{"text": "...", "owner": "...", "done": false}],
  "questions": ["question1", "question2"],
  "tags": ["tag1", "tag2"],
  "entities": {
    "people": [{"name": "...", "role": "...", "markers": ["@..."]}],
    "decisions": [{"text": "...", "participants": ["..."]}],
    "topics": ["..."],
    "references": ["..."]
  },
  "processedAt": "ISO timestamp"
}

Also write a human-readable version to .chronicle/processed/{filename}.md with sections:
## TL;DR
## Key Points
## Action Items
## Open Questions
`

const taggerPrompt = `You are Chronicle's tagger. Your job is to extract meaningful categorized tags from notes.

Read .chronicle/agent-runs.json to find when the tagger last ran.
Read .chronicle/tags.json for the current tag index.
Read .chronicle/context.md for workspace context.

Find all .md files in the workspace modified after the last tagger run.
For each modified note, extract tags using the category:name format:
- People mentioned -> person:john
- Projects or topics discussed -> topic:api-redesign
- Meeting types -> meeting:standup, meeting:1on1
- Themes -> theme:architecture, theme:hiring

Always use lowercase category:name format. Reuse existing categories and tag names from tags.json when they match.

Update .chronicle/tags.json with categories, byNote, and byTag maps.
Preserve existing categories and their colors.
Update .chronicle/agent-runs.json with: {"tagger": "ISO timestamp"}
`

const actionsPrompt = `You are Chronicle's action tracker. Your job is to find and track action items across all notes.

Read .chronicle/actions.json for existing tracked actions.
Read .chronicle/agent-runs.json for last run time.
Read .chronicle/context.md for workspace context.

Scan all .md files in the workspace for action items:
- [] markers = open action items
- [x] markers = completed action items

For each action item found, extract the text, identify the owner, note source file and line, and determine status: open, done, or stale (open + older than 7 days).

Write updated .chronicle/actions.json as an array of
{"text", "owner", "source", "line", "created", "status"} records.
Update .chronicle/agent-runs.json with: {"actions": "ISO timestamp"}
`

var defaultPrompts = map[string]string{
	"process.md": processPrompt,
	"tagger.md":  taggerPrompt,
	"actions.md": actionsPrompt,
}

var defaultTemplates = map[string]string{
	"blank.md":      "# {{title}}\n\n",
	"meeting.md":    "# Meeting: [Topic]\n\n**Date:** {{date}}\n**Attendees:** \n\n## Notes\n\n## Action Items\n\n## Decisions\n",
	"one-on-one.md": "# 1:1 with [Name]\n\n**Date:** {{date}}\n\n## Updates\n\n## Discussion\n\n## Action Items\n\n## Feedback\n",
	"standup.md":    "# Standup - {{date}}\n\n## Yesterday\n\n## Today\n\n## Blockers\n",
}

// InitChronicleDir creates the .chronicle/ layout in a workspace:
// subdirectories, index files, the context template, and default
// prompts. Existing files are left untouched.
func InitChronicleDir(workspace string) error {
	dir := filepath.Join(workspace, ChronicleDirName)

	for _, sub := range chronicleSubdirs {
		if err := EnsureDir(filepath.Join(dir, sub)); err != nil {
			return err
		}
	}
	for name, content := range chronicleIndexFiles {
		if err := writeIfAbsent(filepath.Join(dir, name), content); err != nil {
			return err
		}
	}
	if err := writeIfAbsent(filepath.Join(dir, "context.md"), contextTemplate); err != nil {
		return err
	}
	for name, content := range defaultPrompts {
		if err := writeIfAbsent(filepath.Join(dir, "prompts", name), content); err != nil {
			return err
		}
	}
	for name, content := range defaultTemplates {
		if err := writeIfAbsent(filepath.Join(dir, "templates", name), content); err != nil {
			return err
		}
	}
	return nil
}

func writeIfAbsent(path, content string) error {
	if FileExists(path) {
		return nil
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// ReadChronicleIndex reads a JSON index file under .chronicle/,
// returning its empty default when the file does not exist yet.
func ReadChronicleIndex(workspace, name string) (json.RawMessage, error) {
	path := filepath.Join(workspace, ChronicleDirName, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if def, ok := chronicleIndexFiles[name]; ok {
				return json.RawMessage(def), nil
			}
			return json.RawMessage("null"), nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("parse %s: invalid JSON", path)
	}
	return json.RawMessage(data), nil
}

// WriteWorkspaceState records the current workspace path and open file
// in .chronicle/state.json for processing runs to consult.
func WriteWorkspaceState(workspace, currentFile string) error {
	state := map[string]string{"workspacePath": workspace}
	if currentFile != "" {
		state["currentFile"] = currentFile
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(workspace, ChronicleDirName, "state.json"), string(data))
}
