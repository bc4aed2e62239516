package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chronicle-md/chronicle/internal/storage"
)

// SearchNotesInput defines input for the search_notes tool.
type SearchNotesInput struct {
	Query      string `json:"query" jsonschema:"Text to find, case-insensitive"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"Max matches to return (default 50)"`
}

// SearchNotesOutput defines output for search_notes.
type SearchNotesOutput struct {
	Query   string                 `json:"query"`
	Results []storage.SearchResult `json:"results"`
}

// ListProcessedNotesInput defines input for the list_processed_notes tool.
type ListProcessedNotesInput struct{}

// ListProcessedNotesOutput defines output for list_processed_notes.
type ListProcessedNotesOutput struct {
	Notes []storage.ProcessedNoteInfo `json:"notes"`
}

func registerSearchTools(server *mcp.Server, deps *Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "search_notes",
		Description: `Full-text search across the workspace's markdown notes,
newest files first, with a line of context around each match.
Example: search_notes {query: "roadmap", max_results: 10}`,
	}, makeSearchNotesHandler(deps))

	mcp.AddTool(server, &mcp.Tool{
		Name: "list_processed_notes",
		Description: `List notes that have AI processing output, with their
summaries, tags, and action counts, most recently processed first.`,
	}, makeListProcessedNotesHandler(deps))
}

func makeSearchNotesHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, SearchNotesInput) (*mcp.CallToolResult, SearchNotesOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchNotesInput) (*mcp.CallToolResult, SearchNotesOutput, error) {
		if input.Query == "" {
			return errorResult("query is required"), SearchNotesOutput{}, nil
		}
		results, err := storage.SearchNotes(deps.Workspace, input.Query, input.MaxResults)
		if err != nil {
			return errorResult(fmt.Sprintf("search: %v", err)), SearchNotesOutput{}, nil
		}
		return nil, SearchNotesOutput{Query: input.Query, Results: results}, nil
	}
}

func makeListProcessedNotesHandler(deps *Deps) func(context.Context, *mcp.CallToolRequest, ListProcessedNotesInput) (*mcp.CallToolResult, ListProcessedNotesOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListProcessedNotesInput) (*mcp.CallToolResult, ListProcessedNotesOutput, error) {
		notes, err := storage.ListProcessedNotes(deps.Workspace)
		if err != nil {
			return errorResult(fmt.Sprintf("list processed notes: %v", err)), ListProcessedNotesOutput{}, nil
		}
		return nil, ListProcessedNotesOutput{Notes: notes}, nil
	}
}
