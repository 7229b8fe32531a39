package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"pdfchat/backend/features/job"
	"pdfchat/backend/internal/retrieval"
)

const maxSearchLimit = 20

type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]retrieval.Source, error)
	Answer(ctx context.Context, question string) (*retrieval.Answer, error)
}

type JobStatuser interface {
	Status(ctx context.Context, id string) (*job.Status, error)
}

type searchArgs struct {
	Query string `json:"query"`
	Limit *int   `json:"limit,omitempty"`
}

type askArgs struct {
	Question string `json:"question"`
}

type jobStatusArgs struct {
	JobID string `json:"job_id"`
}

var tools = []Tool{
	{
		Name: "search_document",
		Description: `Returns the passages of the uploaded document closest to a query, best match first, with score and page number.

USAGE EXAMPLE:
search_document(query="quarterly revenue", limit=5)`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]string{"type": "string", "description": "Text to search for"},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Max passages to return (default 2).",
					"minimum":     1,
					"maximum":     maxSearchLimit,
				},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        "ask_document",
		Description: "Answers a question using the uploaded document as context. Falls back to an ungrounded answer when nothing is indexed.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"question": map[string]string{"type": "string", "description": "The question to answer"},
			},
			"required": []string{"question"},
		},
	},
	{
		Name:        "job_status",
		Description: "Reports the state, stage and progress of an ingestion job returned by an upload.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"job_id": map[string]string{"type": "string", "description": "The job id"},
			},
			"required": []string{"job_id"},
		},
	},
}

// ProcessRequest handles one JSON-RPC request. It returns nil for
// notifications, which get no reply.
func (h *Handler) ProcessRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    "pdfchat-mcp",
				"version": "1.0.0",
			},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return result(req.ID, map[string]interface{}{})
	case "tools/list":
		return result(req.ID, ListToolsResult{Tools: tools})
	case "tools/call":
		return h.callTool(ctx, req)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) callTool(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	var params CallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		slog.WarnContext(ctx, "invalid params structure", "error", err)
		return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
	}

	switch params.Name {
	case "search_document":
		return h.searchDocument(ctx, req.ID, params.Arguments)
	case "ask_document":
		return h.askDocument(ctx, req.ID, params.Arguments)
	case "job_status":
		return h.jobStatus(ctx, req.ID, params.Arguments)
	}

	slog.WarnContext(ctx, "tool not found", "tool", params.Name)
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found: "+params.Name)
}

func (h *Handler) searchDocument(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResponse(id, ErrInvalidParams, "Invalid search arguments")
	}
	if strings.TrimSpace(args.Query) == "" {
		return errorResponse(id, ErrInvalidParams, "Query is required")
	}
	limit := 0
	if args.Limit != nil {
		if *args.Limit < 1 || *args.Limit > maxSearchLimit {
			return errorResponse(id, ErrInvalidParams, fmt.Sprintf("Limit must be between 1 and %d", maxSearchLimit))
		}
		limit = *args.Limit
	}

	sources, err := h.searcher.Search(ctx, args.Query, limit)
	if err != nil {
		slog.ErrorContext(ctx, "search failed", "error", err)
		return toolError(id, "search failed: "+err.Error())
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", "search_document", "result_count", len(sources))
	if len(sources) == 0 {
		return textResult(id, "No results found.")
	}

	var b strings.Builder
	for i, src := range sources {
		fmt.Fprintf(&b, "Result %d (Score: %.2f):\n", i+1, src.Score)
		if src.FileName != "" {
			fmt.Fprintf(&b, "File: %s\n", src.FileName)
		}
		fmt.Fprintf(&b, "Page: %d\nContent:\n%s\n\n---\n", src.PageNumber, src.Text)
	}
	return textResult(id, b.String())
}

func (h *Handler) askDocument(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args askArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResponse(id, ErrInvalidParams, "Invalid arguments")
	}

	answer, err := h.searcher.Answer(ctx, args.Question)
	if errors.Is(err, retrieval.ErrEmptyQuestion) {
		return errorResponse(id, ErrInvalidParams, "Question is required")
	}
	if err != nil {
		slog.ErrorContext(ctx, "ask failed", "error", err)
		return toolError(id, err.Error())
	}

	text := answer.Message
	if len(answer.Sources) > 0 {
		pages := make([]string, len(answer.Sources))
		for i, src := range answer.Sources {
			pages[i] = fmt.Sprint(src.PageNumber)
		}
		text += "\n\nSources: page " + strings.Join(pages, ", ")
	}
	slog.InfoContext(ctx, "tool execution completed", "tool", "ask_document", "grounded", answer.Grounded)
	return textResult(id, text)
}

func (h *Handler) jobStatus(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args jobStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.JobID == "" {
		return errorResponse(id, ErrInvalidParams, "job_id is required")
	}

	status, err := h.jobs.Status(ctx, args.JobID)
	if errors.Is(err, job.ErrNotFound) {
		return toolError(id, "job not found")
	}
	if err != nil {
		slog.ErrorContext(ctx, "job status failed", "job_id", args.JobID, "error", err)
		return toolError(id, err.Error())
	}

	body, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return toolError(id, "failed to encode status")
	}
	return textResult(id, string(body))
}
