package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pdfchat/backend/features/job"
	"pdfchat/backend/features/mcp"
	"pdfchat/backend/internal/retrieval"
)

type MockSearcher struct{ mock.Mock }

func (m *MockSearcher) Search(ctx context.Context, query string, k int) ([]retrieval.Source, error) {
	args := m.Called(ctx, query, k)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]retrieval.Source), args.Error(1)
}

func (m *MockSearcher) Answer(ctx context.Context, question string) (*retrieval.Answer, error) {
	args := m.Called(ctx, question)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*retrieval.Answer), args.Error(1)
}

type MockJobs struct{ mock.Mock }

func (m *MockJobs) Status(ctx context.Context, id string) (*job.Status, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Status), args.Error(1)
}

func call(t *testing.T, h *mcp.Handler, tool string, arguments interface{}) *mcp.JSONRPCResponse {
	t.Helper()
	rawArgs, err := json.Marshal(arguments)
	require.NoError(t, err)
	params, err := json.Marshal(mcp.CallParams{Name: tool, Arguments: rawArgs})
	require.NoError(t, err)
	resp := h.ProcessRequest(context.Background(), mcp.JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params:  params,
		ID:      1,
	})
	require.NotNil(t, resp)
	return resp
}

func toolText(t *testing.T, resp *mcp.JSONRPCResponse) (string, bool) {
	t.Helper()
	require.Nil(t, resp.Error)
	res, ok := resp.Result.(mcp.ToolResult)
	require.True(t, ok)
	require.Len(t, res.Content, 1)
	return res.Content[0].Text, res.IsError
}

func TestProcessRequest_Initialize(t *testing.T) {
	handler := mcp.NewHandler(new(MockSearcher), new(MockJobs))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "initialize", ID: 1})

	require.NotNil(t, resp)
	assert.Equal(t, "2.0", resp.JSONRPC)
	assert.Equal(t, 1, resp.ID)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	assert.NotNil(t, result["capabilities"])
}

func TestProcessRequest_ToolsList(t *testing.T) {
	handler := mcp.NewHandler(new(MockSearcher), new(MockJobs))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/list", ID: 2})

	list := resp.Result.(mcp.ListToolsResult)
	names := make([]string, len(list.Tools))
	for i, tool := range list.Tools {
		names[i] = tool.Name
	}
	assert.ElementsMatch(t, []string{"search_document", "ask_document", "job_status"}, names)
}

func TestProcessRequest_UnknownMethod(t *testing.T) {
	handler := mcp.NewHandler(new(MockSearcher), new(MockJobs))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "resources/list", ID: 3})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrMethodNotFound, resp.Error.Code)

	resp = call(t, handler, "read_page", map[string]string{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcp.ErrMethodNotFound, resp.Error.Code)
}

func TestSearchDocument(t *testing.T) {
	t.Run("Formats Ranked Passages", func(t *testing.T) {
		s := new(MockSearcher)
		s.On("Search", mock.Anything, "revenue", 5).Return([]retrieval.Source{
			{Text: "Revenue grew 10%.", Score: 0.91, FileName: "report.pdf", PageNumber: 3},
			{Text: "Costs fell.", Score: 0.42, FileName: "report.pdf", PageNumber: 4},
		}, nil)

		text, isErr := toolText(t, call(t, mcp.NewHandler(s, nil), "search_document", map[string]interface{}{"query": "revenue", "limit": 5}))
		assert.False(t, isErr)
		assert.Contains(t, text, "Result 1 (Score: 0.91)")
		assert.Contains(t, text, "Page: 3")
		assert.Contains(t, text, "Revenue grew 10%.")
		assert.Less(t, strings.Index(text, "Revenue grew"), strings.Index(text, "Costs fell"))
	})

	t.Run("Default Limit", func(t *testing.T) {
		s := new(MockSearcher)
		s.On("Search", mock.Anything, "revenue", 0).Return([]retrieval.Source{}, nil)

		text, _ := toolText(t, call(t, mcp.NewHandler(s, nil), "search_document", map[string]string{"query": "revenue"}))
		assert.Equal(t, "No results found.", text)
	})

	t.Run("Invalid Arguments", func(t *testing.T) {
		s := new(MockSearcher)
		h := mcp.NewHandler(s, nil)

		resp := call(t, h, "search_document", map[string]string{"query": " "})
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.ErrInvalidParams, resp.Error.Code)

		resp = call(t, h, "search_document", map[string]interface{}{"query": "x", "limit": 500})
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.ErrInvalidParams, resp.Error.Code)
		s.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Search Failure Is A Tool Error", func(t *testing.T) {
		s := new(MockSearcher)
		s.On("Search", mock.Anything, "revenue", 0).Return(nil, errors.New("vector search: timeout"))

		text, isErr := toolText(t, call(t, mcp.NewHandler(s, nil), "search_document", map[string]string{"query": "revenue"}))
		assert.True(t, isErr)
		assert.Contains(t, text, "timeout")
	})
}

func TestAskDocument(t *testing.T) {
	t.Run("Grounded Answer Lists Pages", func(t *testing.T) {
		s := new(MockSearcher)
		s.On("Answer", mock.Anything, "what grew?").Return(&retrieval.Answer{
			Message:  "Revenue grew.",
			Sources:  []retrieval.Source{{PageNumber: 3}, {PageNumber: 7}},
			Grounded: true,
		}, nil)

		text, isErr := toolText(t, call(t, mcp.NewHandler(s, nil), "ask_document", map[string]string{"question": "what grew?"}))
		assert.False(t, isErr)
		assert.Equal(t, "Revenue grew.\n\nSources: page 3, 7", text)
	})

	t.Run("Empty Question", func(t *testing.T) {
		s := new(MockSearcher)
		s.On("Answer", mock.Anything, "").Return(nil, retrieval.ErrEmptyQuestion)

		resp := call(t, mcp.NewHandler(s, nil), "ask_document", map[string]string{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.ErrInvalidParams, resp.Error.Code)
	})

	t.Run("Completion Failure", func(t *testing.T) {
		s := new(MockSearcher)
		s.On("Answer", mock.Anything, "q").Return(nil, errors.New("completion failed: 503"))

		text, isErr := toolText(t, call(t, mcp.NewHandler(s, nil), "ask_document", map[string]string{"question": "q"}))
		assert.True(t, isErr)
		assert.Contains(t, text, "503")
	})
}

func TestJobStatus(t *testing.T) {
	t.Run("Active Job", func(t *testing.T) {
		jobs := new(MockJobs)
		jobs.On("Status", mock.Anything, "job-1").Return(&job.Status{ID: "job-1", State: job.StateActive, Stage: job.StageIndexing, Progress: 80}, nil)

		text, isErr := toolText(t, call(t, mcp.NewHandler(nil, jobs), "job_status", map[string]string{"job_id": "job-1"}))
		assert.False(t, isErr)
		var status job.Status
		require.NoError(t, json.Unmarshal([]byte(text), &status))
		assert.Equal(t, 80, status.Progress)
		assert.Equal(t, job.StageIndexing, status.Stage)
	})

	t.Run("Not Found", func(t *testing.T) {
		jobs := new(MockJobs)
		jobs.On("Status", mock.Anything, "gone").Return(nil, job.ErrNotFound)

		text, isErr := toolText(t, call(t, mcp.NewHandler(nil, jobs), "job_status", map[string]string{"job_id": "gone"}))
		assert.True(t, isErr)
		assert.Contains(t, text, "job not found")
	})

	t.Run("Missing Id", func(t *testing.T) {
		resp := call(t, mcp.NewHandler(nil, new(MockJobs)), "job_status", map[string]string{})
		require.NotNil(t, resp.Error)
		assert.Equal(t, mcp.ErrInvalidParams, resp.Error.Code)
	})
}

