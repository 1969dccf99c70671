package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/minuted/minuted/internal/pipeline"
	"github.com/minuted/minuted/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
	Chat  Chatter // optional; if nil, ask_question returns an error
}

// NewMCPServer creates an MCP server exposing meeting records to AI
// assistants: listing, full content, and question answering.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"minuted",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("minuted — recorded meetings with AI transcripts, summaries, and Q&A."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_meetings",
			mcp.WithDescription("List recorded meetings with their status and summary availability."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of meetings (default 20)")),
		),
		mcpListMeetings(deps),
	)

	s.AddTool(
		mcp.NewTool("get_meeting",
			mcp.WithDescription("Fetch one meeting including transcript, summary, key points, and action items."),
			mcp.WithString("id", mcp.Description("Meeting ID"), mcp.Required()),
		),
		mcpGetMeeting(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_question",
			mcp.WithDescription("Ask a question about a processed meeting; the answer is stored in the meeting's Q&A history."),
			mcp.WithString("id", mcp.Description("Meeting ID"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAskQuestion(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"meetings://recent",
			"Recent Meetings",
			mcp.WithResourceDescription("Last 10 meetings (titles and statuses only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpListMeetings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		meetings, err := deps.Store.ListMeetings(limit, 0)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list meetings: %v", err)), nil
		}

		type meetingEntry struct {
			ID         string `json:"id"`
			Title      string `json:"title"`
			Status     string `json:"status"`
			CreatedAt  string `json:"created_at"`
			HasSummary bool   `json:"has_summary"`
		}

		entries := make([]meetingEntry, len(meetings))
		for i, m := range meetings {
			entries[i] = meetingEntry{
				ID:         m.ID,
				Title:      m.Title,
				Status:     m.Status,
				CreatedAt:  m.CreatedAt.Format(time.RFC3339),
				HasSummary: m.Summary != "",
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal meetings: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetMeeting(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		meeting, err := deps.Store.GetMeeting(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load meeting: %v", err)), nil
		}
		qas, err := deps.Store.ListQuestionAnswers(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load questions: %v", err)), nil
		}

		b, err := json.Marshal(toMeetingResponse(meeting, qas))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal meeting: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskQuestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Chat == nil {
			return mcpError("question answering not available: no LLM configured"), nil
		}

		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		meeting, err := deps.Store.GetMeeting(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load meeting: %v", err)), nil
		}
		if meeting.Transcript == "" {
			return mcpError("meeting has no transcript yet"), nil
		}

		attachments, err := deps.Store.ListAttachments(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load attachments: %v", err)), nil
		}

		answer, err := deps.Chat.Chat(ctx, pipeline.BuildQuestionMessages(meeting, attachments, question))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to answer question: %v", err)), nil
		}

		qa := storage.QuestionAnswer{
			ID:        uuid.New().String(),
			MeetingID: meeting.ID,
			Question:  question,
			Answer:    answer,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveQuestionAnswer(qa); err != nil {
			return mcpError(fmt.Sprintf("answered but failed to save: %v", err)), nil
		}

		return mcpText(answer), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		meetings, err := deps.Store.ListMeetings(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list meetings: %w", err)
		}

		type meetingSummary struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]meetingSummary, len(meetings))
		for i, m := range meetings {
			title := m.Title
			if utf8.RuneCountInString(title) > 200 {
				runes := []rune(title)
				title = string(runes[:200]) + "..."
			}
			summaries[i] = meetingSummary{
				ID:        m.ID,
				Title:     title,
				Status:    m.Status,
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal meetings: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
