// Package pipeline turns uploaded meeting audio into a transcript, summary,
// key points, and action items via a background job worker.
package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/minuted/minuted/internal/llm"
	"github.com/minuted/minuted/internal/storage"
)

// summarySystemPrompt frames every summarization call.
const summarySystemPrompt = "You are a meeting summarization expert. Extract key points, decisions, and action items from meeting transcripts."

// SummaryResult is the structured output requested from the chat model.
type SummaryResult struct {
	Summary     string   `json:"summary"`
	KeyPoints   []string `json:"key_points"`
	Decisions   []string `json:"decisions"`
	ActionItems []string `json:"action_items"`
}

// BuildSummaryPrompt renders the summarization request for a transcript.
// Attachment text (agendas, notes) is appended as additional context.
func BuildSummaryPrompt(transcript string, attachments []storage.Attachment) string {
	var b strings.Builder
	b.WriteString(`Please analyze this meeting transcript and provide:
1. A concise summary (2-3 paragraphs)
2. Key points discussed (bullet points)
3. Decisions made (bullet points)
4. Action items with responsible parties if mentioned (bullet points)

Format your response as JSON with the following structure:
{
    "summary": "Brief summary text...",
    "key_points": ["Point 1", "Point 2", ...],
    "decisions": ["Decision 1", "Decision 2", ...],
    "action_items": ["Action 1", "Action 2", ...]
}

Meeting Transcript:
`)
	b.WriteString(transcript)

	for _, a := range attachments {
		b.WriteString("\n\nAttached document (")
		b.WriteString(a.Filename)
		b.WriteString("):\n")
		b.WriteString(a.Content)
	}
	return b.String()
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")
	bareJSONRe   = regexp.MustCompile(`(?s)(\{.*\})`)
)

// ParseSummaryResponse extracts the structured summary from a model response.
// Models often wrap JSON in markdown fences; both fenced and bare JSON are
// accepted. When no JSON can be parsed the whole response becomes the summary
// text. Decisions are merged into key points.
func ParseSummaryResponse(response string) SummaryResult {
	jsonStr := response
	if m := fencedJSONRe.FindStringSubmatch(response); m != nil {
		jsonStr = m[1]
	} else if m := bareJSONRe.FindStringSubmatch(response); m != nil {
		jsonStr = m[1]
	}

	var result SummaryResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return SummaryResult{Summary: strings.TrimSpace(response)}
	}

	result.KeyPoints = append(result.KeyPoints, result.Decisions...)
	result.Decisions = nil
	return result
}

// BuildQuestionMessages renders the chat messages for answering a question
// about a processed meeting.
func BuildQuestionMessages(m storage.Meeting, attachments []storage.Attachment, question string) []llm.Message {
	var b strings.Builder
	b.WriteString("Answer the question using only the meeting content below.\n\nMeeting: ")
	b.WriteString(m.Title)
	b.WriteString("\n\nTranscript:\n")
	b.WriteString(m.Transcript)
	if m.Summary != "" {
		b.WriteString("\n\nSummary:\n")
		b.WriteString(m.Summary)
	}
	for _, a := range attachments {
		b.WriteString("\n\nAttached document (")
		b.WriteString(a.Filename)
		b.WriteString("):\n")
		b.WriteString(a.Content)
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)

	return []llm.Message{
		{Role: "system", Content: "You answer questions about a recorded meeting. Be concise and cite only what the meeting content supports."},
		{Role: "user", Content: b.String()},
	}
}
