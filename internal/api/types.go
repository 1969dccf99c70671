package api

import (
	"encoding/json"
	"time"

	"github.com/minuted/minuted/internal/storage"
)

// MeetingResponse is the wire representation of a meeting.
type MeetingResponse struct {
	ID               string                   `json:"id"`
	Title            string                   `json:"title"`
	CompanyName      string                   `json:"company_name,omitempty"`
	Participants     []string                 `json:"participants,omitempty"`
	MeetingDate      string                   `json:"meeting_date,omitempty"`
	AudioFilePath    string                   `json:"audio_file_path,omitempty"`
	Transcript       string                   `json:"transcript,omitempty"`
	Summary          string                   `json:"summary,omitempty"`
	KeyPoints        []string                 `json:"key_points"`
	ActionItems      []string                 `json:"action_items"`
	QuestionsAnswers []QuestionAnswerResponse `json:"questions_answers"`
	CreatedAt        time.Time                `json:"created_at"`
	ProcessedAt      *time.Time               `json:"processed_at,omitempty"`
	Status           string                   `json:"status"`
}

// QuestionAnswerResponse is the wire representation of one Q&A exchange.
type QuestionAnswerResponse struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}

// AttachmentResponse is the wire representation of an attachment. Extracted
// text is omitted from listings.
type AttachmentResponse struct {
	ID        string    `json:"id"`
	MeetingID string    `json:"meeting_id"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusCheckResponse mirrors the status-check record.
type StatusCheckResponse struct {
	ID         string    `json:"id"`
	ClientName string    `json:"client_name"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessingResponse acknowledges a processing trigger.
type ProcessingResponse struct {
	MeetingID string `json:"meeting_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func toMeetingResponse(m storage.Meeting, qas []storage.QuestionAnswer) MeetingResponse {
	resp := MeetingResponse{
		ID:               m.ID,
		Title:            m.Title,
		CompanyName:      m.CompanyName,
		MeetingDate:      m.MeetingDate,
		AudioFilePath:    m.AudioKey,
		Transcript:       m.Transcript,
		Summary:          m.Summary,
		Participants:     decodeStringList(m.Participants),
		KeyPoints:        decodeStringList(m.KeyPoints),
		ActionItems:      decodeStringList(m.ActionItems),
		QuestionsAnswers: []QuestionAnswerResponse{},
		CreatedAt:        m.CreatedAt,
		Status:           m.Status,
	}
	if !m.ProcessedAt.IsZero() {
		t := m.ProcessedAt
		resp.ProcessedAt = &t
	}
	for _, qa := range qas {
		resp.QuestionsAnswers = append(resp.QuestionsAnswers, QuestionAnswerResponse{
			Question:  qa.Question,
			Answer:    qa.Answer,
			Timestamp: qa.CreatedAt,
		})
	}
	return resp
}

func decodeStringList(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func encodeStringList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}
