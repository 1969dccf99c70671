package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Meeting lifecycle statuses, in the order they are normally reached.
const (
	StatusRecording  = "recording"
	StatusUploaded   = "uploaded"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusError      = "error"
)

var statusRank = map[string]int{
	StatusRecording:  0,
	StatusUploaded:   1,
	StatusProcessing: 2,
	StatusCompleted:  3,
}

// ValidTransition reports whether a meeting may move from one status to
// another. Statuses advance monotonically; "error" is reachable only from
// "uploaded" or "processing".
func ValidTransition(from, to string) bool {
	if to == StatusError {
		return from == StatusUploaded || from == StatusProcessing
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

type Meeting struct {
	ID           string
	Title        string
	CompanyName  string
	Participants string // JSON array stored as text
	MeetingDate  string
	AudioKey     string // blob store key; empty until audio is uploaded
	Transcript   string
	Summary      string
	KeyPoints    string // JSON array stored as text
	ActionItems  string // JSON array stored as text
	CreatedAt    time.Time
	ProcessedAt  time.Time // zero until processing completes
	Status       string
}

type QuestionAnswer struct {
	ID        string
	MeetingID string
	Question  string
	Answer    string
	CreatedAt time.Time
}

// Attachment is a document (agenda, notes) attached to a meeting. Only the
// extracted text is kept; the original file is not stored.
type Attachment struct {
	ID        string
	MeetingID string
	Filename  string
	Content   string
	CreatedAt time.Time
}

type StatusCheck struct {
	ID         string
	ClientName string
	CreatedAt  time.Time
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
