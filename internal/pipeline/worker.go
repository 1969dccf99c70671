package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/minuted/minuted/internal/blob"
	"github.com/minuted/minuted/internal/llm"
	"github.com/minuted/minuted/internal/storage"
)

// JobTypeProcess is the queue entry enqueued by POST /api/meetings/{id}/process.
const JobTypeProcess = "meeting_process"

// MeetingStore abstracts the storage operations the worker needs.
type MeetingStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) (bool, error)
	GetMeeting(id string) (storage.Meeting, error)
	UpdateMeetingStatus(id, status string) error
	CompleteMeetingProcessing(id, transcript, summary, keyPointsJSON, actionItemsJSON string, processedAt time.Time) error
	ListAttachments(meetingID string) ([]storage.Attachment, error)
}

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Chatter produces a chat completion.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// ProcessPayload is the job payload for JobTypeProcess.
type ProcessPayload struct {
	MeetingID string `json:"meeting_id"`
}

// EnqueueProcessing queues a processing job for the meeting.
func EnqueueProcessing(store interface{ EnqueueJob(storage.Job) error }, meetingID string, maxAttempts int) error {
	payload, err := json.Marshal(ProcessPayload{MeetingID: meetingID})
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}
	return store.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeProcess,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	})
}

// Worker drains meeting_process jobs from the SQLite job queue.
type Worker struct {
	store       MeetingStore
	blobs       blob.Store
	transcriber Transcriber
	chatter     Chatter
	poll        time.Duration
	logger      *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store MeetingStore, blobs blob.Store, transcriber Transcriber, chatter Chatter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:       store,
		blobs:       blobs,
		transcriber: transcriber,
		chatter:     chatter,
		poll:        pollInterval,
		logger:      slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeProcess})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload ProcessPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		w.failJob(job.ID, "", fmt.Errorf("parsing payload: %w", err))
		return true, nil
	}

	if err := w.processMeeting(ctx, payload.MeetingID); err != nil {
		w.logger.Warn("processing failed", "job_id", job.ID, "meeting_id", payload.MeetingID, "error", err)
		w.failJob(job.ID, payload.MeetingID, err)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Info("meeting processed", "meeting_id", payload.MeetingID)
	return true, nil
}

// failJob records the failure; once the attempt budget is exhausted the
// meeting itself is flipped to "error" so clients stop polling.
func (w *Worker) failJob(jobID, meetingID string, cause error) {
	exhausted, err := w.store.FailJob(jobID, cause.Error())
	if err != nil {
		w.logger.Error("failed to mark job as failed", "job_id", jobID, "error", err)
		return
	}
	if exhausted && meetingID != "" {
		if err := w.store.UpdateMeetingStatus(meetingID, storage.StatusError); err != nil {
			w.logger.Error("failed to mark meeting as errored", "meeting_id", meetingID, "error", err)
		}
	}
}

func (w *Worker) processMeeting(ctx context.Context, meetingID string) error {
	meeting, err := w.store.GetMeeting(meetingID)
	if err != nil {
		return fmt.Errorf("loading meeting %s: %w", meetingID, err)
	}
	if meeting.AudioKey == "" {
		return fmt.Errorf("meeting %s has no uploaded audio", meetingID)
	}

	audio, err := w.blobs.Get(ctx, meeting.AudioKey)
	if err != nil {
		return fmt.Errorf("fetching audio %s: %w", meeting.AudioKey, err)
	}
	defer audio.Close()

	w.logger.Info("transcribing audio", "meeting_id", meetingID, "audio_key", meeting.AudioKey)
	transcript, err := w.transcriber.Transcribe(ctx, path.Base(meeting.AudioKey), audio)
	if err != nil {
		return fmt.Errorf("transcribing audio: %w", err)
	}

	attachments, err := w.store.ListAttachments(meetingID)
	if err != nil {
		return fmt.Errorf("loading attachments: %w", err)
	}

	w.logger.Info("generating summary", "meeting_id", meetingID)
	response, err := w.chatter.Chat(ctx, []llm.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: BuildSummaryPrompt(transcript, attachments)},
	})
	if err != nil {
		return fmt.Errorf("generating summary: %w", err)
	}

	result := ParseSummaryResponse(response)

	keyPoints, err := json.Marshal(orEmpty(result.KeyPoints))
	if err != nil {
		return fmt.Errorf("marshaling key points: %w", err)
	}
	actionItems, err := json.Marshal(orEmpty(result.ActionItems))
	if err != nil {
		return fmt.Errorf("marshaling action items: %w", err)
	}

	if err := w.store.CompleteMeetingProcessing(
		meetingID, transcript, result.Summary, string(keyPoints), string(actionItems), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("storing results: %w", err)
	}
	return nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
