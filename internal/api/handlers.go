package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/minuted/minuted/internal/blob"
	"github.com/minuted/minuted/internal/llm"
	"github.com/minuted/minuted/internal/pipeline"
	"github.com/minuted/minuted/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxUploadSize      = 64 << 20 // 64MB audio
	maxAttachmentSize  = 10 << 20 // 10MB documents
)

// Chatter answers ask-question requests; nil disables the endpoint.
type Chatter interface {
	Chat(ctx context.Context, messages []llm.Message) (string, error)
}

// Deps holds everything the API handlers need.
type Deps struct {
	Store *storage.Store
	Blobs blob.Store
	Chat  Chatter
	// Token, when non-empty, enables bearer auth on the /api routes.
	Token string
	// ProcessMaxAttempts bounds retries of a processing job before the
	// meeting is flipped to "error". Zero means the queue default.
	ProcessMaxAttempts int
}

// NewHandler assembles the REST API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/", handleRoot)
		r.Post("/status", handleCreateStatusCheck(deps))
		r.Get("/status", handleListStatusChecks(deps))

		r.Get("/meetings", handleListMeetings(deps))
		r.Post("/meetings", handleCreateMeeting(deps))
		r.Get("/meetings/{id}", handleGetMeeting(deps))
		r.Put("/meetings/{id}", handleUpdateMeeting(deps))
		r.Delete("/meetings/{id}", handleDeleteMeeting(deps))
		r.Post("/meetings/{id}/upload-audio", handleUploadAudio(deps))
		r.Post("/meetings/{id}/process", handleProcessMeeting(deps))
		r.Post("/meetings/{id}/ask-question", handleAskQuestion(deps))
		r.Post("/meetings/{id}/attachments", handleAddAttachment(deps))
		r.Get("/meetings/{id}/attachments", handleListAttachments(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "minuted meeting API"})
}

// --- status checks ---

func handleCreateStatusCheck(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			ClientName string `json:"client_name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ClientName == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "client_name is required")
			return
		}

		check := storage.StatusCheck{
			ID:         uuid.New().String(),
			ClientName: req.ClientName,
			CreatedAt:  time.Now().UTC(),
		}
		if err := deps.Store.SaveStatusCheck(check); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save status check: %v", err)
			return
		}

		writeJSON(w, StatusCheckResponse{ID: check.ID, ClientName: check.ClientName, Timestamp: check.CreatedAt})
	}
}

func handleListStatusChecks(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks, err := deps.Store.ListStatusChecks(1000)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list status checks: %v", err)
			return
		}
		out := make([]StatusCheckResponse, 0, len(checks))
		for _, c := range checks {
			out = append(out, StatusCheckResponse{ID: c.ID, ClientName: c.ClientName, Timestamp: c.CreatedAt})
		}
		writeJSON(w, out)
	}
}

// --- meetings ---

func handleCreateMeeting(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Title        string   `json:"title"`
			CompanyName  string   `json:"company_name"`
			Participants []string `json:"participants"`
			MeetingDate  string   `json:"meeting_date"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		meeting := storage.Meeting{
			ID:           uuid.New().String(),
			Title:        req.Title,
			CompanyName:  req.CompanyName,
			Participants: encodeStringList(req.Participants),
			MeetingDate:  req.MeetingDate,
			CreatedAt:    time.Now().UTC(),
			Status:       storage.StatusRecording,
		}
		if err := deps.Store.SaveMeeting(meeting); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save meeting: %v", err)
			return
		}

		writeJSON(w, toMeetingResponse(meeting, nil))
	}
}

func handleListMeetings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		meetings, err := deps.Store.ListMeetings(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list meetings: %v", err)
			return
		}

		out := make([]MeetingResponse, 0, len(meetings))
		for _, m := range meetings {
			qas, err := deps.Store.ListQuestionAnswers(m.ID)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to list questions: %v", err)
				return
			}
			out = append(out, toMeetingResponse(m, qas))
		}
		writeJSON(w, out)
	}
}

func handleGetMeeting(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, ok := loadMeeting(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		qas, err := deps.Store.ListQuestionAnswers(meeting.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list questions: %v", err)
			return
		}
		writeJSON(w, toMeetingResponse(meeting, qas))
	}
}

func handleUpdateMeeting(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, ok := loadMeeting(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Title        string   `json:"title"`
			CompanyName  string   `json:"company_name"`
			Participants []string `json:"participants"`
			MeetingDate  string   `json:"meeting_date"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		err := deps.Store.UpdateMeetingDetails(meeting.ID, req.Title, req.CompanyName,
			encodeStringList(req.Participants), req.MeetingDate)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update meeting: %v", err)
			return
		}

		updated, err := deps.Store.GetMeeting(meeting.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reload meeting: %v", err)
			return
		}
		qas, err := deps.Store.ListQuestionAnswers(meeting.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list questions: %v", err)
			return
		}
		writeJSON(w, toMeetingResponse(updated, qas))
	}
}

func handleDeleteMeeting(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, ok := loadMeeting(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		// Stored audio goes with the meeting. A missing blob is not an error.
		if meeting.AudioKey != "" {
			if err := deps.Blobs.Delete(r.Context(), meeting.AudioKey); err != nil {
				slog.Warn("failed to delete audio blob", "meeting_id", meeting.ID, "key", meeting.AudioKey, "error", err)
			}
		}

		if err := deps.Store.DeleteMeeting(meeting.ID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete meeting: %v", err)
			return
		}

		writeJSON(w, map[string]string{"message": "Meeting deleted successfully"})
	}
}

// --- audio upload and processing ---

func handleUploadAudio(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, ok := loadMeeting(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		file, header, err := r.FormFile("audio_file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field audio_file is required: %v", err)
			return
		}
		defer file.Close()

		ext := strings.TrimPrefix(filepath.Ext(header.Filename), ".")
		if ext == "" {
			ext = "wav"
		}
		key := fmt.Sprintf("%s.%s", meeting.ID, ext)

		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := deps.Blobs.Put(r.Context(), key, file, contentType); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to store audio: %v", err)
			return
		}

		if err := deps.Store.SetMeetingAudio(meeting.ID, key); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update meeting: %v", err)
			return
		}

		writeJSON(w, map[string]string{
			"message":    "Audio uploaded successfully",
			"meeting_id": meeting.ID,
		})
	}
}

// enqueueProcessing is a hook so tests can simulate queue failures.
var enqueueProcessing = pipeline.EnqueueProcessing

func handleProcessMeeting(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, ok := loadMeeting(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		if meeting.AudioKey == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no audio file uploaded")
			return
		}
		if !storage.ValidTransition(meeting.Status, storage.StatusProcessing) {
			httpError(w, http.StatusConflict, "invalid_request_error",
				"meeting cannot be processed from status %q", meeting.Status)
			return
		}

		if err := deps.Store.UpdateMeetingStatus(meeting.ID, storage.StatusProcessing); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to update status: %v", err)
			return
		}
		if err := enqueueProcessing(deps.Store, meeting.ID, deps.ProcessMaxAttempts); err != nil {
			// Without a queued job the meeting would sit in "processing"
			// forever, so surface the failure in its status.
			if serr := deps.Store.UpdateMeetingStatus(meeting.ID, storage.StatusError); serr != nil {
				slog.Error("failed to mark meeting as errored", "meeting_id", meeting.ID, "error", serr)
			}
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue processing: %v", err)
			return
		}

		writeJSON(w, ProcessingResponse{
			MeetingID: meeting.ID,
			Status:    storage.StatusProcessing,
			Message:   "Meeting processing started. This may take a few minutes.",
		})
	}
}

// --- questions ---

func handleAskQuestion(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, ok := loadMeeting(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Question string `json:"question"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if meeting.Transcript == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "meeting has no transcript yet")
			return
		}
		if deps.Chat == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "question answering is not configured")
			return
		}

		attachments, err := deps.Store.ListAttachments(meeting.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list attachments: %v", err)
			return
		}

		answer, err := deps.Chat.Chat(r.Context(), pipeline.BuildQuestionMessages(meeting, attachments, req.Question))
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to answer question: %v", err)
			return
		}

		qa := storage.QuestionAnswer{
			ID:        uuid.New().String(),
			MeetingID: meeting.ID,
			Question:  req.Question,
			Answer:    answer,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveQuestionAnswer(qa); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save answer: %v", err)
			return
		}

		writeJSON(w, QuestionAnswerResponse{Question: qa.Question, Answer: qa.Answer, Timestamp: qa.CreatedAt})
	}
}

// --- attachments ---

func handleAddAttachment(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, ok := loadMeeting(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field file is required: %v", err)
			return
		}
		defer file.Close()

		content, err := extractText(header.Filename, file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "could not extract text from %s: %v", header.Filename, err)
			return
		}

		attachment := storage.Attachment{
			ID:        uuid.New().String(),
			MeetingID: meeting.ID,
			Filename:  header.Filename,
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}
		if err := deps.Store.SaveAttachment(attachment); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save attachment: %v", err)
			return
		}

		writeJSON(w, AttachmentResponse{
			ID:        attachment.ID,
			MeetingID: attachment.MeetingID,
			Filename:  attachment.Filename,
			CreatedAt: attachment.CreatedAt,
		})
	}
}

func handleListAttachments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meeting, ok := loadMeeting(w, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		attachments, err := deps.Store.ListAttachments(meeting.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list attachments: %v", err)
			return
		}
		out := make([]AttachmentResponse, 0, len(attachments))
		for _, a := range attachments {
			out = append(out, AttachmentResponse{
				ID:        a.ID,
				MeetingID: a.MeetingID,
				Filename:  a.Filename,
				CreatedAt: a.CreatedAt,
			})
		}
		writeJSON(w, out)
	}
}

// --- helpers ---

func loadMeeting(w http.ResponseWriter, deps Deps, id string) (storage.Meeting, bool) {
	meeting, err := deps.Store.GetMeeting(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "meeting not found")
		return storage.Meeting{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load meeting: %v", err)
		return storage.Meeting{}, false
	}
	return meeting, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
