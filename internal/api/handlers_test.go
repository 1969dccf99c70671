package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/minuted/minuted/internal/blob"
	"github.com/minuted/minuted/internal/llm"
	"github.com/minuted/minuted/internal/pipeline"
	"github.com/minuted/minuted/internal/storage"
)

const testToken = "test-token-12345"

type fakeChatter struct {
	response string
	err      error
}

func (f *fakeChatter) Chat(_ context.Context, _ []llm.Message) (string, error) {
	return f.response, f.err
}

type fakeTranscriber struct {
	transcript string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, audio io.Reader) (string, error) {
	io.Copy(io.Discard, audio)
	return f.transcript, nil
}

func setupHandler(t *testing.T, token string) (http.Handler, Deps) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore failed: %v", err)
	}

	deps := Deps{
		Store:              store,
		Blobs:              blobs,
		Chat:               &fakeChatter{response: "the answer"},
		Token:              token,
		ProcessMaxAttempts: 3,
	}
	return NewHandler(deps), deps
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func doJSON(t *testing.T, h http.Handler, req *http.Request, wantCode int, v any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != wantCode {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, wantCode, rr.Body.String())
	}
	if v != nil {
		if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
	}
}

func createTestMeeting(t *testing.T, h http.Handler, title string) MeetingResponse {
	t.Helper()
	var m MeetingResponse
	body := fmt.Sprintf(`{"title":%q}`, title)
	doJSON(t, h, authReq(http.MethodPost, "/api/meetings", body, testToken), http.StatusOK, &m)
	return m
}

func uploadAudio(t *testing.T, h http.Handler, meetingID, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("audio_file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte(content))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/meetings/"+meetingID+"/upload-audio", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// --- auth ---

func TestHealth_NoAuthRequired(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAPI_RequiresToken(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/meetings", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/meetings", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want 401", rr.Code)
	}
}

func TestAPI_OpenWhenNoTokenConfigured(t *testing.T) {
	h, _ := setupHandler(t, "")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/meetings", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with auth disabled", rr.Code)
	}
}

// --- status checks ---

func TestStatusChecks_CreateAndList(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	var created StatusCheckResponse
	doJSON(t, h, authReq(http.MethodPost, "/api/status", `{"client_name":"mobile"}`, testToken), http.StatusOK, &created)
	if created.ClientName != "mobile" || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}

	var checks []StatusCheckResponse
	doJSON(t, h, authReq(http.MethodGet, "/api/status", "", testToken), http.StatusOK, &checks)
	if len(checks) != 1 || checks[0].ID != created.ID {
		t.Fatalf("checks = %+v", checks)
	}
}

func TestStatusChecks_MissingClientName(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/status", `{}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

// --- meeting CRUD ---

func TestCreateMeeting(t *testing.T) {
	h, _ := setupHandler(t, testToken)

	var m MeetingResponse
	body := `{"title":"Weekly sync","company_name":"Acme","participants":["alice","bob"]}`
	doJSON(t, h, authReq(http.MethodPost, "/api/meetings", body, testToken), http.StatusOK, &m)

	if m.ID == "" {
		t.Fatal("missing id")
	}
	if m.Status != storage.StatusRecording {
		t.Errorf("Status = %q, want recording", m.Status)
	}
	if m.CompanyName != "Acme" {
		t.Errorf("CompanyName = %q", m.CompanyName)
	}
	if len(m.Participants) != 2 {
		t.Errorf("Participants = %v", m.Participants)
	}
	if m.ProcessedAt != nil {
		t.Errorf("ProcessedAt should be absent for a new meeting")
	}
}

func TestCreateMeeting_MissingTitle(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/meetings", `{"title":"  "}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestGetMeeting_NotFound(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/meetings/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestListMeetings(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	createTestMeeting(t, h, "First")
	createTestMeeting(t, h, "Second")

	var meetings []MeetingResponse
	doJSON(t, h, authReq(http.MethodGet, "/api/meetings", "", testToken), http.StatusOK, &meetings)
	if len(meetings) != 2 {
		t.Fatalf("got %d meetings, want 2", len(meetings))
	}
}

func TestUpdateMeeting(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Before")

	var updated MeetingResponse
	body := `{"title":"After","company_name":"Acme","participants":["carol"]}`
	doJSON(t, h, authReq(http.MethodPut, "/api/meetings/"+m.ID, body, testToken), http.StatusOK, &updated)

	if updated.Title != "After" || updated.CompanyName != "Acme" {
		t.Errorf("updated = %+v", updated)
	}
	if len(updated.Participants) != 1 || updated.Participants[0] != "carol" {
		t.Errorf("Participants = %v", updated.Participants)
	}
}

func TestUpdateMeeting_MissingTitle(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Before")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPut, "/api/meetings/"+m.ID, `{"title":""}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestDeleteMeeting_RemovesAudioBlob(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Doomed")

	if rr := uploadAudio(t, h, m.ID, "rec.wav", "audio"); rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var result map[string]string
	doJSON(t, h, authReq(http.MethodDelete, "/api/meetings/"+m.ID, "", testToken), http.StatusOK, &result)
	if result["message"] != "Meeting deleted successfully" {
		t.Errorf("message = %q", result["message"])
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/api/meetings/"+m.ID, "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("meeting still present after delete")
	}
	if _, err := deps.Blobs.Get(context.Background(), m.ID+".wav"); err == nil {
		t.Error("audio blob still present after delete")
	}
}

// --- upload and processing ---

func TestUploadAudio_SetsStatusAndKey(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")

	rr := uploadAudio(t, h, m.ID, "recording.m4a", "audio-bytes")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	got, err := deps.Store.GetMeeting(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusUploaded {
		t.Errorf("Status = %q, want uploaded", got.Status)
	}
	if got.AudioKey != m.ID+".m4a" {
		t.Errorf("AudioKey = %q, want %s.m4a", got.AudioKey, m.ID)
	}

	r, err := deps.Blobs.Get(context.Background(), got.AudioKey)
	if err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "audio-bytes" {
		t.Errorf("blob content = %q", data)
	}
}

func TestUploadAudio_MissingFile(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/upload-audio", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestProcessMeeting_RequiresAudio(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/process", "", testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without audio", rr.Code)
	}
}

func TestProcessMeeting_EnqueuesJob(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")
	uploadAudio(t, h, m.ID, "rec.wav", "audio")

	var resp ProcessingResponse
	doJSON(t, h, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/process", "", testToken), http.StatusOK, &resp)
	if resp.Status != storage.StatusProcessing || resp.MeetingID != m.ID {
		t.Fatalf("resp = %+v", resp)
	}

	job, err := deps.Store.ClaimNextJob([]string{pipeline.JobTypeProcess})
	if err != nil {
		t.Fatal(err)
	}
	if job == nil {
		t.Fatal("no job enqueued")
	}
	var payload pipeline.ProcessPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.MeetingID != m.ID {
		t.Errorf("payload meeting = %q, want %q", payload.MeetingID, m.ID)
	}
}

func TestProcessMeeting_ConflictWhenAlreadyProcessing(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")
	uploadAudio(t, h, m.ID, "rec.wav", "audio")

	doJSON(t, h, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/process", "", testToken), http.StatusOK, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/process", "", testToken))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409 for double processing", rr.Code)
	}
}

func TestProcessMeeting_EnqueueFailureMarksError(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")
	uploadAudio(t, h, m.ID, "rec.wav", "audio")

	orig := enqueueProcessing
	enqueueProcessing = func(interface{ EnqueueJob(storage.Job) error }, string, int) error {
		return fmt.Errorf("jobs table unavailable")
	}
	t.Cleanup(func() { enqueueProcessing = orig })

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/process", "", testToken))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 when enqueue fails", rr.Code)
	}

	// The meeting must not be stranded in "processing" with no job behind it.
	got, err := deps.Store.GetMeeting(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != storage.StatusError {
		t.Errorf("Status = %q, want error after enqueue failure", got.Status)
	}
	if job, err := deps.Store.ClaimNextJob([]string{pipeline.JobTypeProcess}); err != nil || job != nil {
		t.Errorf("ClaimNextJob = (%v, %v), want no queued job", job, err)
	}
}

/// Full lifecycle: create, upload, process, worker runs, meeting completes.
func TestMeetingLifecycle(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Quarterly review")
	uploadAudio(t, h, m.ID, "rec.wav", "audio-bytes")
	doJSON(t, h, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/process", "", testToken), http.StatusOK, nil)

	chatter := &fakeChatter{response: `{"summary":"Numbers are up.","key_points":["revenue"],"decisions":[],"action_items":["carol: deck"]}`}
	worker := pipeline.NewWorker(deps.Store, deps.Blobs, &fakeTranscriber{transcript: "we went over revenue"}, chatter, time.Millisecond)
	done, err := worker.RunOnce(context.Background())
	if err != nil || !done {
		t.Fatalf("worker RunOnce = (%v, %v)", done, err)
	}

	var got MeetingResponse
	doJSON(t, h, authReq(http.MethodGet, "/api/meetings/"+m.ID, "", testToken), http.StatusOK, &got)
	if got.Status != storage.StatusCompleted {
		t.Fatalf("Status = %q, want completed", got.Status)
	}
	if got.Transcript != "we went over revenue" {
		t.Errorf("Transcript = %q", got.Transcript)
	}
	if got.Summary != "Numbers are up." {
		t.Errorf("Summary = %q", got.Summary)
	}
	if len(got.KeyPoints) != 1 || got.KeyPoints[0] != "revenue" {
		t.Errorf("KeyPoints = %v", got.KeyPoints)
	}
	if len(got.ActionItems) != 1 {
		t.Errorf("ActionItems = %v", got.ActionItems)
	}
	if got.ProcessedAt == nil {
		t.Error("ProcessedAt not set")
	}
}

// --- questions ---

func TestAskQuestion_RequiresTranscript(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/ask-question", `{"question":"what?"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without transcript", rr.Code)
	}
}

func TestAskQuestion_AnswersAndStoresHistory(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")
	if err := deps.Store.CompleteMeetingProcessing(m.ID, "bob: ship friday", "Ship Friday.", "[]", "[]", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	var qa QuestionAnswerResponse
	doJSON(t, h, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/ask-question", `{"question":"when do we ship?"}`, testToken), http.StatusOK, &qa)
	if qa.Answer != "the answer" {
		t.Errorf("Answer = %q", qa.Answer)
	}

	var got MeetingResponse
	doJSON(t, h, authReq(http.MethodGet, "/api/meetings/"+m.ID, "", testToken), http.StatusOK, &got)
	if len(got.QuestionsAnswers) != 1 || got.QuestionsAnswers[0].Question != "when do we ship?" {
		t.Errorf("QuestionsAnswers = %+v", got.QuestionsAnswers)
	}
}

func TestAskQuestion_MissingQuestion(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")
	deps.Store.CompleteMeetingProcessing(m.ID, "transcript", "", "[]", "[]", time.Now().UTC())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/ask-question", `{"question":" "}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestAskQuestion_ChatFailure(t *testing.T) {
	h, deps := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")
	deps.Store.CompleteMeetingProcessing(m.ID, "transcript", "", "[]", "[]", time.Now().UTC())
	deps.Chat.(*fakeChatter).err = fmt.Errorf("model offline")
	deps.Chat.(*fakeChatter).response = ""

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/api/meetings/"+m.ID+"/ask-question", `{"question":"hm?"}`, testToken))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

// --- attachments ---

func TestAttachments_UploadAndList(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("file", "agenda.txt")
	part.Write([]byte("1. Budget\n2. Hiring"))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/meetings/"+m.ID+"/attachments", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var list []AttachmentResponse
	doJSON(t, h, authReq(http.MethodGet, "/api/meetings/"+m.ID+"/attachments", "", testToken), http.StatusOK, &list)
	if len(list) != 1 || list[0].Filename != "agenda.txt" {
		t.Fatalf("list = %+v", list)
	}
}

func TestAttachments_RejectsBinaryGarbage(t *testing.T) {
	h, _ := setupHandler(t, testToken)
	m := createTestMeeting(t, h, "Sync")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("file", "blob.bin")
	part.Write([]byte{0xff, 0xfe, 0x00, 0x80, 0x81})
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/meetings/"+m.ID+"/attachments", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for non-text upload", rr.Code)
	}
}
