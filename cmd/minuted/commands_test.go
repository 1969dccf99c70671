package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(srv *httptest.Server) *apiClient {
	return &apiClient{
		baseURL:    srv.URL + "/api",
		httpClient: srv.Client(),
	}
}

func TestStatusColor(t *testing.T) {
	cases := []struct {
		status string
		want   string
	}{
		{"completed", colorGreen},
		{"processing", colorYellow},
		{"error", colorRed},
		{"uploaded", colorGray},
		{"recording", colorGray},
		{"unknown", colorGray},
	}
	for _, c := range cases {
		if got := statusColor(c.status); got != c.want {
			t.Errorf("statusColor(%q) = %q, want %q", c.status, got, c.want)
		}
	}
}

func TestColorize_RespectsNoColor(t *testing.T) {
	noColor = false
	t.Cleanup(func() { noColor = false })

	if got := colorize(colorRed, "boom"); got != colorRed+"boom"+colorReset {
		t.Errorf("colorize = %q", got)
	}

	noColor = true
	if got := colorize(colorRed, "boom"); got != "boom" {
		t.Errorf("colorize with noColor = %q, want plain text", got)
	}
}

func TestSplitList(t *testing.T) {
	if got := splitList(""); got != nil {
		t.Errorf("splitList(\"\") = %v, want nil", got)
	}
	got := splitList("alice, bob ,carol")
	want := []string{"alice", "bob", "carol"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitList = %v, want %v", got, want)
	}
}

func TestPollMeeting_StopsOnCompleted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := "processing"
		if calls.Add(1) >= 3 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "m1", "status": status})
	}))
	defer srv.Close()

	status, err := pollMeeting(testClient(srv), "m1", time.Millisecond, 10)
	if err != nil {
		t.Fatalf("pollMeeting failed: %v", err)
	}
	if status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestPollMeeting_StopsOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "m1", "status": "error"})
	}))
	defer srv.Close()

	status, err := pollMeeting(testClient(srv), "m1", time.Millisecond, 10)
	if err != nil {
		t.Fatal(err)
	}
	if status != "error" {
		t.Errorf("status = %q, want error", status)
	}
}

func TestPollMeeting_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"id": "m1", "status": "processing"})
	}))
	defer srv.Close()

	status, err := pollMeeting(testClient(srv), "m1", time.Millisecond, 4)
	if err != nil {
		t.Fatal(err)
	}
	if status != "processing" {
		t.Errorf("status = %q, want last seen processing", status)
	}
	if calls.Load() != 4 {
		t.Errorf("calls = %d, want exactly maxAttempts", calls.Load())
	}
}

func TestPollMeeting_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := pollMeeting(testClient(srv), "m1", time.Millisecond, 3); err == nil {
		t.Fatal("expected error on 404")
	}
}
