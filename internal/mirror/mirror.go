package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Entry is the locally cached view of a meeting, enough for offline listing.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type state struct {
	Meetings  []Entry   `json:"meetings"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Store keeps a JSON mirror of the server's meeting list so the CLI can
// show something when the server is unreachable. Writes replace the whole
// mirror; partial fetches never overwrite it.
type Store struct {
	path string
}

func New(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, "meetings.json")}
}

// Replace overwrites the mirror with a fresh server listing.
func (s *Store) Replace(entries []Entry) error {
	return s.write(state{Meetings: entries, FetchedAt: time.Now().UTC()})
}

// write persists the mirror via write-then-rename so a crash mid-write
// never leaves a torn mirror.
func (s *Store) write(st state) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mirror: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write mirror: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace mirror: %w", err)
	}
	return nil
}

// Load returns the cached meetings and when they were fetched. A missing
// mirror returns an empty list, not an error.
func (s *Store) Load() ([]Entry, time.Time, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read mirror: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to parse mirror: %w", err)
	}
	return st.Meetings, st.FetchedAt, nil
}

// Remove drops one meeting from the mirror, e.g. after a delete succeeded
// on the server.
func (s *Store) Remove(id string) error {
	entries, fetchedAt, err := s.Load()
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	return s.write(state{Meetings: kept, FetchedAt: fetchedAt})
}
