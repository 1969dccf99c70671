package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for meetings, question/answer
// history, attachments, status checks, and the background job queue.
type Store struct {
	db *sql.DB
}

// dsnPragmas rides on the DSN so every connection gets them, not just the
// one that happens to run a PRAGMA statement. busy_timeout makes concurrent
// access wait briefly instead of failing, WAL improves concurrent reads, and
// foreign_keys makes question/answer and attachment rows cascade on meeting
// deletion.
const dsnPragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = "file::memory:?" + dsnPragmas
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = "file:" + filepath.Join(dataDir, "minuted.db") + "?" + dsnPragmas
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

const meetingColumns = `id, title, company_name, participants, meeting_date, audio_key,
	transcript, summary, key_points, action_items, created_at, processed_at, status`

// --- Meetings ---

func (s *Store) SaveMeeting(m Meeting) error {
	status := m.Status
	if status == "" {
		status = StatusRecording
	}
	_, err := s.db.Exec(`
		INSERT INTO meetings (`+meetingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.CompanyName, orJSONArray(m.Participants), m.MeetingDate, m.AudioKey,
		m.Transcript, m.Summary, orJSONArray(m.KeyPoints), orJSONArray(m.ActionItems),
		m.CreatedAt.UTC().Format(time.RFC3339), nullableTime(m.ProcessedAt), status,
	)
	return err
}

func (s *Store) GetMeeting(id string) (Meeting, error) {
	row := s.db.QueryRow(`SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id)
	m, err := scanMeeting(row)
	if err == sql.ErrNoRows {
		return Meeting{}, ErrNotFound
	}
	return m, err
}

func (s *Store) ListMeetings(limit, offset int) ([]Meeting, error) {
	rows, err := s.db.Query(`
		SELECT `+meetingColumns+` FROM meetings
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// UpdateMeetingDetails overwrites the user-editable fields of a meeting.
func (s *Store) UpdateMeetingDetails(id, title, companyName, participantsJSON, meetingDate string) error {
	res, err := s.db.Exec(`
		UPDATE meetings SET title = ?, company_name = ?, participants = ?, meeting_date = ?
		WHERE id = ?`,
		title, companyName, orJSONArray(participantsJSON), meetingDate, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetMeetingAudio records the blob key of the uploaded audio and advances the
// meeting to "uploaded".
func (s *Store) SetMeetingAudio(id, audioKey string) error {
	res, err := s.db.Exec(`UPDATE meetings SET audio_key = ?, status = ? WHERE id = ?`,
		audioKey, StatusUploaded, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) UpdateMeetingStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE meetings SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteMeetingProcessing stores the pipeline results and marks the meeting
// completed in one statement.
func (s *Store) CompleteMeetingProcessing(id, transcript, summary, keyPointsJSON, actionItemsJSON string, processedAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE meetings
		SET transcript = ?, summary = ?, key_points = ?, action_items = ?, processed_at = ?, status = ?
		WHERE id = ?`,
		transcript, summary, orJSONArray(keyPointsJSON), orJSONArray(actionItemsJSON),
		processedAt.UTC().Format(time.RFC3339), StatusCompleted, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteMeeting(id string) error {
	res, err := s.db.Exec(`DELETE FROM meetings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeeting(row rowScanner) (Meeting, error) {
	var m Meeting
	var createdAt string
	var processedAt sql.NullString
	err := row.Scan(&m.ID, &m.Title, &m.CompanyName, &m.Participants, &m.MeetingDate, &m.AudioKey,
		&m.Transcript, &m.Summary, &m.KeyPoints, &m.ActionItems, &createdAt, &processedAt, &m.Status)
	if err != nil {
		return Meeting{}, err
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Meeting{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if processedAt.Valid && processedAt.String != "" {
		if m.ProcessedAt, err = time.Parse(time.RFC3339, processedAt.String); err != nil {
			return Meeting{}, fmt.Errorf("parsing processed_at: %w", err)
		}
	}
	return m, nil
}

// --- Question/answer history ---

func (s *Store) SaveQuestionAnswer(qa QuestionAnswer) error {
	_, err := s.db.Exec(`
		INSERT INTO question_answers (id, meeting_id, question, answer, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		qa.ID, qa.MeetingID, qa.Question, qa.Answer, qa.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) ListQuestionAnswers(meetingID string) ([]QuestionAnswer, error) {
	rows, err := s.db.Query(`
		SELECT id, meeting_id, question, answer, created_at
		FROM question_answers WHERE meeting_id = ? ORDER BY created_at ASC`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QuestionAnswer
	for rows.Next() {
		var qa QuestionAnswer
		var createdAt string
		if err := rows.Scan(&qa.ID, &qa.MeetingID, &qa.Question, &qa.Answer, &createdAt); err != nil {
			return nil, err
		}
		if qa.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, qa)
	}
	return results, rows.Err()
}

// --- Attachments ---

func (s *Store) SaveAttachment(a Attachment) error {
	_, err := s.db.Exec(`
		INSERT INTO attachments (id, meeting_id, filename, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.MeetingID, a.Filename, a.Content, a.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) ListAttachments(meetingID string) ([]Attachment, error) {
	rows, err := s.db.Query(`
		SELECT id, meeting_id, filename, content, created_at
		FROM attachments WHERE meeting_id = ? ORDER BY created_at ASC`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Attachment
	for rows.Next() {
		var a Attachment
		var createdAt string
		if err := rows.Scan(&a.ID, &a.MeetingID, &a.Filename, &a.Content, &createdAt); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, a)
	}
	return results, rows.Err()
}

// --- Status checks ---

func (s *Store) SaveStatusCheck(c StatusCheck) error {
	_, err := s.db.Exec(`
		INSERT INTO status_checks (id, client_name, created_at) VALUES (?, ?, ?)`,
		c.ID, c.ClientName, c.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *Store) ListStatusChecks(limit int) ([]StatusCheck, error) {
	rows, err := s.db.Query(`
		SELECT id, client_name, created_at FROM status_checks
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StatusCheck
	for rows.Next() {
		var c StatusCheck
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ClientName, &createdAt); err != nil {
			return nil, err
		}
		if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

// ClaimNextJob atomically moves the oldest runnable pending job of one of the
// given types to "running" and returns it. Returns nil when no job is due.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]any, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// FailJob records a failed attempt. The job is rescheduled with exponential
// backoff until max_attempts is reached, then marked failed permanently.
// Returns true when the job is permanently failed.
func (s *Store) FailJob(id string, errMsg string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	attempts++
	exhausted := attempts >= maxAttempts

	if exhausted {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return false, err
	}

	return exhausted, tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func orJSONArray(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
