package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"
)

// ErrNoSession is returned when a control operation finds no active recording.
var ErrNoSession = errors.New("no active recording session")

// Session is the persisted state of a recording in progress. It lives in a
// JSON file so separate CLI invocations (start, pause, stop) can find the
// ffmpeg process.
type Session struct {
	MeetingID string    `json:"meeting_id"`
	Title     string    `json:"title"`
	AudioPath string    `json:"audio_path"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Paused    bool      `json:"paused"`
	PausedAt  time.Time `json:"paused_at,omitempty"`
	// PausedTotal accumulates time spent paused so Elapsed reports
	// recorded audio time, not wall-clock time.
	PausedTotal time.Duration `json:"paused_total"`
}

// Elapsed returns how much audio has been recorded so far.
func (s *Session) Elapsed() time.Duration {
	end := time.Now()
	if s.Paused {
		end = s.PausedAt
	}
	return end.Sub(s.StartedAt) - s.PausedTotal
}

// Recorder starts and controls ffmpeg capture sessions. One session at a
// time; state is kept under stateDir.
type Recorder struct {
	stateDir string
	audioDir string
}

func New(stateDir, audioDir string) *Recorder {
	return &Recorder{stateDir: stateDir, audioDir: audioDir}
}

func (r *Recorder) sessionPath() string {
	return filepath.Join(r.stateDir, "recording.json")
}

// CheckFFmpeg verifies ffmpeg is installed.
func (r *Recorder) CheckFFmpeg() error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return errors.New("ffmpeg not found in PATH; install it to record audio")
	}
	return nil
}

func captureArgs(outputPath string) []string {
	var input []string
	switch runtime.GOOS {
	case "darwin":
		input = []string{"-f", "avfoundation", "-i", ":default"}
	case "windows":
		input = []string{"-f", "dshow", "-i", "audio=default"}
	default:
		input = []string{"-f", "pulse", "-i", "default"}
	}
	args := append([]string{"-hide_banner", "-loglevel", "error"}, input...)
	return append(args, "-ac", "1", "-ar", "16000", "-y", outputPath)
}

// Start launches ffmpeg recording for the given meeting. If the capture
// device is unavailable or permission is denied, ffmpeg exits immediately
// and no session is created.
func (r *Recorder) Start(meetingID, title string) (*Session, error) {
	if _, err := r.Current(); err == nil {
		return nil, errors.New("a recording session is already active")
	} else if !errors.Is(err, ErrNoSession) {
		return nil, err
	}

	if err := r.CheckFFmpeg(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audio directory: %w", err)
	}
	if err := os.MkdirAll(r.stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	audioPath := filepath.Join(r.audioDir, meetingID+".wav")
	cmd := exec.Command("ffmpeg", captureArgs(audioPath)...)

	logFile, err := os.Create(audioPath + ".ffmpeg.log")
	if err == nil {
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	if logFile != nil {
		logFile.Close()
	}

	// Reap the process in the background so a crashed ffmpeg does not
	// linger as a zombie while this invocation is still alive.
	go cmd.Wait()

	// Give ffmpeg a moment to fail on device/permission errors; if it
	// already exited, report that instead of recording a dead session.
	time.Sleep(300 * time.Millisecond)
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		msg := readTail(audioPath + ".ffmpeg.log")
		if msg != "" {
			return nil, fmt.Errorf("ffmpeg exited immediately: %s", msg)
		}
		return nil, errors.New("ffmpeg exited immediately; check audio device permissions")
	}

	sess := &Session{
		MeetingID: meetingID,
		Title:     title,
		AudioPath: audioPath,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
	}
	if err := r.save(sess); err != nil {
		cmd.Process.Signal(syscall.SIGINT)
		return nil, err
	}
	return sess, nil
}

// Pause suspends the ffmpeg process. Pausing while already paused is a no-op.
func (r *Recorder) Pause() (*Session, error) {
	sess, err := r.Current()
	if err != nil {
		return nil, err
	}
	if sess.Paused {
		return sess, nil
	}
	if err := syscall.Kill(sess.PID, syscall.SIGSTOP); err != nil {
		return nil, fmt.Errorf("failed to pause recording: %w", err)
	}
	sess.Paused = true
	sess.PausedAt = time.Now()
	if err := r.save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Resume continues a paused session. Resuming while recording is a no-op.
func (r *Recorder) Resume() (*Session, error) {
	sess, err := r.Current()
	if err != nil {
		return nil, err
	}
	if !sess.Paused {
		return sess, nil
	}
	if err := syscall.Kill(sess.PID, syscall.SIGCONT); err != nil {
		return nil, fmt.Errorf("failed to resume recording: %w", err)
	}
	sess.PausedTotal += time.Since(sess.PausedAt)
	sess.Paused = false
	sess.PausedAt = time.Time{}
	if err := r.save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Stop ends the session and returns it with the final audio file in place.
// ffmpeg flushes and finalizes the file on SIGINT.
func (r *Recorder) Stop() (*Session, error) {
	sess, err := r.Current()
	if err != nil {
		return nil, err
	}
	if sess.Paused {
		// A stopped process cannot handle SIGINT.
		syscall.Kill(sess.PID, syscall.SIGCONT)
		sess.PausedTotal += time.Since(sess.PausedAt)
		sess.Paused = false
	}
	if err := syscall.Kill(sess.PID, syscall.SIGINT); err != nil && !errors.Is(err, syscall.ESRCH) {
		return nil, fmt.Errorf("failed to stop recording: %w", err)
	}

	// Wait for ffmpeg to finalize the container before handing the file on.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(sess.PID, syscall.Signal(0)); err != nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := os.Remove(r.sessionPath()); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to clear session state: %w", err)
	}
	return sess, nil
}

// Current loads the active session. Stale state files (process gone) are
// cleaned up and reported as ErrNoSession.
func (r *Recorder) Current() (*Session, error) {
	data, err := os.ReadFile(r.sessionPath())
	if os.IsNotExist(err) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		os.Remove(r.sessionPath())
		return nil, ErrNoSession
	}
	if err := syscall.Kill(sess.PID, syscall.Signal(0)); err != nil {
		os.Remove(r.sessionPath())
		return nil, ErrNoSession
	}
	return &sess, nil
}

func (r *Recorder) save(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	if err := os.WriteFile(r.sessionPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	return nil
}

func readTail(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	const max = 300
	if len(data) > max {
		data = data[len(data)-max:]
	}
	return string(data)
}
