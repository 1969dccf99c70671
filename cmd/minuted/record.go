package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/minuted/minuted/internal/config"
	"github.com/minuted/minuted/internal/recorder"
)

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record meeting audio with ffmpeg",
	Long: `Record meeting audio with ffmpeg.

"record start" creates the meeting on the server and begins capturing audio.
"record stop" ends the capture, uploads the audio, and starts processing.

Examples:
  minuted record start "Weekly sync"
  minuted record pause
  minuted record resume
  minuted record stop --wait`,
}

var recordStartCmd = &cobra.Command{
	Use:   "start <title>",
	Short: "Create a meeting and start recording",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args, " ")
		company, _ := cmd.Flags().GetString("company")
		participantsStr, _ := cmd.Flags().GetString("participants")

		rec, err := newRecorder()
		if err != nil {
			return err
		}
		// Refuse before creating a server-side record we would orphan.
		if err := rec.CheckFFmpeg(); err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		m, err := createMeeting(client, title, company, splitList(participantsStr))
		if err != nil {
			return err
		}

		sess, err := rec.Start(m.ID, title)
		if err != nil {
			return fmt.Errorf("recording failed to start (meeting %s was created): %w", m.ID, err)
		}

		printSuccess("Recording meeting %s", m.ID)
		printStatus("Audio", "%s", sess.AudioPath)
		return nil
	},
}

var recordPauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the active recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newRecorder()
		if err != nil {
			return err
		}
		sess, err := rec.Pause()
		if err != nil {
			return err
		}
		printSuccess("Paused (%s recorded)", sess.Elapsed().Round(time.Second))
		return nil
	},
}

var recordResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newRecorder()
		if err != nil {
			return err
		}
		sess, err := rec.Resume()
		if err != nil {
			return err
		}
		printSuccess("Recording resumed (%s so far)", sess.Elapsed().Round(time.Second))
		return nil
	},
}

var recordStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active recording session",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := newRecorder()
		if err != nil {
			return err
		}
		sess, err := rec.Current()
		if errors.Is(err, recorder.ErrNoSession) {
			fmt.Println("No active recording.")
			return nil
		}
		if err != nil {
			return err
		}
		state := "recording"
		if sess.Paused {
			state = "paused"
		}
		printStatus("Meeting", "%s (%s)", sess.Title, sess.MeetingID)
		printStatus("State", "%s", state)
		printStatus("Elapsed", "%s", sess.Elapsed().Round(time.Second))
		return nil
	},
}

var recordStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording, upload the audio, and start processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")

		rec, err := newRecorder()
		if err != nil {
			return err
		}
		sess, err := rec.Stop()
		if err != nil {
			return err
		}
		printSuccess("Recording stopped (%s)", sess.Elapsed().Round(time.Second))

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Uploading audio...")
		resp, err := client.postFile(cmdContext(), "/meetings/"+sess.MeetingID+"/upload-audio", "audio_file", sess.AudioPath)
		if err != nil {
			return err
		}
		var uploadResult map[string]string
		if err := decodeJSON(resp, &uploadResult); err != nil {
			return err
		}

		printStep("Starting processing...")
		if err := startProcessing(client, sess.MeetingID); err != nil {
			return err
		}

		if wait {
			return watchMeeting(client, sess.MeetingID)
		}
		printStatus("Meeting", "%s", sess.MeetingID)
		printStep("Run 'minuted watch %s' to follow processing", sess.MeetingID)
		return nil
	},
}

func init() {
	recordStartCmd.Flags().String("company", "", "company name")
	recordStartCmd.Flags().String("participants", "", "comma-separated participant names")
	recordStopCmd.Flags().Bool("wait", false, "poll until processing completes")

	recordCmd.AddCommand(recordStartCmd)
	recordCmd.AddCommand(recordPauseCmd)
	recordCmd.AddCommand(recordResumeCmd)
	recordCmd.AddCommand(recordStatusCmd)
	recordCmd.AddCommand(recordStopCmd)
}

func newRecorder() (*recorder.Recorder, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return recorder.New(cfg.Storage.DataDir, filepath.Join(cfg.Storage.DataDir, "recordings")), nil
}

// --- watch ---

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Poll a meeting until processing completes or fails",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return watchMeeting(client, args[0])
	},
}

func watchMeeting(client *apiClient, id string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	interval, err := time.ParseDuration(cfg.Client.PollInterval)
	if err != nil {
		printWarning("invalid poll interval %q, using 5s", cfg.Client.PollInterval)
		interval = 5 * time.Second
	}

	status, err := pollMeeting(client, id, interval, cfg.Client.PollMaxAttempts)
	if err != nil {
		return err
	}

	switch status {
	case "completed":
		printSuccess("Meeting %s processed", id)
		printStep("Run 'minuted show %s' to read the summary", id)
		return nil
	case "error":
		return fmt.Errorf("processing failed for meeting %s", id)
	default:
		return fmt.Errorf("gave up waiting for meeting %s (still %s after %d checks)", id, status, cfg.Client.PollMaxAttempts)
	}
}

// pollMeeting fetches the meeting status every interval until it reaches a
// terminal state or maxAttempts checks have run. It returns the last status
// seen.
func pollMeeting(client *apiClient, id string, interval time.Duration, maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	lastStatus := ""
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(interval)
		}

		resp, err := client.get(cmdContext(), "/meetings/"+id)
		if err != nil {
			return lastStatus, err
		}
		var m meetingView
		if err := decodeJSON(resp, &m); err != nil {
			return lastStatus, err
		}

		if m.Status != lastStatus {
			printStatus("Status", "%s", colorize(statusColor(m.Status), m.Status))
			lastStatus = m.Status
		}
		if m.Status == "completed" || m.Status == "error" {
			return m.Status, nil
		}
	}
	return lastStatus, nil
}
