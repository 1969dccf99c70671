package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/minuted/minuted/internal/config"
	"github.com/minuted/minuted/internal/mirror"
)

// --- new ---

var newCmd = &cobra.Command{
	Use:   "new <title>",
	Short: "Create a meeting record",
	Long: `Create a meeting record.

Examples:
  minuted new "Weekly sync"
  minuted new "Q3 planning" --company "Acme Corp" --participants alice,bob`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := strings.Join(args, " ")
		company, _ := cmd.Flags().GetString("company")
		participantsStr, _ := cmd.Flags().GetString("participants")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		m, err := createMeeting(client, title, company, splitList(participantsStr))
		if err != nil {
			return err
		}

		printSuccess("Created meeting %s", m.ID)
		return nil
	},
}

func init() {
	newCmd.Flags().String("company", "", "company name")
	newCmd.Flags().String("participants", "", "comma-separated participant names")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func createMeeting(client *apiClient, title, company string, participants []string) (*meetingView, error) {
	req := map[string]any{"title": title}
	if company != "" {
		req["company_name"] = company
	}
	if participants != nil {
		req["participants"] = participants
	}

	resp, err := client.post(cmdContext(), "/meetings", req)
	if err != nil {
		return nil, err
	}

	var m meetingView
	if err := decodeJSON(resp, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// --- list ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List meetings",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cache := mirror.New(cfg.Storage.DataDir)

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmdContext(), fmt.Sprintf("/meetings?limit=%d", limit))
		if err != nil {
			// Server unreachable: fall back to the local mirror.
			entries, fetchedAt, loadErr := cache.Load()
			if loadErr != nil || len(entries) == 0 {
				return err
			}
			printWarning("Server unreachable; showing cached list from %s", fetchedAt.Local().Format("2006-01-02 15:04"))
			for _, e := range entries {
				printMeetingLine(e.ID, e.Title, e.Status, e.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		}

		var meetings []meetingView
		if err := decodeJSON(resp, &meetings); err != nil {
			return err
		}

		if len(meetings) == 0 {
			fmt.Println("No meetings found.")
			return nil
		}

		entries := make([]mirror.Entry, len(meetings))
		for i, m := range meetings {
			created, _ := time.Parse(time.RFC3339, m.CreatedAt)
			entries[i] = mirror.Entry{
				ID:        m.ID,
				Title:     m.Title,
				Status:    m.Status,
				Summary:   m.Summary,
				CreatedAt: created,
			}
			printMeetingLine(m.ID, m.Title, m.Status, created.Local().Format("2006-01-02 15:04"))
		}
		if err := cache.Replace(entries); err != nil {
			printWarning("Could not update local cache: %v", err)
		}
		return nil
	},
}

func printMeetingLine(id, title, status, created string) {
	if len(title) > 60 {
		title = title[:60] + "..."
	}
	fmt.Printf("%s  %s  %s  %s\n",
		colorize(colorCyan, id[:8]),
		created,
		colorize(statusColor(status), fmt.Sprintf("%-10s", status)),
		title,
	)
}

func init() {
	listCmd.Flags().Int("limit", 100, "maximum number of meetings to list")
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single meeting with transcript and summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmdContext(), "/meetings/"+args[0])
		if err != nil {
			return err
		}

		var m meetingView
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(m)
		}

		fmt.Printf("%s %s\n", colorize(colorBold, m.Title), colorize(statusColor(m.Status), "["+m.Status+"]"))
		if m.CompanyName != "" {
			fmt.Printf("Company: %s\n", m.CompanyName)
		}
		if len(m.Participants) > 0 {
			fmt.Printf("Participants: %s\n", strings.Join(m.Participants, ", "))
		}
		fmt.Printf("Created: %s\n", m.CreatedAt)
		if m.ProcessedAt != "" {
			fmt.Printf("Processed: %s\n", m.ProcessedAt)
		}
		if m.Summary != "" {
			fmt.Printf("\n%s\n%s\n", colorize(colorBold, "Summary"), m.Summary)
		}
		if len(m.KeyPoints) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Key points"))
			for _, p := range m.KeyPoints {
				fmt.Printf("  - %s\n", p)
			}
		}
		if len(m.ActionItems) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Action items"))
			for _, a := range m.ActionItems {
				fmt.Printf("  - %s\n", a)
			}
		}
		if len(m.Questions) > 0 {
			fmt.Printf("\n%s\n", colorize(colorBold, "Q&A"))
			for _, qa := range m.Questions {
				fmt.Printf("  Q: %s\n  A: %s\n", qa.Question, qa.Answer)
			}
		}
		if m.Transcript != "" {
			showTranscript, _ := cmd.Flags().GetBool("transcript")
			if showTranscript {
				fmt.Printf("\n%s\n%s\n", colorize(colorBold, "Transcript"), m.Transcript)
			}
		}
		return nil
	},
}

func init() {
	showCmd.Flags().Bool("json", false, "output raw JSON")
	showCmd.Flags().Bool("transcript", false, "include the full transcript")
}

// --- update ---

var updateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a meeting's details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		company, _ := cmd.Flags().GetString("company")
		participantsStr, _ := cmd.Flags().GetString("participants")

		if title == "" {
			return fmt.Errorf("--title is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"title": title}
		if company != "" {
			req["company_name"] = company
		}
		if participantsStr != "" {
			req["participants"] = splitList(participantsStr)
		}

		resp, err := client.put(cmdContext(), "/meetings/"+args[0], req)
		if err != nil {
			return err
		}

		var m meetingView
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}

		printSuccess("Updated meeting %s", m.ID)
		return nil
	},
}

func init() {
	updateCmd.Flags().String("title", "", "new meeting title")
	updateCmd.Flags().String("company", "", "new company name")
	updateCmd.Flags().String("participants", "", "comma-separated participant names")
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a meeting and its audio",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmdContext(), "/meetings/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if cfg, cfgErr := config.Load(); cfgErr == nil {
			if err := mirror.New(cfg.Storage.DataDir).Remove(args[0]); err != nil {
				printWarning("Could not update local cache: %v", err)
			}
		}

		printSuccess("Deleted meeting %s", args[0])
		return nil
	},
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <id> <audio-file>",
	Short: "Upload an audio file for a meeting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFile(cmdContext(), "/meetings/"+args[0]+"/upload-audio", "audio_file", args[1])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Uploaded audio for meeting %s", args[0])
		return nil
	},
}

// --- push ---

var pushCmd = &cobra.Command{
	Use:   "push <title> <audio-file>",
	Short: "Create a meeting from an existing audio file and process it",
	Long: `Create a meeting from an existing audio file and process it.

Runs the full chain: create the meeting, upload the audio, start processing.
Any failing step aborts the chain.

Example:
  minuted push "Board meeting" ./board.m4a --wait`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, audioPath := args[0], args[1]
		company, _ := cmd.Flags().GetString("company")
		participantsStr, _ := cmd.Flags().GetString("participants")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Creating meeting...")
		m, err := createMeeting(client, title, company, splitList(participantsStr))
		if err != nil {
			return err
		}

		printStep("Uploading audio...")
		resp, err := client.postFile(cmdContext(), "/meetings/"+m.ID+"/upload-audio", "audio_file", audioPath)
		if err != nil {
			return err
		}
		var uploadResult map[string]string
		if err := decodeJSON(resp, &uploadResult); err != nil {
			return err
		}

		printStep("Starting processing...")
		if err := startProcessing(client, m.ID); err != nil {
			return err
		}

		if wait {
			return watchMeeting(client, m.ID)
		}
		printSuccess("Meeting %s queued for processing", m.ID)
		return nil
	},
}

func init() {
	pushCmd.Flags().String("company", "", "company name")
	pushCmd.Flags().String("participants", "", "comma-separated participant names")
	pushCmd.Flags().Bool("wait", false, "poll until processing completes")
}

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Start transcription and summarization for a meeting",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return fmt.Errorf("meeting id is required")
		}
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if err := startProcessing(client, args[0]); err != nil {
			return err
		}
		printStep("Processing started for meeting %s", args[0])

		if wait {
			return watchMeeting(client, args[0])
		}
		return nil
	},
}

func init() {
	processCmd.Flags().Bool("wait", false, "poll until processing completes")
}

func startProcessing(client *apiClient, id string) error {
	resp, err := client.post(cmdContext(), "/meetings/"+id+"/process", nil)
	if err != nil {
		return err
	}
	var result struct {
		MeetingID string `json:"meeting_id"`
		Status    string `json:"status"`
		Message   string `json:"message"`
	}
	return decodeJSON(resp, &result)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <id> <question>",
	Short: "Ask a question about a processed meeting",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args[1:], " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmdContext(), "/meetings/"+args[0]+"/ask-question", map[string]any{
			"question": question,
		})
		if err != nil {
			return err
		}

		var qa struct {
			Question string `json:"question"`
			Answer   string `json:"answer"`
		}
		if err := decodeJSON(resp, &qa); err != nil {
			return err
		}

		fmt.Println(qa.Answer)
		return nil
	},
}

// --- attach ---

var attachCmd = &cobra.Command{
	Use:   "attach <id> <file>",
	Short: "Attach a document (PDF or text) to a meeting for extra context",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFile(cmdContext(), "/meetings/"+args[0]+"/attachments", "file", args[1])
		if err != nil {
			return err
		}

		var att struct {
			ID       string `json:"id"`
			Filename string `json:"filename"`
		}
		if err := decodeJSON(resp, &att); err != nil {
			return err
		}

		printSuccess("Attached %s to meeting %s", att.Filename, args[0])
		return nil
	},
}

// --- theme ---

var themeCmd = &cobra.Command{
	Use:   "theme [light|dark|system]",
	Short: "Show or set the display theme",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			fmt.Println(cfg.UI.Theme)
			return nil
		}

		if err := config.SetKey("ui.theme", args[0]); err != nil {
			return err
		}
		printSuccess("Theme set to %s", args[0])
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
