package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/veridex/veridex/internal/config"
)

// --- check ---

var checkCmd = &cobra.Command{
	Use:   "check <claim>",
	Short: "Submit a claim and wait for the verdict",
	Long: `Submit a claim for fact-checking and poll until the analysis finishes.

Examples:
  veridex check "The Eiffel Tower was completed in 1889"
  veridex check --mode research "How do mRNA vaccines work?"
  veridex check --image ./screenshot.png "Is this headline real?"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		imagePath, _ := cmd.Flags().GetString("image")
		noWait, _ := cmd.Flags().GetBool("no-wait")

		req := map[string]any{
			"user_input": args[0],
			"mode":       mode,
		}
		if imagePath != "" {
			data, err := os.ReadFile(imagePath)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			req["image"] = base64.StdEncoding.EncodeToString(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sessions", req)
		if err != nil {
			return err
		}

		var created map[string]string
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		sessionID := created["session_id"]
		printSuccess("Session %s started", sessionID)

		if noWait {
			fmt.Println(sessionID)
			return nil
		}

		return pollSession(cmd, client, sessionID)
	},
}

func pollSession(cmd *cobra.Command, client *apiClient, sessionID string) error {
	lastStep := 0
	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-time.After(2 * time.Second):
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+sessionID+"/status")
		if err != nil {
			return err
		}

		var status struct {
			Status      string  `json:"status"`
			Percentage  float64 `json:"progress_percentage"`
			CurrentStep *struct {
				Number      int    `json:"step_number"`
				Description string `json:"description"`
			} `json:"current_step"`
		}
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		if status.CurrentStep != nil && status.CurrentStep.Number != lastStep {
			lastStep = status.CurrentStep.Number
			printStep("%s (%.0f%%)", status.CurrentStep.Description, status.Percentage)
		}

		if status.Status != "completed" && status.Status != "failed" {
			continue
		}

		resultsResp, err := client.get(cmd.Context(), "/sessions/"+sessionID+"/results")
		if err != nil {
			return err
		}
		var results struct {
			Status     string   `json:"status"`
			Verdict    *string  `json:"verdict"`
			Confidence *float64 `json:"confidence"`
			Summary    string   `json:"summary"`
			Sources    []struct {
				URL   string `json:"url"`
				Title string `json:"title"`
			} `json:"sources"`
		}
		if err := decodeJSON(resultsResp, &results); err != nil {
			return err
		}

		if results.Status == "failed" {
			printError("Analysis failed: %s", results.Summary)
			return fmt.Errorf("analysis failed")
		}

		if results.Verdict != nil {
			confidence := 0.0
			if results.Confidence != nil {
				confidence = *results.Confidence
			}
			fmt.Printf("\n%s %s (confidence %.0f%%)\n\n", colorize(colorBold, "Verdict:"), *results.Verdict, confidence*100)
		}
		if results.Summary != "" {
			fmt.Println(results.Summary)
		}
		if len(results.Sources) > 0 {
			fmt.Println()
			for _, src := range results.Sources {
				fmt.Printf("  - %s (%s)\n", src.Title, src.URL)
			}
		}
		return nil
	}
}

func init() {
	checkCmd.Flags().String("mode", "fact_check", "analysis mode: fact_check or research")
	checkCmd.Flags().String("image", "", "path to an image to attach")
	checkCmd.Flags().Bool("no-wait", false, "print the session id and exit instead of polling")
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage analysis sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/sessions?limit=%d", limit))
		if err != nil {
			return err
		}

		var sessions []struct {
			SessionID string `json:"session_id"`
			Mode      string `json:"mode"`
			Status    string `json:"status"`
			UserInput string `json:"user_input"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		for _, sess := range sessions {
			input := sess.UserInput
			if len(input) > 60 {
				input = input[:60] + "..."
			}
			fmt.Printf("%s  %-10s  %-9s  %s\n",
				colorize(colorCyan, sess.SessionID[:8]),
				sess.Status,
				sess.Mode,
				input,
			)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's steps and results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0]+"/status")
		if err != nil {
			return err
		}

		var status any
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its evidence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/sessions/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted session %s", args[0])
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().Int("limit", 20, "maximum number of sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or initialize configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// Never print credentials.
		cfg.OpenAI.APIKey = redact(cfg.OpenAI.APIKey)
		cfg.Search.APIKey = redact(cfg.Search.APIKey)
		cfg.Server.Token = redact(cfg.Server.Token)

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := config.DefaultConfigDir()
		path := filepath.Join(dir, "config.yaml")

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s", path)
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(config.Defaults())
		if err != nil {
			return fmt.Errorf("marshalling defaults: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}

		printSuccess("Wrote %s", path)
		return nil
	},
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
