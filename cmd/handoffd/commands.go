package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avenlo/handoffd/internal/config"
)

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and manage cached handoff records",
}

var recordsListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/records")
		if err != nil {
			return err
		}

		var records []struct {
			ID            string   `json:"id"`
			CachedAt      string   `json:"cached_at"`
			AttachmentIDs []string `json:"attachment_ids"`
		}
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No cached records.")
			return nil
		}

		for _, r := range records {
			fmt.Printf("%s  %s  %d attachment(s)\n",
				colorize(colorCyan, r.ID),
				r.CachedAt,
				len(r.AttachmentIDs),
			)
		}
		return nil
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a cached record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/records/"+args[0])
		if err != nil {
			return err
		}

		var record any
		if err := decodeJSON(resp, &record); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	},
}

var recordsRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Invalidate a cached record and its attachments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/records/"+args[0])
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Invalidated record %s", args[0])
		return nil
	},
}

var recordsSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Drop all records past the staleness horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/records/sweep", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Swept %d stale record(s)", result["removed"])
		return nil
	},
}

func init() {
	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsRmCmd)
	recordsCmd.AddCommand(recordsSweepCmd)
}

// --- ack ---

var ackCmd = &cobra.Command{
	Use:   "ack <record-id>",
	Short: "Queue an acknowledgement for a handoff record",
	Long: `Queue an acknowledgement for a handoff record.

The acknowledgement is durable: if the plant server is unreachable it
stays queued and replays automatically once connectivity returns.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		notes, _ := cmd.Flags().GetString("notes")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"type":      "acknowledge_record",
			"record_id": args[0],
			"notes":     notes,
		}
		resp, err := client.post(cmd.Context(), "/actions", body)
		if err != nil {
			return err
		}

		var result struct {
			ID        string `json:"id"`
			Duplicate bool   `json:"duplicate"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Duplicate {
			printWarning("Acknowledgement for record %s already queued as %s", args[0], result.ID)
			return nil
		}
		printSuccess("Queued acknowledgement %s for record %s", result.ID, args[0])
		return nil
	},
}

func init() {
	ackCmd.Flags().String("notes", "", "optional notes attached to the acknowledgement")
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the sync queue",
}

var queueListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/actions"
		if all {
			path += "?all=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var actions []struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			CreatedAt string `json:"created_at"`
			Synced    bool   `json:"synced"`
			Attempts  int    `json:"attempts"`
			LastError string `json:"last_error"`
		}
		if err := decodeJSON(resp, &actions); err != nil {
			return err
		}

		if len(actions) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, a := range actions {
			state := "pending"
			if a.Synced {
				state = "synced"
			}
			line := fmt.Sprintf("%s  %s  %s  %s  attempts=%d",
				colorize(colorCyan, a.ID[:8]),
				a.CreatedAt,
				a.Type,
				state,
				a.Attempts,
			)
			fmt.Println(line)
			if a.LastError != "" {
				fmt.Printf("    last error: %s\n", a.LastError)
			}
		}
		return nil
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop actions that exhausted their replay attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/actions/purge", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Purged %d exhausted action(s)", result["purged"])
		return nil
	},
}

func init() {
	queueListCmd.Flags().Bool("all", false, "include synced and exhausted actions")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queuePurgeCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the sync queue against the plant server now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/sync", nil)
		if err != nil {
			return err
		}

		var results []struct {
			ActionID       string `json:"action_id"`
			Synced         bool   `json:"synced"`
			AlreadyApplied bool   `json:"already_applied"`
			Exhausted      bool   `json:"exhausted"`
			Error          string `json:"error"`
		}
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			fmt.Println("Nothing to sync.")
			return nil
		}

		for _, r := range results {
			switch {
			case r.Synced && r.AlreadyApplied:
				printSuccess("%s already applied on server", r.ActionID[:8])
			case r.Synced:
				printSuccess("%s synced", r.ActionID[:8])
			case r.Exhausted:
				printWarning("%s exhausted its replay attempts", r.ActionID[:8])
			default:
				printError("%s failed: %s", r.ActionID[:8], r.Error)
			}
		}
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache maintenance",
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run quota enforcement (stale sweep, then oldest-first eviction)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/quota/enforce", nil)
		if err != nil {
			return err
		}

		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result["evicted"] {
			printSuccess("Eviction ran, storage reclaimed")
		} else {
			printSuccess("Usage under threshold, nothing evicted")
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheGCCmd)
}

// --- worker ---

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the background worker",
}

var workerUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Stage a new background worker version",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/worker/update", nil)
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Staged worker version %d (waiting)", result["staged_version"])
		return nil
	},
}

var workerActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Promote the staged worker version",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/worker/activate", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Worker activated, pages signalled to reload")
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerUpdateCmd)
	workerCmd.AddCommand(workerActivateCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
