package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay the pending write queue of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		var report struct {
			Success int `json:"success"`
			Failed  int `json:"failed"`
		}
		if err := adminPost("/_sync0/sync", &report); err != nil {
			return err
		}
		fmt.Printf("replayed: %d delivered, %d kept for retry\n", report.Success, report.Failed)
		return nil
	},
}

func adminClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Minute}
}

func adminURL(path string) string {
	return strings.TrimRight(flagAddr, "/") + path
}

func adminGet(path string, out any) error {
	resp, err := adminClient().Get(adminURL(path))
	if err != nil {
		return fmt.Errorf("is the daemon running at %s? %w", flagAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func adminPost(path string, out any) error {
	resp, err := adminClient().Post(adminURL(path), "application/json", nil)
	if err != nil {
		return fmt.Errorf("is the daemon running at %s? %w", flagAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
