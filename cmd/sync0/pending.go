package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(pendingCmd)
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued requests waiting for replay",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Count   int `json:"count"`
			Pending []struct {
				ID         string `json:"id"`
				URL        string `json:"url"`
				Method     string `json:"method"`
				Timestamp  int64  `json:"timestamp"`
				RetryCount int    `json:"retryCount"`
			} `json:"pending"`
		}
		if err := adminGet("/_sync0/queue", &out); err != nil {
			return err
		}
		if out.Count == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		for _, p := range out.Pending {
			at := time.UnixMilli(p.Timestamp).Format(time.RFC3339)
			fmt.Printf("%s  %-6s %s  enqueued=%s retries=%d\n", p.ID, p.Method, p.URL, at, p.RetryCount)
		}
		return nil
	},
}
