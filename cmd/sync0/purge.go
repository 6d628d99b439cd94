package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(purgeCmd)
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop every queued request without replaying it",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Purged int `json:"purged"`
		}
		if err := adminPost("/_sync0/queue/purge", &out); err != nil {
			return err
		}
		fmt.Printf("purged %d queued request(s)\n", out.Purged)
		return nil
	},
}
