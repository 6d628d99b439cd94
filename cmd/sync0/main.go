package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagAddr   string
)

var rootCmd = &cobra.Command{
	Use:   "sync0",
	Short: "Offline-first resilience engine",
	Long: "sync0 sits between a web client and its origin API. It queues " +
		"mutations that cannot be delivered, snapshots query results with a TTL, " +
		"and serves reads through per-route caching strategies.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", getenvDefault("SYNC0_CONFIG", "/sync0.yaml"), "path to sync0.yaml")
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", getenvDefault("SYNC0_ADDR", "http://127.0.0.1:8080"), "address of a running sync0 daemon")
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
