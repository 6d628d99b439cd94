package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sync0/internal/sync0"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resilience engine daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := sync0.LoadConfig(flagConfig)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		log := logrus.StandardLogger()
		svc, err := sync0.NewService(cfg, log)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start service: %w", err)
		}

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.WithFields(logrus.Fields{
				"addr":   addr,
				"origin": cfg.Server.Origin,
			}).Info("sync0 listening")
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("server error")
				stop()
			}
		}()

		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	},
}
