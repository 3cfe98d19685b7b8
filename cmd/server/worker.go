package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the retrieve and sync workers only",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		pool := a.workerPool()
		if err := pool.Start(ctx); err != nil {
			return err
		}
		a.log.Infof("Workers started (retrieve=%d, sync=%d)", a.cfg.Worker.RetrieveConcurrency, a.cfg.Worker.SyncConcurrency)

		<-ctx.Done()

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return pool.Stop(stopCtx)
	},
}
