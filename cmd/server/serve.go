package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"ciflow/internal/database"
	"ciflow/internal/router"
	"ciflow/internal/services"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var (
	serveWithWorkers bool
	serveMigrate     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the retrieval result listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close()

		if serveMigrate {
			if err := database.Migrate(a.db); err != nil {
				return err
			}
		}

		scheduler := services.NewResyncScheduler(a.db, a.queue, a.cfg.Worker.SyncCron)
		if err := scheduler.Start(); err != nil {
			return err
		}
		defer scheduler.Stop()

		deps, err := a.routerDeps(scheduler)
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.listener().Run(runCtx)
		}()

		var pool *services.WorkerPool
		if serveWithWorkers {
			pool = a.workerPool()
			if err := pool.Start(runCtx); err != nil {
				return err
			}
		}

		server := &http.Server{
			Addr:              ":" + a.cfg.Server.Port,
			Handler:           router.SetupRouter(deps),
			ReadHeaderTimeout: 10 * time.Second,
		}

		serveErr := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
			close(serveErr)
		}()
		a.log.Infof("Server started on port %s (version %s)", a.cfg.Server.Port, version)

		select {
		case <-ctx.Done():
		case err = <-serveErr:
		}

		a.log.Info("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			a.log.Errorf("Server forced to shutdown: %v", shutdownErr)
		}
		cancel()
		if pool != nil {
			if stopErr := pool.Stop(shutdownCtx); stopErr != nil {
				a.log.Errorf("Workers did not stop in time: %v", stopErr)
			}
		}
		wg.Wait()

		a.log.Info("Server exited")
		return err
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorkers, "workers", true, "also run the retrieve and sync workers in this process")
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "apply database migrations before serving")
}
