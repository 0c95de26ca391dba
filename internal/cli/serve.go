package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/sorashiro/kioku/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long:  "Serves the search/ingest/batch API and runs the daily maintenance batch at the configured schedule hour.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	eng, db, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// Daily batch at the schedule hour. The interval guard makes a missed
	// or doubled trigger harmless.
	scheduler := cron.New()
	_, err = scheduler.AddFunc(fmt.Sprintf("0 %d * * *", cfg.Compression.ScheduleHour), func() {
		result, err := eng.RunBatch(context.Background(), false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scheduled batch: %v\n", err)
			return
		}
		if result.Executed {
			fmt.Fprintf(os.Stderr, "scheduled batch: compressed %d/%d/%d, revived %d, pruned %d\n",
				result.L1ToL2, result.L2ToL3, result.L3ToL4, result.Revived, result.Deleted)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule batch: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(db, eng, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "kioku serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", db.Path)
		fmt.Fprintf(os.Stderr, "  llm: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
		fmt.Fprintf(os.Stderr, "  embedder: %s\n", eng.Embedder.Model())
		fmt.Fprintf(os.Stderr, "  batch hour: %02d:00\n", cfg.Compression.ScheduleHour)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return httpServer.Shutdown(ctx)
}
