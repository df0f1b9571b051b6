package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/originos/memod/internal/audit"
	"github.com/originos/memod/internal/index"
	"github.com/originos/memod/internal/registry"
	"github.com/originos/memod/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.close()

	reg, err := registry.New(st.db)
	if err != nil {
		return fmt.Errorf("load agent registry: %w", err)
	}

	aud, err := audit.Open(st.cfg.AuditPath())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	if st.cfg.Admin.Key == "" {
		fmt.Fprintln(os.Stderr, "warning: no admin key configured, /admin disabled")
	}

	// Warm the index so the first search after startup does not 503.
	// A failed build is not fatal: the scheduler retries on the next write.
	if st.log.Len() > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		snap, err := st.ix.ForceRebuild(ctx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: initial index build failed: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "  index: %d records\n", snap.Len())
		}
	}

	sched := index.NewScheduler(st.ix, time.Duration(st.cfg.Index.DebounceMS)*time.Millisecond)
	defer sched.Close()

	srv := server.New(st.log, st.ix, sched, reg, aud, st.cfg.Admin.Key, VersionString())
	addr := st.cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "memod serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  memories: %s (%d records)\n", st.cfg.MemoryPath(), st.log.Len())
		fmt.Fprintf(os.Stderr, "  registry: %s (%d agents)\n", st.cfg.DBPath(), reg.Count())
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
