package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmem/pkg/health"
	"github.com/srediag/shmem/pkg/persistent"
	"github.com/srediag/shmem/pkg/security"
)

type serveCmd struct {
	File           string        `arg:"" help:"Allocator file" type:"existingfile"`
	Listen         string        `help:"HTTP listen address" default:":9464" env:"SHMTOOL_LISTEN"`
	Interval       time.Duration `help:"How often to sample the allocator" default:"10s"`
	MaxUsedPercent uint64        `help:"Report not ready above this fill level" default:"95"`
}

// Run attaches to the file as a writer of an existing segment, so any
// corruption it detects is recorded in the file for every other user.
func (c *serveCmd) Run(g *globals) error {
	a, err := persistent.OpenFileAllocator(c.File, 0, 0, "", persistent.ReadWriteExisting)
	if err != nil {
		return err
	}
	defer a.Close()

	reg := prometheus.NewRegistry()
	name := a.Name()
	if name == "" {
		name = filepath.Base(c.File)
	}
	if err := a.CreateTrackingHistograms(name, reg); err != nil {
		return err
	}
	checks := health.NewHandler(reg, "shmtool")
	health.RegisterAllocator(checks, name, a.Allocator, c.MaxUsedPercent)
	checks.AddReadinessCheck("mapping-budget", health.BudgetCheck(security.Default(), 90))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/live", checks)
	mux.Handle("/ready", checks)
	srv := &http.Server{Addr: c.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sample(ctx, a.Allocator, c.Interval)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(g.out, "serving %s on %s\n", c.File, c.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func sample(ctx context.Context, a *persistent.Allocator, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	a.UpdateTrackingHistograms()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.UpdateTrackingHistograms()
		}
	}
}
