package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/desertthunder/pmx/internal/repositories"
	"github.com/desertthunder/pmx/internal/server"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the HTTP API, takes over plans left RUNNING and reaps expired gate results until
// the context is cancelled.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	a, err := r.open(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := cmd.String("addr")
	if addr == "" {
		addr = a.config.Server.Addr()
	}

	api := server.NewAPIHandler(server.APIConfig{
		Plans:   a.plans,
		Editor:  a.planner,
		Control: a.executor,
		Async:   a.gate,
		Ping:    func(ctx context.Context) error { return repositories.Ping(ctx, a.db) },
		Logger:  a.logger,
	})
	srv := server.New(server.Config{
		Addr:            addr,
		Logger:          a.logger,
		Metrics:         a.metrics,
		ShutdownTimeout: shutdownTimeout,
	}, api)

	reaper, err := a.reaper()
	if err != nil {
		return err
	}

	if err := a.recoverGate(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})
	g.Go(func() error {
		n, err := a.executor.Resume(gctx)
		if n > 0 {
			r.logger.Info("resumed plans", "count", n)
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return reaper.Stop()
	})
	g.Go(func() error {
		progress := a.executor.Progress()
		for {
			select {
			case update := <-progress:
				r.logger.Debug(update.Message, "plan", update.PlanID, "phase", update.Phase, "step", update.Step, "total", update.Total)
			case <-gctx.Done():
				return nil
			}
		}
	})

	r.logger.Info("serving", "addr", addr)
	return g.Wait()
}
