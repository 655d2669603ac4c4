package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/pmx/internal/gate"
	"github.com/desertthunder/pmx/internal/shared"
)

// GateStatus prints whether a gate token has a result yet.
func (r *Runner) GateStatus(ctx context.Context, cmd *cli.Command) error {
	token := cmd.StringArg("token")
	if token == "" {
		return fmt.Errorf("%w: token", shared.ErrMissingArgument)
	}

	a, err := r.open(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.gate.Poll(ctx, token)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(status, true)
	}

	if !status.Done {
		r.writePlain("⧗ %s in progress\n", token)
		return nil
	}
	res := status.Result
	mark := "✓"
	if !res.OK() {
		mark = "✗"
	}
	r.writePlain("%s %s done: %d\n", mark, token, res.Code())
	r.writePlain("  Result:   %s\n", res.ID())
	r.writePlain("  Computed: %s\n", res.ComputedOn().Format("2006-01-02 15:04:05"))
	if res.Filename() != "" {
		r.writePlain("  Payload:  %s (%s)\n", res.Filename(), res.ContentType())
	}
	if res.Message() != "" {
		r.writePlain("  Message:  %s\n", res.Message())
	}
	return nil
}

// GateReap deletes expired results once.
func (r *Runner) GateReap(ctx context.Context, cmd *cli.Command) error {
	a, err := r.open(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	reaper, err := a.reaper()
	if err != nil {
		return err
	}
	defer reaper.Stop()

	n, err := reaper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed after %d results: %w", n, err)
	}
	r.writePlain("✓ Reaped %d expired results\n", n)
	return nil
}

func (a *app) reaper() (*gate.Reaper, error) {
	return gate.NewReaper(gate.ReaperConfig{
		Store:     a.async,
		Payloads:  a.payloads,
		Retention: a.config.Gate.Retention,
		Interval:  a.config.Gate.ReapInterval,
		Logger:    a.logger,
		Metrics:   a.metrics,
	})
}

// recoverGate fails gate requests stranded by a stopped process before plans run again.
func (a *app) recoverGate(ctx context.Context) error {
	n, err := a.gate.Recover(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Warn("abandoned stale gate requests", "count", n)
	}
	return nil
}
