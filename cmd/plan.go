package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/pmx/internal/descriptor"
	"github.com/desertthunder/pmx/internal/executor"
	"github.com/desertthunder/pmx/internal/formatter"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/planner"
	"github.com/desertthunder/pmx/internal/shared"
)

// PlanCreate builds a plan from a descriptor file.
func (r *Runner) PlanCreate(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("descriptor")
	data, err := readFile(path)
	if err != nil {
		return err
	}
	req, err := descriptor.Parse(data, descriptor.Detect(path, data))
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.planner.Build(ctx, req)
	var verr *planner.ValidationError
	if errors.As(err, &verr) {
		r.writePlainHeader("Plan rejected")
		for _, p := range verr.Problems {
			r.writePlain("  ✗ %s\n", p)
		}
		return fmt.Errorf("%d object(s) cannot be migrated", len(verr.Problems))
	}
	if err != nil {
		return fmt.Errorf("failed to build plan: %w", err)
	}

	r.logger.Info("plan created", "id", plan.ID(), "items", len(plan.Items()), "paths", len(plan.Paths()))
	if cmd.Bool("json") {
		return r.writeJSON(plan, true)
	}
	r.printPlan(plan)
	if plan.Status() == models.PlanNew {
		r.writePlainln("Next: pmx plan select %s <path-id>", plan.ID())
	}
	return nil
}

// PlanList lists plans matching the status, owner and awaiting filters.
func (r *Runner) PlanList(ctx context.Context, cmd *cli.Command) error {
	criteria := map[string]any{}
	if s := cmd.String("status"); s != "" {
		status, err := models.ParsePlanStatus(strings.ToUpper(s))
		if err != nil {
			return err
		}
		criteria["status"] = status
	}
	if owner := cmd.String("owner"); owner != "" {
		criteria["owner"] = owner
	}
	if obj := cmd.String("awaiting"); obj != "" {
		criteria["awaited_object"] = obj
	}

	a, err := r.open(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	plans, err := a.plans.List(ctx, criteria)
	if err != nil {
		return fmt.Errorf("failed to list plans: %w", err)
	}
	if cmd.Bool("json") {
		return r.writeJSON(plans, true)
	}

	r.writePlainHeader(fmt.Sprintf("Plans (%d)", len(plans)))
	for _, p := range plans {
		line := fmt.Sprintf("#%-4d %-9s %s  %s", p.Sequence(), p.Status(), p.ID(), p.Name())
		if p.AwaitedObject() != "" {
			line += fmt.Sprintf(" (awaiting %s)", p.AwaitedObject())
		}
		r.writePlain("%s\n", line)
	}
	return nil
}

// PlanShow prints a plan with its paths and items.
func (r *Runner) PlanShow(ctx context.Context, cmd *cli.Command) error {
	id, err := planArg(cmd, "id")
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.plans.Get(ctx, id)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(plan, true)
	}
	r.printPlan(plan)
	return nil
}

// PlanSelect activates a path of a NEW or READY plan.
func (r *Runner) PlanSelect(ctx context.Context, cmd *cli.Command) error {
	planID, err := planArg(cmd, "plan")
	if err != nil {
		return err
	}
	pathID, err := planArg(cmd, "path")
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.planner.SelectPath(ctx, planID, pathID)
	if err != nil {
		return err
	}
	r.writePlain("✓ Path %s selected, plan is %s\n", pathID, plan.Status())
	return nil
}

// PlanStart runs a plan in the foreground until it finishes, pauses or the command is interrupted.
//
// An interrupted plan stays RUNNING and is taken over by the next serve.
func (r *Runner) PlanStart(ctx context.Context, cmd *cli.Command) error {
	id, err := planArg(cmd, "id")
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.recoverGate(ctx); err != nil {
		return err
	}
	if err := a.executor.Start(ctx, id); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- a.executor.Wait(id) }()

	progress := a.executor.Progress()
	for {
		select {
		case update := <-progress:
			r.printProgress(update)
		case err := <-done:
			for drained := false; !drained; {
				select {
				case update := <-progress:
					r.printProgress(update)
				default:
					drained = true
				}
			}
			if err != nil {
				return fmt.Errorf("plan runner failed: %w", err)
			}
			return r.printOutcome(ctx, a, id)
		case <-ctx.Done():
			r.writePlainln("Interrupted; plan %s stays RUNNING and resumes with the next serve", id)
			return nil
		}
	}
}

func (r *Runner) printProgress(update executor.ProgressUpdate) {
	r.writePlain("%s\n", update.Message)
}

func (r *Runner) printOutcome(ctx context.Context, a *app, id string) error {
	status, _, err := a.plans.Status(ctx, id)
	if err != nil {
		return err
	}
	counts, err := a.plans.CountItems(ctx, id)
	if err != nil {
		return err
	}
	r.writePlainln("Plan %s is %s: %d done, %d failed, %d pending", id, status, counts.Done, counts.Failed, counts.Pending+counts.Running)
	return nil
}

// PlanPause pauses a running plan.
func (r *Runner) PlanPause(ctx context.Context, cmd *cli.Command) error {
	return r.control(ctx, cmd, "paused", func(a *app, id string) error { return a.executor.Pause(ctx, id) })
}

// PlanFinish finishes a running or paused plan.
func (r *Runner) PlanFinish(ctx context.Context, cmd *cli.Command) error {
	return r.control(ctx, cmd, "finished", func(a *app, id string) error { return a.executor.Finish(ctx, id) })
}

// PlanDelete deletes a plan that is not running.
func (r *Runner) PlanDelete(ctx context.Context, cmd *cli.Command) error {
	return r.control(ctx, cmd, "deleted", func(a *app, id string) error { return a.planner.Delete(ctx, id) })
}

func (r *Runner) control(ctx context.Context, cmd *cli.Command, verb string, fn func(*app, string) error) error {
	id, err := planArg(cmd, "id")
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(a, id); err != nil {
		return err
	}
	r.writePlain("✓ Plan %s %s\n", id, verb)
	return nil
}

// PlanExport writes a plan report.
func (r *Runner) PlanExport(ctx context.Context, cmd *cli.Command) error {
	id, err := planArg(cmd, "id")
	if err != nil {
		return err
	}
	format, err := formatter.ParseFormat(cmd.String("format"))
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.plans.Get(ctx, id)
	if err != nil {
		return err
	}

	output := cmd.String("output")
	if output == "-" {
		data, err := formatter.Export(plan, format)
		if err != nil {
			return err
		}
		_, err = r.output.Write(data)
		return err
	}

	path, err := formatter.WriteExport(plan, format, output)
	if err != nil {
		return err
	}
	r.writePlain("✓ Exported plan %s to %s\n", id, path)
	return nil
}

func planArg(cmd *cli.Command, name string) (string, error) {
	v := cmd.StringArg(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s", shared.ErrMissingArgument, name)
	}
	return v, nil
}

func (r *Runner) printPlan(plan *models.MigrationPlan) {
	counts := plan.Counts()
	r.writePlainHeader(fmt.Sprintf("Plan #%d %s", plan.Sequence(), plan.Name()))
	r.writePlain("ID:      %s\n", plan.ID())
	r.writePlain("Status:  %s\n", plan.Status())
	if plan.Owner() != "" {
		r.writePlain("Owner:   %s\n", plan.Owner())
	}
	if plan.AwaitedObject() != "" {
		r.writePlain("Waiting: %s\n", plan.AwaitedObject())
	}
	r.writePlain("Items:   %d (%d done, %d failed, %d pending)\n", counts.Total(), counts.Done, counts.Failed, counts.Pending+counts.Running)

	r.writePlainln("Paths:")
	for _, path := range plan.Paths() {
		marker := " "
		if path.Active() {
			marker = "*"
		}
		r.writePlain("%s %s  %s [cost %s]\n", marker, path.ID(), path.Chain(), path.Chain().Cost())
	}

	r.writePlainln("Items:")
	for _, item := range plan.Items() {
		line := fmt.Sprintf("%3d. %-24s %-10s %s", item.Position()+1, item.ObjectID(), item.SourceFormat(), item.Status())
		if item.ErrorKind() != models.ErrorNone {
			line += fmt.Sprintf(" (%s)", item.ErrorKind())
		}
		r.writePlain("%s\n", line)
	}
}
