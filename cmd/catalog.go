package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/pmx/internal/composer"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// FormatsShow prints a format descriptor from the catalog.
func (r *Runner) FormatsShow(ctx context.Context, cmd *cli.Command) error {
	id := cmd.StringArg("id")
	if id == "" {
		return fmt.Errorf("%w: format id", shared.ErrMissingArgument)
	}

	a, err := r.open(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	format, err := a.catalog.Format(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up format: %w", err)
	}
	if cmd.Bool("json") {
		return r.writeJSON(format, true)
	}

	r.writePlainHeader(fmt.Sprintf("%s (%s)", format.Name, format.ID))
	risk := "no"
	if format.AtRisk {
		risk = "yes"
	}
	r.writePlain("At risk:   %s\n", risk)
	if format.Successor != "" {
		r.writePlain("Successor: %s\n", format.Successor)
	}
	return nil
}

// FormatsServices lists the services accepting a format.
func (r *Runner) FormatsServices(ctx context.Context, cmd *cli.Command) error {
	id := cmd.StringArg("id")
	if id == "" {
		return fmt.Errorf("%w: format id", shared.ErrMissingArgument)
	}

	a, err := r.open(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	services, err := a.catalog.LookupServicesAccepting(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up services: %w", err)
	}
	if cmd.Bool("json") {
		return r.writeJSON(services, true)
	}

	r.writePlainHeader(fmt.Sprintf("Services accepting %s", id))
	if len(services) == 0 {
		r.writePlain("No services found\n")
		return nil
	}
	for i, svc := range services {
		r.writePlain("%d. %s → %s [%s, cost %s, %s]\n", i+1, svc.ID, svc.Output, svc.Shape, svc.Cost, svc.Kind)
		if svc.Name != "" {
			r.writePlain("   %s\n", svc.Name)
		}
	}
	return nil
}

// Compose prints the ranked chains leading away from a format.
func (r *Runner) Compose(ctx context.Context, cmd *cli.Command) error {
	id := cmd.StringArg("format")
	if id == "" {
		return fmt.Errorf("%w: format id", shared.ErrMissingArgument)
	}

	opts, err := composeOptions(cmd)
	if err != nil {
		return err
	}

	a, err := r.open(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer a.Close()

	accept := composer.NotAtRisk()
	if targets := cmd.StringSlice("target"); len(targets) > 0 {
		accept = composer.TargetIn(targets...)
	}

	chains, err := a.composer.ComposeFrom(ctx, id, accept, opts...)
	if err != nil {
		return fmt.Errorf("failed to compose chains: %w", err)
	}
	if cmd.Bool("json") {
		return r.writeJSON(chains, true)
	}

	r.writePlainHeader(fmt.Sprintf("Chains from %s", id))
	if len(chains) == 0 {
		r.writePlain("No viable chain\n")
		return nil
	}
	for i, chain := range chains {
		shape, _ := chain.Shape()
		r.writePlain("%d. %s\n   cost %s, shape %s, key %s\n", i+1, chain, chain.Cost(), shape, chain.Key())
	}
	return nil
}

func composeOptions(cmd *cli.Command) ([]composer.Option, error) {
	var opts []composer.Option
	if s := cmd.String("shape"); s != "" {
		shape, err := models.ParseShape(s)
		if err != nil {
			return nil, fmt.Errorf("%w: --shape %s", shared.ErrInvalidFlag, s)
		}
		opts = append(opts, composer.WithShape(shape))
	}
	if k := cmd.String("kind"); k != "" {
		kind := models.ServiceKind(strings.ToUpper(k))
		if kind != models.KindMigration && kind != models.KindConversion {
			return nil, fmt.Errorf("%w: --kind %s", shared.ErrInvalidFlag, k)
		}
		opts = append(opts, composer.WithKind(kind))
	}
	if n := cmd.Int("max-hops"); n > 0 {
		opts = append(opts, composer.WithMaxHops(n))
	}
	return opts, nil
}
