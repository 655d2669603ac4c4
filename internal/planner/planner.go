// Package planner turns migration requests into persisted plans.
//
// Objects are grouped by source format. Each group gets every chain the composer finds for it
// (or the chain pinned by the request), and an operator activates one chain per group before the
// plan can run. Planning fails closed: one object without a viable chain rejects the request.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/pmx/internal/composer"
	"github.com/desertthunder/pmx/internal/descriptor"
	"github.com/desertthunder/pmx/internal/metrics"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
	"github.com/desertthunder/pmx/internal/transform"
)

// FormatResolver resolves the current format of an object.
type FormatResolver interface {
	Format(ctx context.Context, objectID string) (string, error)
}

// Store persists plans. [repositories.PlanRepository] satisfies it.
type Store interface {
	Create(ctx context.Context, plan *models.MigrationPlan) error
	Get(ctx context.Context, id string) (*models.MigrationPlan, error)
	Update(ctx context.Context, plan *models.MigrationPlan) error
	Delete(ctx context.Context, id string) error
}

// Problem explains why one object could not be planned.
type Problem struct {
	ObjectID string
	Format   string
	Err      error
}

func (p Problem) String() string {
	if p.Format == "" {
		return fmt.Sprintf("%s: %v", p.ObjectID, p.Err)
	}
	return fmt.Sprintf("%s (%s): %v", p.ObjectID, p.Format, p.Err)
}

// ValidationError lists every object a request could not plan.
type ValidationError struct {
	Problems []Problem
}

func (e *ValidationError) Error() string {
	lines := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		lines[i] = p.String()
	}
	return fmt.Sprintf("%d object(s) cannot be migrated: %s", len(e.Problems), strings.Join(lines, "; "))
}

// Unwrap exposes each problem's error so errors.Is matches any of them.
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Problems))
	for i, p := range e.Problems {
		errs[i] = p.Err
	}
	return errs
}

// Config configures a [Planner].
type Config struct {
	// AutoReady activates the only chain of each group and promotes the plan to READY.
	AutoReady bool
	Logger    *log.Logger
	Metrics   *metrics.Metrics
}

// Planner builds and edits migration plans.
type Planner struct {
	composer  *composer.Composer
	resolver  FormatResolver
	store     Store
	autoReady bool
	logger    *log.Logger
	metrics   *metrics.Metrics
}

// New creates a Planner.
func New(comp *composer.Composer, resolver FormatResolver, store Store, cfg Config) *Planner {
	return &Planner{
		composer:  comp,
		resolver:  resolver,
		store:     store,
		autoReady: cfg.AutoReady,
		logger:    shared.WithLogger(cfg.Logger, "component", "planner"),
		metrics:   cfg.Metrics,
	}
}

// group is the set of objects sharing a source format.
type group struct {
	format  string
	objects []string
	chains  []models.Chain
	pinned  bool
}

// Build plans req and persists the plan in NEW, or READY when auto-ready applies.
//
// Catalog failures abort with [shared.ErrCatalogUnavailable]. Objects without a viable chain, or
// whose pinned chain does not fit, yield a [*ValidationError].
func (p *Planner) Build(ctx context.Context, req descriptor.Request) (*models.MigrationPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	shape, err := req.ShapeConstraint()
	if err != nil {
		return nil, err
	}

	groups, problems, err := p.resolve(ctx, req.Objects)
	if err != nil {
		return nil, err
	}

	accept := composer.All(composer.NotAtRisk(), composer.TargetIn(req.Targets...))
	opts := []composer.Option{composer.WithParameters(req.Parameters)}
	if shape != nil {
		opts = append(opts, composer.WithShape(*shape))
	}
	if req.Kind != "" {
		opts = append(opts, composer.WithKind(models.ServiceKind(req.Kind)))
	}

	for _, g := range groups {
		if pin, ok := req.SharedPath(g.format); ok {
			chain, err := p.pinned(ctx, g.format, pin, accept, shape)
			if errors.Is(err, shared.ErrCatalogUnavailable) {
				return nil, err
			}
			if err != nil {
				for _, id := range g.objects {
					problems = append(problems, Problem{ObjectID: id, Format: g.format, Err: err})
				}
				continue
			}
			g.chains, g.pinned = []models.Chain{chain}, true
			continue
		}

		start := time.Now()
		chains, err := p.composer.ComposeFrom(ctx, g.format, accept, opts...)
		if err != nil {
			return nil, err
		}
		p.metrics.Composed(len(chains), time.Since(start))

		if len(chains) == 0 {
			reason := fmt.Errorf("%w from %s", shared.ErrNoViableChain, g.format)
			for _, id := range g.objects {
				problems = append(problems, Problem{ObjectID: id, Format: g.format, Err: reason})
			}
			continue
		}
		g.chains = chains
	}

	if len(problems) > 0 {
		p.logger.Warn("rejecting plan", "name", req.Name, "problems", len(problems))
		return nil, &ValidationError{Problems: problems}
	}

	plan := p.assemble(req, groups)
	if err := p.store.Create(ctx, plan); err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	p.logger.Info("plan created", "plan", plan.ID(), "status", plan.Status(),
		"items", len(plan.Items()), "paths", len(plan.Paths()))
	return plan, nil
}

// resolve deduplicates objects and groups them by format in first-seen order.
func (p *Planner) resolve(ctx context.Context, objects []descriptor.Object) ([]*group, []Problem, error) {
	var (
		groups   []*group
		byFormat = make(map[string]*group)
		seen     = make(map[string]bool)
		problems []Problem
	)

	for _, obj := range objects {
		if seen[obj.ID] {
			continue
		}
		seen[obj.ID] = true

		format := obj.Format
		if format == "" {
			if p.resolver == nil {
				problems = append(problems, Problem{ObjectID: obj.ID, Err: fmt.Errorf("%w: no format given", shared.ErrInvalidDescriptor)})
				continue
			}
			f, err := p.resolver.Format(ctx, obj.ID)
			switch {
			case errors.Is(err, transform.ErrObjectNotFound), errors.Is(err, transform.ErrObjectNotReady):
				problems = append(problems, Problem{ObjectID: obj.ID, Err: err})
				continue
			case err != nil:
				return nil, nil, fmt.Errorf("failed to resolve format of %s: %w", obj.ID, err)
			}
			format = f
		}

		g, ok := byFormat[format]
		if !ok {
			g = &group{format: format}
			byFormat[format] = g
			groups = append(groups, g)
		}
		g.objects = append(g.objects, obj.ID)
	}
	return groups, problems, nil
}

// pinned verifies a chain given by the request for a format class. Its terminus must pass the
// same acceptance as composed chains.
func (p *Planner) pinned(ctx context.Context, format string, pin descriptor.SharedPath, accept composer.Acceptance, shape *models.Shape) (models.Chain, error) {
	chain, err := p.composer.Verify(ctx, format, "", pin.Services)
	if err != nil {
		return models.Chain{}, err
	}
	ok, err := p.composer.Accepts(ctx, chain.Target(), accept)
	if err != nil {
		return models.Chain{}, err
	}
	if !ok {
		return models.Chain{}, fmt.Errorf("%w: pinned chain ends at %s, which is at risk or not a requested target", shared.ErrInvalidChain, chain.Target())
	}
	if shape != nil {
		got, _ := chain.Shape()
		if got != *shape {
			return models.Chain{}, fmt.Errorf("%w: pinned chain is %s, request declares %s", shared.ErrInvalidChain, got, *shape)
		}
	}
	return chain, nil
}

func (p *Planner) assemble(req descriptor.Request, groups []*group) *models.MigrationPlan {
	plan := models.NewMigrationPlan(req.Name, req.Owner)
	plan.SetTargetFormats(req.Targets)
	plan.SetDescriptor(req.Raw)
	if len(groups) == 1 {
		plan.SetSourceFormat(groups[0].format)
	}

	keys := make(map[string]bool)
	for _, g := range groups {
		activate := g.pinned || (p.autoReady && len(g.chains) == 1)
		for _, chain := range g.chains {
			if keys[chain.Key()] {
				continue
			}
			keys[chain.Key()] = true
			path := models.NewMigrationPath(chain)
			path.SetActive(activate)
			plan.AddPath(path)
		}
		for _, id := range g.objects {
			plan.AddItem(models.NewMigrationItem(id, g.format))
		}
	}

	if p.autoReady && plan.FullyRouted() {
		// NEW -> READY is always legal.
		_ = plan.Transition(models.PlanReady)
	}
	return plan
}

// SelectPath activates pathID for its group, routes the group's items through it, and promotes
// a NEW plan to READY once every group has an active path.
func (p *Planner) SelectPath(ctx context.Context, planID, pathID string) (*models.MigrationPlan, error) {
	plan, err := p.store.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status() != models.PlanNew && plan.Status() != models.PlanReady {
		return nil, fmt.Errorf("%w: cannot change the path of a %s plan", shared.ErrInvalidTransition, plan.Status())
	}

	chosen := plan.Path(pathID)
	if chosen == nil {
		return nil, fmt.Errorf("%w: path %s in plan %s", shared.ErrNotFound, pathID, planID)
	}
	for _, path := range plan.Paths() {
		if path.SourceFormat() == chosen.SourceFormat() {
			path.SetActive(path.ID() == chosen.ID())
		}
	}
	for _, item := range plan.Items() {
		if item.SourceFormat() == chosen.SourceFormat() {
			item.SetPathID(chosen.ID())
		}
	}

	if plan.Status() == models.PlanNew && plan.FullyRouted() {
		if err := plan.Transition(models.PlanReady); err != nil {
			return nil, err
		}
	}
	if err := p.store.Update(ctx, plan); err != nil {
		return nil, err
	}

	p.logger.Info("path selected", "plan", planID, "path", pathID, "chain", chosen.Chain().String(), "status", plan.Status())
	return plan, nil
}

// Delete removes a plan that is not RUNNING or PAUSED.
func (p *Planner) Delete(ctx context.Context, planID string) error {
	if err := p.store.Delete(ctx, planID); err != nil {
		return err
	}
	p.logger.Info("plan deleted", "plan", planID)
	return nil
}
