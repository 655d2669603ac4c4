package composer

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/pmx/internal/catalog"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// DefaultMaxHops bounds chain length when no configuration is given.
const DefaultMaxHops = 4

// Config configures a [Composer].
type Config struct {
	MaxHops int
	Logger  *log.Logger
}

// Composer composes transformation chains. It holds no state across calls and is safe for
// concurrent use as long as its catalog is.
type Composer struct {
	catalog catalog.Catalog
	maxHops int
	logger  *log.Logger
}

// New creates a Composer over cat.
func New(cat catalog.Catalog, cfg Config) *Composer {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = DefaultMaxHops
	}
	return &Composer{
		catalog: cat,
		maxHops: cfg.MaxHops,
		logger:  shared.WithLogger(cfg.Logger, "component", "composer"),
	}
}

// partial is a chain under construction. visited holds every format on the chain, source included.
type partial struct {
	chain   models.Chain
	shape   models.Shape
	visited []string
}

// search holds the per-call memo of catalog answers.
type search struct {
	*Composer
	opts     options
	services map[string][]models.Service
	formats  map[string]models.Format
}

// Compose returns every chain from source to a format satisfying accept, ranked by ascending cost.
//
// A source that is already acceptable yields an empty list, as does a search that finds
// nothing within the hop bound. Any catalog error aborts the whole composition.
func (c *Composer) Compose(ctx context.Context, source models.Format, accept Acceptance, opts ...Option) ([]models.Chain, error) {
	s := &search{
		Composer: c,
		opts:     options{maxHops: c.maxHops},
		services: make(map[string][]models.Service),
		formats:  map[string]models.Format{source.ID: source},
	}
	for _, opt := range opts {
		opt(&s.opts)
	}

	ok, err := accept(ctx, source)
	if err != nil {
		return nil, unavailable(err)
	}
	if ok {
		c.logger.Debug("source already acceptable", "format", source.ID)
		return []models.Chain{}, nil
	}

	found := []models.Chain{}
	frontier := []partial{{chain: models.Chain{Source: source.ID}, shape: models.OneToOne, visited: []string{source.ID}}}
	dropped := 0

	for depth := 0; depth < s.opts.maxHops && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var next []partial
		for _, p := range frontier {
			services, err := s.lookup(ctx, p.chain.Target())
			if err != nil {
				return nil, err
			}

			for _, svc := range services {
				if !s.usable(svc) || slices.Contains(p.visited, svc.Output) {
					continue
				}

				shape, err := models.ResolveShape(p.shape, svc.Shape)
				if err != nil {
					dropped++
					c.logger.Debug("dropping candidate", "chain", p.chain.Extend(svc).String(), "err", err)
					continue
				}

				cand := partial{
					chain:   p.chain.Extend(svc),
					shape:   shape,
					visited: append(slices.Clone(p.visited), svc.Output),
				}

				f, err := s.describe(ctx, svc.Output)
				if err != nil {
					return nil, err
				}
				ok, err := accept(ctx, f)
				if err != nil {
					return nil, unavailable(err)
				}
				if !ok {
					next = append(next, cand)
					continue
				}
				if s.opts.shape != nil && *s.opts.shape != cand.shape {
					dropped++
					continue
				}
				found = append(found, cand.chain)
			}
		}
		frontier = next
	}

	Rank(found)
	c.logger.Debug("composed chains", "source", source.ID, "found", len(found), "dropped", dropped)
	return found, nil
}

// ComposeFrom resolves formatID through the catalog and composes from it.
func (c *Composer) ComposeFrom(ctx context.Context, formatID string, accept Acceptance, opts ...Option) ([]models.Chain, error) {
	s := &search{Composer: c, formats: make(map[string]models.Format)}
	source, err := s.describe(ctx, formatID)
	if err != nil {
		return nil, err
	}
	return c.Compose(ctx, source, accept, opts...)
}

// Rank sorts chains by ascending aggregate cost, uncosted chains last. The sort is stable.
func Rank(chains []models.Chain) {
	slices.SortStableFunc(chains, func(a, b models.Chain) int {
		ca, cb := a.Cost(), b.Cost()
		switch {
		case ca.Less(cb):
			return -1
		case cb.Less(ca):
			return 1
		}
		return 0
	})
}

// Verify resolves serviceIDs through the catalog and checks that they form a chain from source
// to target with a resolvable shape. An empty target accepts any terminus.
func (c *Composer) Verify(ctx context.Context, source, target string, serviceIDs []string) (models.Chain, error) {
	hops := make([]models.Service, 0, len(serviceIDs))
	for _, id := range serviceIDs {
		svc, err := c.catalog.Service(ctx, id)
		switch {
		case errors.Is(err, shared.ErrNotFound):
			return models.Chain{}, fmt.Errorf("%w: %w", shared.ErrInvalidChain, err)
		case err != nil:
			return models.Chain{}, unavailable(err)
		}
		hops = append(hops, svc)
	}

	chain, err := models.NewChain(source, hops...)
	if err != nil {
		return models.Chain{}, err
	}
	if target != "" && chain.Target() != target {
		return models.Chain{}, fmt.Errorf("%w: chain ends at %s, not %s", shared.ErrInvalidChain, chain.Target(), target)
	}
	if _, err := chain.Shape(); err != nil {
		return models.Chain{}, fmt.Errorf("%w: %w", shared.ErrInvalidChain, err)
	}
	return chain, nil
}

// Accepts reports whether accept admits the format formatID as described by the catalog.
func (c *Composer) Accepts(ctx context.Context, formatID string, accept Acceptance) (bool, error) {
	s := &search{Composer: c, formats: make(map[string]models.Format)}
	f, err := s.describe(ctx, formatID)
	if err != nil {
		return false, err
	}
	ok, err := accept(ctx, f)
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

func (s *search) usable(svc models.Service) bool {
	if s.opts.kind != "" && svc.Kind != "" && svc.Kind != s.opts.kind {
		return false
	}
	return len(svc.MissingParameters(s.opts.params)) == 0
}

func (s *search) lookup(ctx context.Context, formatID string) ([]models.Service, error) {
	if services, ok := s.services[formatID]; ok {
		return services, nil
	}
	services, err := s.catalog.LookupServicesAccepting(ctx, formatID)
	if err != nil {
		return nil, unavailable(err)
	}
	s.services[formatID] = services
	return services, nil
}

// describe returns the catalog descriptor of a format. A format the catalog has no descriptor
// for is described by its id and risk flag alone.
func (s *search) describe(ctx context.Context, id string) (models.Format, error) {
	if f, ok := s.formats[id]; ok {
		return f, nil
	}
	f, err := s.catalog.Format(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		risky, rerr := s.catalog.IsAtRisk(ctx, id)
		if rerr != nil {
			return models.Format{}, unavailable(rerr)
		}
		f, err = models.Format{ID: id, AtRisk: risky}, nil
	}
	if err != nil {
		return models.Format{}, unavailable(err)
	}
	s.formats[id] = f
	return f, nil
}

// unavailable tags catalog failures as [shared.ErrCatalogUnavailable] unless they already are
// or the context ended.
func unavailable(err error) error {
	if errors.Is(err, shared.ErrCatalogUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", shared.ErrCatalogUnavailable, err)
}
