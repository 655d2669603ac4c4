package planner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/pmx/internal/composer"
	"github.com/desertthunder/pmx/internal/descriptor"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/repositories"
	"github.com/desertthunder/pmx/internal/shared"
	th "github.com/desertthunder/pmx/internal/testing"
	"github.com/desertthunder/pmx/internal/transform"
)

type resolver map[string]string

func (r resolver) Format(ctx context.Context, id string) (string, error) {
	f, ok := r[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", transform.ErrObjectNotFound, id)
	}
	return f, nil
}

// catalog: tiff (at risk) -> jp2 directly or via png; gif (at risk) -> nowhere.
func fixture(t *testing.T, autoReady bool) (*Planner, *repositories.PlanRepository, *th.FakeCatalog) {
	t.Helper()
	cat := th.NewFakeCatalog().
		AddFormat("tiff", true).
		AddFormat("png", false).
		AddFormat("jp2", false).
		AddFormat("gif", true).
		AddService("tiff2jp2", "tiff", "jp2", models.OneToOne, 5).
		AddService("tiff2png", "tiff", "png", models.OneToOne, 1).
		AddService("png2jp2", "png", "jp2", models.OneToOne, 1)

	db, err := shared.NewDatabase(":memory:")
	require.NoError(t, err)
	require.NoError(t, shared.RunMigrations(db))
	t.Cleanup(func() { db.Close() })

	repo := repositories.NewPlanRepository(db)
	comp := composer.New(cat, composer.Config{Logger: th.NewTestLogger()})
	p := New(comp, resolver{"o3": "tiff"}, repo, Config{AutoReady: autoReady, Logger: th.NewTestLogger()})
	return p, repo, cat
}

func TestBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("persists a NEW plan with every candidate chain", func(t *testing.T) {
		p, repo, _ := fixture(t, false)
		plan, err := p.Build(ctx, descriptor.Request{
			Name:    "rescue",
			Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}, {ID: "o2", Format: "tiff"}, {ID: "o1", Format: "tiff"}},
		})
		require.NoError(t, err)
		assert.Equal(t, models.PlanNew, plan.Status())
		assert.Equal(t, "tiff", plan.SourceFormat())

		got, err := repo.Get(ctx, plan.ID())
		require.NoError(t, err)
		assert.Len(t, got.Items(), 2, "duplicate objects are merged")
		require.Len(t, got.Paths(), 2, "png is acceptable so it is never extended")
		assert.Equal(t, "tiff:tiff2png", got.Paths()[0].Chain().Key(), "cheapest chain first")
		assert.Nil(t, got.ActivePath("tiff"))
	})

	t.Run("targets restrict the candidates", func(t *testing.T) {
		p, _, _ := fixture(t, false)
		plan, err := p.Build(ctx, descriptor.Request{
			Name:    "to jp2",
			Targets: []string{"jp2"},
			Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}},
		})
		require.NoError(t, err)
		require.Len(t, plan.Paths(), 2)
		assert.Equal(t, "tiff:tiff2png>png2jp2", plan.Paths()[0].Chain().Key())
		for _, path := range plan.Paths() {
			assert.Equal(t, "jp2", path.Chain().Target())
		}
	})

	t.Run("auto ready activates the only chain", func(t *testing.T) {
		p, _, _ := fixture(t, true)
		plan, err := p.Build(ctx, descriptor.Request{
			Name:    "direct",
			Targets: []string{"png"},
			Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}},
		})
		require.NoError(t, err)
		assert.Equal(t, models.PlanReady, plan.Status())
		require.NotNil(t, plan.ActivePath("tiff"))
		assert.Equal(t, plan.ActivePath("tiff").ID(), plan.Items()[0].PathID())
	})

	t.Run("fails closed when one object has no chain", func(t *testing.T) {
		p, repo, _ := fixture(t, false)
		_, err := p.Build(ctx, descriptor.Request{
			Name:    "mixed",
			Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}, {ID: "g1", Format: "gif"}},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrNoViableChain)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		require.Len(t, verr.Problems, 1)
		assert.Equal(t, "g1", verr.Problems[0].ObjectID)

		plans, err := repo.List(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, plans, "nothing is persisted")
	})

	t.Run("resolves missing formats through the object store", func(t *testing.T) {
		p, _, _ := fixture(t, false)
		plan, err := p.Build(ctx, descriptor.Request{Name: "lookup", Objects: []descriptor.Object{{ID: "o3"}}})
		require.NoError(t, err)
		assert.Equal(t, "tiff", plan.Items()[0].SourceFormat())

		_, err = p.Build(ctx, descriptor.Request{Name: "ghost", Objects: []descriptor.Object{{ID: "ghost"}}})
		assert.ErrorIs(t, err, transform.ErrObjectNotFound)
	})

	t.Run("pinned path is verified and activated", func(t *testing.T) {
		p, _, _ := fixture(t, false)
		plan, err := p.Build(ctx, descriptor.Request{
			Name:    "pinned",
			Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}},
			Paths:   []descriptor.SharedPath{{Format: "tiff", Services: []string{"tiff2png", "png2jp2"}}},
		})
		require.NoError(t, err)
		require.Len(t, plan.Paths(), 1)
		assert.True(t, plan.Paths()[0].Active())
		assert.Equal(t, models.PlanNew, plan.Status())
	})

	t.Run("pinned path must fit", func(t *testing.T) {
		p, _, cat := fixture(t, false)
		cat.AddService("tiff2gif", "tiff", "gif", models.OneToOne, 1)
		tests := []struct {
			name string
			req  descriptor.Request
		}{
			{"broken chain", descriptor.Request{
				Name: "x", Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}},
				Paths: []descriptor.SharedPath{{Format: "tiff", Services: []string{"png2jp2"}}},
			}},
			{"wrong target", descriptor.Request{
				Name: "x", Targets: []string{"jp2"}, Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}},
				Paths: []descriptor.SharedPath{{Format: "tiff", Services: []string{"tiff2png"}}},
			}},
			{"ends at an at-risk format", descriptor.Request{
				Name: "x", Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}},
				Paths: []descriptor.SharedPath{{Format: "tiff", Services: []string{"tiff2gif"}}},
			}},
			{"shape mismatch", descriptor.Request{
				Name: "x", Shape: "MANY_TO_ONE", Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}},
				Paths: []descriptor.SharedPath{{Format: "tiff", Services: []string{"tiff2jp2"}}},
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := p.Build(ctx, tt.req)
				assert.ErrorIs(t, err, shared.ErrInvalidChain)
			})
		}
	})

	t.Run("catalog outage aborts", func(t *testing.T) {
		p, _, cat := fixture(t, false)
		cat.Fail(errors.New("registry down"))
		_, err := p.Build(ctx, descriptor.Request{Name: "x", Objects: []descriptor.Object{{ID: "o1", Format: "tiff"}}})
		assert.ErrorIs(t, err, shared.ErrCatalogUnavailable)
	})

	t.Run("invalid request", func(t *testing.T) {
		p, _, _ := fixture(t, false)
		_, err := p.Build(ctx, descriptor.Request{})
		assert.ErrorIs(t, err, shared.ErrInvalidDescriptor)
	})
}

func TestSelectPath(t *testing.T) {
	ctx := context.Background()

	t.Run("promotes once every group is routed", func(t *testing.T) {
		p, repo, _ := fixture(t, false)
		plan, err := p.Build(ctx, descriptor.Request{
			Name:    "two groups",
			Targets: []string{"jp2"},
			Objects: []descriptor.Object{{ID: "t1", Format: "tiff"}, {ID: "p1", Format: "png"}},
		})
		require.NoError(t, err)

		var tiffPath, pngPath string
		for _, path := range plan.Paths() {
			switch {
			case path.SourceFormat() == "png":
				pngPath = path.ID()
			case path.Chain().Len() == 1:
				tiffPath = path.ID()
			}
		}

		plan, err = p.SelectPath(ctx, plan.ID(), tiffPath)
		require.NoError(t, err)
		assert.Equal(t, models.PlanNew, plan.Status(), "png group still unrouted")

		plan, err = p.SelectPath(ctx, plan.ID(), pngPath)
		require.NoError(t, err)
		assert.Equal(t, models.PlanReady, plan.Status())

		got, err := repo.Get(ctx, plan.ID())
		require.NoError(t, err)
		assert.Equal(t, models.PlanReady, got.Status())
		for _, item := range got.Items() {
			assert.Equal(t, got.ActivePath(item.SourceFormat()).ID(), item.PathID())
		}
	})

	t.Run("switching keeps one active path per group", func(t *testing.T) {
		p, repo, _ := fixture(t, false)
		plan, err := p.Build(ctx, descriptor.Request{Name: "x", Targets: []string{"jp2"}, Objects: []descriptor.Object{{ID: "t1", Format: "tiff"}}})
		require.NoError(t, err)

		first, second := plan.Paths()[0].ID(), plan.Paths()[1].ID()
		_, err = p.SelectPath(ctx, plan.ID(), first)
		require.NoError(t, err)
		_, err = p.SelectPath(ctx, plan.ID(), second)
		require.NoError(t, err)

		got, err := repo.Get(ctx, plan.ID())
		require.NoError(t, err)
		active := 0
		for _, path := range got.Paths() {
			if path.Active() {
				active++
			}
		}
		assert.Equal(t, 1, active)
		assert.Equal(t, second, got.ActivePath("tiff").ID())
	})

	t.Run("unknown path and running plan", func(t *testing.T) {
		p, repo, _ := fixture(t, true)
		plan, err := p.Build(ctx, descriptor.Request{Name: "x", Targets: []string{"png"}, Objects: []descriptor.Object{{ID: "t1", Format: "tiff"}}})
		require.NoError(t, err)

		_, err = p.SelectPath(ctx, plan.ID(), "nope")
		assert.ErrorIs(t, err, shared.ErrNotFound)

		applied, err := repo.ChangeStatus(ctx, models.StatusChange{
			PlanID: plan.ID(), From: []models.PlanStatus{models.PlanReady}, To: models.PlanRunning, Token: "r",
		})
		require.NoError(t, err)
		require.True(t, applied)

		_, err = p.SelectPath(ctx, plan.ID(), plan.Paths()[0].ID())
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.ErrorIs(t, p.Delete(ctx, plan.ID()), shared.ErrPlanBusy)
	})
}
