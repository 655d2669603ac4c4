package composer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
	th "github.com/desertthunder/pmx/internal/testing"
)

func keys(chains []models.Chain) []string {
	out := make([]string, len(chains))
	for i, c := range chains {
		out[i] = c.Key()
	}
	return out
}

func TestCompose(t *testing.T) {
	ctx := context.Background()

	t.Run("ranks the direct cheap chain before the longer one", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).
			AddFormat("F2", true).
			AddFormat("F3", false).
			AddService("f1f2", "F1", "F2", models.OneToOne, 3).
			AddService("f1f3", "F1", "F3", models.OneToOne, 1).
			AddService("f2f3", "F2", "F3", models.OneToOne, 2)

		chains, err := New(cat, Config{}).ComposeFrom(ctx, "F1", NotAtRisk())
		require.NoError(t, err)
		require.Len(t, chains, 2)
		assert.Equal(t, []string{"F1:f1f3", "F1:f1f2>f2f3"}, keys(chains))
		assert.Equal(t, models.KnownCost(1), chains[0].Cost())
		assert.Equal(t, models.KnownCost(5), chains[1].Cost())
	})

	t.Run("source already acceptable yields empty list", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", false).
			AddService("f1f2", "F1", "F2", models.OneToOne, 1)

		chains, err := New(cat, Config{}).ComposeFrom(ctx, "F1", NotAtRisk())
		require.NoError(t, err)
		assert.NotNil(t, chains)
		assert.Empty(t, chains)
		assert.Zero(t, cat.Lookups("F1"))
	})

	t.Run("no path within bound yields empty list", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).AddFormat("F2", true).AddFormat("F3", true).AddFormat("F4", false).
			AddService("a", "F1", "F2", models.OneToOne, 1).
			AddService("b", "F2", "F3", models.OneToOne, 1).
			AddService("c", "F3", "F4", models.OneToOne, 1)

		chains, err := New(cat, Config{MaxHops: 2}).ComposeFrom(ctx, "F1", NotAtRisk())
		require.NoError(t, err)
		assert.Empty(t, chains)

		chains, err = New(cat, Config{MaxHops: 2}).ComposeFrom(ctx, "F1", NotAtRisk(), WithMaxHops(3))
		require.NoError(t, err)
		assert.Equal(t, []string{"F1:a>b>c"}, keys(chains))
	})

	t.Run("cycles within a chain are not followed", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).AddFormat("F2", true).AddFormat("F3", false).
			AddService("a", "F1", "F2", models.OneToOne, 1).
			AddService("back", "F2", "F1", models.OneToOne, 1).
			AddService("b", "F2", "F3", models.OneToOne, 1)

		chains, err := New(cat, Config{MaxHops: 6}).ComposeFrom(ctx, "F1", NotAtRisk())
		require.NoError(t, err)
		assert.Equal(t, []string{"F1:a>b"}, keys(chains))
	})

	t.Run("unknown costs sort last and ties keep discovery order", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).AddFormat("F2", true).
			AddService("unknown", "F1", "F3", models.OneToOne, -1).
			AddService("two", "F1", "F4", models.OneToOne, 2).
			AddService("mid", "F1", "F2", models.OneToOne, 1).
			AddService("twoB", "F1", "F5", models.OneToOne, 2).
			AddService("tail", "F2", "F6", models.OneToOne, 1)

		chains, err := New(cat, Config{}).ComposeFrom(ctx, "F1", NotAtRisk())
		require.NoError(t, err)
		assert.Equal(t, []string{"F1:two", "F1:twoB", "F1:mid>tail", "F1:unknown"}, keys(chains))

		for i := 1; i < len(chains); i++ {
			prev, cur := chains[i-1].Cost(), chains[i].Cost()
			if prev.Known && cur.Known {
				assert.LessOrEqual(t, prev.Value, cur.Value)
			}
			if !prev.Known {
				assert.False(t, cur.Known, "known cost after unknown cost")
			}
		}
	})

	t.Run("fan in after fan out is never returned", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).AddFormat("B", true).AddFormat("B2", true).AddFormat("F2", false).
			AddService("split", "F1", "B", models.OneToMany, 1).
			AddService("each", "B", "B2", models.OneToOne, 1).
			AddService("merge", "B2", "F2", models.ManyToOne, 1).
			AddService("mergeDirect", "B", "F2", models.ManyToOne, 1).
			AddService("ok", "F1", "F2", models.OneToOne, 9)

		chains, err := New(cat, Config{}).ComposeFrom(ctx, "F1", NotAtRisk())
		require.NoError(t, err)
		assert.Equal(t, []string{"F1:ok"}, keys(chains))

		for _, c := range chains {
			for i, h := range c.Hops {
				if h.Shape == models.ManyToOne {
					for _, prev := range c.Hops[:i] {
						assert.Equal(t, models.OneToOne, prev.Shape)
					}
				}
			}
		}
	})

	t.Run("WithShape keeps only matching aggregate shapes", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).
			AddService("split", "F1", "P", models.OneToMany, 5).
			AddService("plain", "F1", "F2", models.OneToOne, 1)

		chains, err := New(cat, Config{}).ComposeFrom(ctx, "F1", NotAtRisk(), WithShape(models.OneToMany))
		require.NoError(t, err)
		assert.Equal(t, []string{"F1:split"}, keys(chains))
	})

	t.Run("WithKind and WithParameters filter services", func(t *testing.T) {
		cat := th.NewFakeCatalog().AddFormat("F1", true)
		cat.Add(models.Service{ID: "conv", Inputs: []string{"F1"}, Output: "F2", Kind: models.KindConversion, Cost: models.KnownCost(1)})
		cat.Add(models.Service{ID: "needs", Inputs: []string{"F1"}, Output: "F3", Kind: models.KindMigration, Cost: models.KnownCost(1),
			Parameters: []models.Parameter{{Name: "dpi", Required: true}}})
		cat.Add(models.Service{ID: "mig", Inputs: []string{"F1"}, Output: "F4", Kind: models.KindMigration, Cost: models.KnownCost(2)})

		c := New(cat, Config{})
		chains, err := c.ComposeFrom(ctx, "F1", NotAtRisk(), WithKind(models.KindMigration))
		require.NoError(t, err)
		assert.Equal(t, []string{"F1:mig"}, keys(chains))

		chains, err = c.ComposeFrom(ctx, "F1", NotAtRisk(), WithKind(models.KindMigration), WithParameters(map[string]string{"dpi": "300"}))
		require.NoError(t, err)
		assert.Equal(t, []string{"F1:needs", "F1:mig"}, keys(chains))
	})

	t.Run("TargetIn restricts termini", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).
			AddService("a", "F1", "F2", models.OneToOne, 1).
			AddService("b", "F1", "F3", models.OneToOne, 2)

		chains, err := New(cat, Config{}).ComposeFrom(ctx, "F1", All(NotAtRisk(), TargetIn("F3")))
		require.NoError(t, err)
		assert.Equal(t, []string{"F1:b"}, keys(chains))
	})

	t.Run("catalog failure fails the whole composition", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).
			AddService("a", "F1", "F2", models.OneToOne, 1)
		c := New(cat, Config{})
		cat.Fail(errors.New("semantic repository down"))

		chains, err := c.Compose(ctx, models.Format{ID: "F1", AtRisk: true}, NotAtRisk())
		assert.Nil(t, chains)
		assert.ErrorIs(t, err, shared.ErrCatalogUnavailable)
		assert.True(t, shared.IsRetryable(err))
	})

	t.Run("acceptance failure is retryable", func(t *testing.T) {
		cat := th.NewFakeCatalog().
			AddFormat("F1", true).
			AddService("a", "F1", "F2", models.OneToOne, 1)
		riskLookup := func(ctx context.Context, f models.Format) (bool, error) {
			if f.ID == "F2" {
				return false, errors.New("risk registry down")
			}
			return false, nil
		}

		chains, err := New(cat, Config{}).ComposeFrom(ctx, "F1", riskLookup)
		assert.Nil(t, chains)
		assert.ErrorIs(t, err, shared.ErrCatalogUnavailable)
		assert.True(t, shared.IsRetryable(err))

		failing := func(ctx context.Context, f models.Format) (bool, error) { return false, errors.New("down") }
		_, err = New(cat, Config{}).Compose(ctx, models.Format{ID: "F1"}, failing)
		assert.True(t, shared.IsRetryable(err))
	})

	t.Run("cancelled context stops the search", func(t *testing.T) {
		cat := th.NewFakeCatalog().AddService("a", "F1", "F2", models.OneToOne, 1)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := New(cat, Config{}).Compose(cctx, models.Format{ID: "F1", AtRisk: true}, NotAtRisk())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestAccepts(t *testing.T) {
	ctx := context.Background()
	cat := th.NewFakeCatalog().AddFormat("F1", true).AddFormat("F2", false)
	c := New(cat, Config{})

	ok, err := c.Accepts(ctx, "F1", NotAtRisk())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.Accepts(ctx, "F2", All(NotAtRisk(), TargetIn("F2")))
	require.NoError(t, err)
	assert.True(t, ok)

	cat.Fail(errors.New("down"))
	_, err = c.Accepts(ctx, "F2", NotAtRisk())
	assert.True(t, shared.IsRetryable(err))
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	cat := th.NewFakeCatalog().
		AddService("a", "F1", "F2", models.OneToOne, 1).
		AddService("b", "F2", "F3", models.OneToOne, 1).
		AddService("split", "F2", "B", models.OneToMany, 1).
		AddService("merge", "B", "F3", models.ManyToOne, 1)
	c := New(cat, Config{})

	t.Run("accepts a contiguous chain", func(t *testing.T) {
		chain, err := c.Verify(ctx, "F1", "F3", []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, "F1:a>b", chain.Key())
	})

	tc := []struct {
		name   string
		source string
		target string
		ids    []string
	}{
		{name: "unknown service", source: "F1", target: "F3", ids: []string{"a", "zz"}},
		{name: "gap", source: "F1", target: "F3", ids: []string{"b"}},
		{name: "wrong target", source: "F1", target: "F9", ids: []string{"a", "b"}},
		{name: "unresolvable shape", source: "F1", target: "F3", ids: []string{"a", "split", "merge"}},
		{name: "empty", source: "F1", target: "", ids: nil},
	}
	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify(ctx, tt.source, tt.target, tt.ids)
			assert.ErrorIs(t, err, shared.ErrInvalidChain)
		})
	}
}
