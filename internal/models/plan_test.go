package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/pmx/internal/shared"
)

func TestPlanStatus(t *testing.T) {
	legal := map[PlanStatus][]PlanStatus{
		PlanNew:     {PlanReady},
		PlanReady:   {PlanRunning},
		PlanRunning: {PlanPaused, PlanFinished},
		PlanPaused:  {PlanRunning, PlanFinished},
	}
	all := []PlanStatus{PlanNew, PlanReady, PlanRunning, PlanPaused, PlanFinished}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, l := range legal[from] {
				if l == to {
					want = true
				}
			}
			assert.Equalf(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestMigrationPlan(t *testing.T) {
	t.Run("Transition rejects illegal moves without changing state", func(t *testing.T) {
		p := NewMigrationPlan("tiff to jp2", "archivist")
		p.SetStatus(PlanFinished)

		err := p.Transition(PlanRunning)
		assert.ErrorIs(t, err, shared.ErrInvalidTransition)
		assert.Equal(t, PlanFinished, p.Status())
	})

	t.Run("Groups and routing", func(t *testing.T) {
		p := NewMigrationPlan("mixed", "")
		p.SetID("plan-1")
		p.AddItem(NewMigrationItem("obj-1", "F1"))
		p.AddItem(NewMigrationItem("obj-2", "F2"))
		p.AddItem(NewMigrationItem("obj-3", "F1"))
		assert.Equal(t, []string{"F1", "F2"}, p.Groups())
		assert.False(t, p.FullyRouted())

		c1, err := NewChain("F1", svc("a", "F1", "F3", OneToOne, KnownCost(1)))
		require.NoError(t, err)
		c2, err := NewChain("F2", svc("b", "F2", "F3", OneToOne, KnownCost(1)))
		require.NoError(t, err)

		p1, p2 := NewMigrationPath(c1), NewMigrationPath(c2)
		p.AddPath(p1)
		p.AddPath(p2)
		p1.SetActive(true)
		assert.False(t, p.FullyRouted())
		p2.SetActive(true)
		assert.True(t, p.FullyRouted())
		assert.Same(t, p1, p.ActivePath("F1"))
		assert.Equal(t, 1, p2.Position())
		assert.Equal(t, "plan-1", p2.PlanID())
		assert.NoError(t, p.Validate())
	})

	t.Run("Validate rejects two active paths in a group", func(t *testing.T) {
		p := NewMigrationPlan("dup", "")
		p.SetID("plan-2")
		p.AddItem(NewMigrationItem("obj-1", "F1"))
		for _, id := range []string{"a", "b"} {
			c, err := NewChain("F1", svc(id, "F1", "F3", OneToOne, KnownCost(1)))
			require.NoError(t, err)
			path := NewMigrationPath(c)
			path.SetActive(true)
			p.AddPath(path)
		}
		assert.ErrorIs(t, p.Validate(), shared.ErrInvalidInput)
	})

	t.Run("Validate requires routing after NEW", func(t *testing.T) {
		p := NewMigrationPlan("unrouted", "")
		p.SetID("plan-3")
		p.AddItem(NewMigrationItem("obj-1", "F1"))
		assert.NoError(t, p.Validate())
		p.SetStatus(PlanReady)
		assert.Error(t, p.Validate())
	})
}

func TestMigrationItem(t *testing.T) {
	t.Run("transitions are monotonic", func(t *testing.T) {
		now := time.Now()
		item := NewMigrationItem("obj-1", "F1")

		assert.Error(t, item.Transition(ItemDone, now))
		require.NoError(t, item.Transition(ItemRunning, now))
		require.NotNil(t, item.StartedAt())
		assert.Error(t, item.Transition(ItemPending, now))
		require.NoError(t, item.Transition(ItemFailed, now))
		require.NotNil(t, item.EndedAt())
		assert.Error(t, item.Transition(ItemDone, now))
		assert.Equal(t, ItemFailed, item.Status())
	})

	t.Run("AppendLog joins lines", func(t *testing.T) {
		item := NewMigrationItem("obj-1", "F1")
		item.AppendLog("started")
		item.AppendLog("  ")
		item.AppendLog("done")
		assert.Equal(t, "started\ndone", item.Log())
	})
}

func TestAsyncResult(t *testing.T) {
	now := time.Now()
	r := NewAsyncResult("res-1", "tok-1", "urn:obj:1", now)
	assert.False(t, r.OK())
	assert.Equal(t, 500, r.Code())

	r.SetCode(200)
	assert.True(t, r.OK())
	assert.True(t, r.Fresh(now.Add(time.Minute), time.Hour))
	assert.False(t, r.Fresh(now.Add(time.Hour), time.Hour))
	assert.NoError(t, r.Validate())
}

func TestPlanJSON(t *testing.T) {
	chain, err := NewChain("fmt/353", Service{ID: "s1", Inputs: []string{"fmt/353"}, Output: "fmt/44", Cost: KnownCost(2)})
	require.NoError(t, err)

	plan := NewMigrationPlan("export", "archivist")
	plan.SetID("p1")
	plan.SetRunnerToken("secret-token")
	path := NewMigrationPath(chain)
	path.SetID("path1")
	path.SetActive(true)
	plan.AddPath(path)
	item := NewMigrationItem("obj-1", "fmt/353")
	item.SetPathID("path1")
	plan.AddItem(item)

	data, err := plan.MarshalJSON()
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "secret-token")
	assert.Contains(t, out, `"status":"NEW"`)
	assert.Contains(t, out, `"description":"fmt/353 -[s1]-> fmt/44"`)
	assert.Contains(t, out, `"object_id":"obj-1"`)
	assert.Contains(t, out, `"counts":{"pending":1`)
}
