package ui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/desertthunder/pmx/internal/executor"
	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

type fakePlans struct {
	plans map[string]*models.MigrationPlan
	err   error
}

func (f *fakePlans) List(ctx context.Context, criteria map[string]any) ([]*models.MigrationPlan, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.MigrationPlan
	for _, p := range f.plans {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakePlans) Get(ctx context.Context, id string) (*models.MigrationPlan, error) {
	if p, ok := f.plans[id]; ok {
		return p, nil
	}
	return nil, shared.ErrNotFound
}

type fakeControl struct {
	calls    []string
	err      error
	progress chan executor.ProgressUpdate
}

func (f *fakeControl) Start(ctx context.Context, id string) error {
	f.calls = append(f.calls, "start:"+id)
	return f.err
}

func (f *fakeControl) Pause(ctx context.Context, id string) error {
	f.calls = append(f.calls, "pause:"+id)
	return f.err
}

func (f *fakeControl) Finish(ctx context.Context, id string) error {
	f.calls = append(f.calls, "finish:"+id)
	return f.err
}

func (f *fakeControl) Progress() <-chan executor.ProgressUpdate { return f.progress }

func newModel(t *testing.T) (*Model, *fakePlans, *fakeControl) {
	t.Helper()
	plan := models.NewMigrationPlan("tiff rescue", "archivist")
	plan.SetID("p1")
	plan.SetSequence(1)
	for _, id := range []string{"a", "b"} {
		plan.AddItem(models.NewMigrationItem(id, "fmt/353"))
	}
	plans := &fakePlans{plans: map[string]*models.MigrationPlan{"p1": plan}}
	control := &fakeControl{progress: make(chan executor.ProgressUpdate, 4)}
	m := NewModel(context.Background(), plans, control)
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return m, plans, control
}

// run executes cmd and feeds the resulting message back into the model. Batches are not expanded.
func run(m *Model, cmd tea.Cmd) tea.Cmd {
	if cmd == nil {
		return nil
	}
	_, next := m.Update(cmd())
	return next
}

func keyPress(s string) tea.KeyMsg {
	if s == "enter" {
		return tea.KeyMsg{Type: tea.KeyEnter}
	}
	if s == "esc" {
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModel(t *testing.T) {
	t.Run("lists plans and opens one", func(t *testing.T) {
		m, _, _ := newModel(t)
		run(m, m.fetchPlans())
		require.Len(t, m.planList.Items(), 1)
		assert.Contains(t, m.View(), "tiff rescue")

		_, cmd := m.Update(keyPress("enter"))
		assert.Equal(t, PlanView, m.view)
		run(m, cmd)
		require.NotNil(t, m.plan)
		assert.Len(t, m.itemList.Items(), 2)
		assert.Contains(t, m.View(), "0/2")
	})

	t.Run("starts and pauses the open plan", func(t *testing.T) {
		m, _, control := newModel(t)
		run(m, m.fetchPlans())
		run(m, func() tea.Msg { _, cmd := m.Update(keyPress("enter")); return cmd() })

		_, cmd := m.Update(keyPress("s"))
		run(m, cmd)
		_, cmd = m.Update(keyPress("p"))
		run(m, cmd)
		assert.Equal(t, []string{"start:p1", "pause:p1"}, control.calls)
		assert.Contains(t, m.notice, "pause ok")
	})

	t.Run("finish requires confirmation", func(t *testing.T) {
		m, _, control := newModel(t)
		run(m, m.fetchPlans())
		run(m, func() tea.Msg { _, cmd := m.Update(keyPress("enter")); return cmd() })

		m.Update(keyPress("f"))
		assert.Equal(t, ConfirmView, m.view)
		assert.Contains(t, m.View(), "2 items that have not run")
		m.Update(keyPress("n"))
		assert.Equal(t, PlanView, m.view)
		assert.Empty(t, control.calls)

		m.Update(keyPress("f"))
		_, cmd := m.Update(keyPress("y"))
		run(m, cmd)
		assert.Equal(t, []string{"finish:p1"}, control.calls)
	})

	t.Run("reports failed actions", func(t *testing.T) {
		m, _, control := newModel(t)
		control.err = shared.ErrInvalidTransition
		run(m, m.fetchPlans())
		run(m, func() tea.Msg { _, cmd := m.Update(keyPress("enter")); return cmd() })

		_, cmd := m.Update(keyPress("s"))
		run(m, cmd)
		assert.Contains(t, m.notice, "start failed")
	})

	t.Run("progress for the open plan refreshes it", func(t *testing.T) {
		m, plans, control := newModel(t)
		run(m, m.fetchPlans())
		run(m, func() tea.Msg { _, cmd := m.Update(keyPress("enter")); return cmd() })

		item := plans.plans["p1"].Items()[0]
		require.NoError(t, item.Transition(models.ItemRunning, time.Now()))
		control.progress <- executor.ProgressUpdate{PlanID: "p1", Phase: executor.PhaseItemDone, Step: 1, Total: 2, Message: "[1/2] ✓ a"}

		msg := m.waitForProgress()()
		m.Update(msg)
		assert.Equal(t, "[1/2] ✓ a", m.progress.Message)

		control.progress <- executor.ProgressUpdate{PlanID: "other", Message: "elsewhere"}
		m.Update(m.waitForProgress()())
		assert.Equal(t, "[1/2] ✓ a", m.progress.Message)
	})

	t.Run("back returns to the list", func(t *testing.T) {
		m, _, _ := newModel(t)
		run(m, m.fetchPlans())
		run(m, func() tea.Msg { _, cmd := m.Update(keyPress("enter")); return cmd() })
		m.Update(keyPress("esc"))
		assert.Equal(t, PlanListView, m.view)
		assert.Nil(t, m.plan)
	})

	t.Run("errors are shown", func(t *testing.T) {
		m, plans, _ := newModel(t)
		plans.err = errors.New("database locked")
		run(m, m.fetchPlans())
		assert.Contains(t, m.View(), "database locked")
	})
}

func TestProgressBar(t *testing.T) {
	assert.Contains(t, progressBar(0, 0, 4), "░░░░")
	assert.Contains(t, progressBar(2, 4, 4), "░░")
	assert.NotContains(t, progressBar(4, 4, 4), "░")
}
