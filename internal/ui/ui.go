package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/pmx/internal/executor"
	"github.com/desertthunder/pmx/internal/models"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	PlanListView ViewState = iota
	PlanView
	ConfirmView
)

// PlanSource reads plans. [repositories.PlanRepository] satisfies it.
type PlanSource interface {
	List(ctx context.Context, criteria map[string]any) ([]*models.MigrationPlan, error)
	Get(ctx context.Context, id string) (*models.MigrationPlan, error)
}

// PlanControl drives plans and reports their progress. [executor.Executor] satisfies it.
type PlanControl interface {
	Start(ctx context.Context, planID string) error
	Pause(ctx context.Context, planID string) error
	Finish(ctx context.Context, planID string) error
	Progress() <-chan executor.ProgressUpdate
}

// Model represents the TUI application state.
type Model struct {
	ctx      context.Context
	view     ViewState
	plans    PlanSource
	control  PlanControl
	width    int
	height   int
	planList list.Model
	itemList list.Model
	plan     *models.MigrationPlan
	progress executor.ProgressUpdate
	notice   string
	err      error
	help     help.Model
	keys     keyMap
}

// NewModel creates a new TUI model with the provided dependencies.
func NewModel(ctx context.Context, plans PlanSource, control PlanControl) *Model {
	m := &Model{
		ctx:     ctx,
		view:    PlanListView,
		plans:   plans,
		control: control,
		help:    help.New(),
		keys:    newKeyMap(),
	}
	m.planList = newList("Migration Plans", nil)
	m.itemList = newList("Items", nil)
	return m
}

func newList(title string, items []list.Item) list.Model {
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = title
	l.SetShowHelp(false)
	return l
}

// Init loads the plan list and starts listening for progress updates.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetchPlans(), m.waitForProgress())
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.planList.SetSize(msg.Width-4, msg.Height-8)
		m.itemList.SetSize(msg.Width-4, msg.Height-14)
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case PlanListView:
			return m.handlePlanListKeys(msg)
		case PlanView:
			return m.handlePlanKeys(msg)
		case ConfirmView:
			return m.handleConfirmKeys(msg)
		}

	case Msg:
		return m.handleMsg(msg)
	}

	return m.updateLists(msg)
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgPlansFetched:
		res := msg.data.(plansResult)
		if res.err != nil {
			m.err = res.err
			return m, nil
		}
		m.err = nil
		cmd := m.planList.SetItems(planItems(res.plans))
		return m, cmd

	case MsgPlanFetched:
		res := msg.data.(planResult)
		if res.err != nil {
			m.err = res.err
			return m, nil
		}
		m.err = nil
		m.plan = res.plan
		m.itemList.Title = fmt.Sprintf("Items of #%d %s", res.plan.Sequence(), res.plan.Name())
		cmd := m.itemList.SetItems(migrationItems(res.plan))
		return m, cmd

	case MsgProgressUpdate:
		update := msg.data.(executor.ProgressUpdate)
		cmds := []tea.Cmd{m.waitForProgress()}
		if m.plan != nil && update.PlanID == m.plan.ID() {
			m.progress = update
			cmds = append(cmds, m.fetchPlan(update.PlanID))
		}
		if m.view == PlanListView && terminalPhase(update.Phase) {
			cmds = append(cmds, m.fetchPlans())
		}
		return m, tea.Batch(cmds...)

	case MsgActionDone:
		res := msg.data.(actionResult)
		if res.err != nil {
			m.notice = styles.err.Render(fmt.Sprintf("%s failed: %v", res.action, res.err))
		} else {
			m.notice = styles.ok.Render(res.action + " ok")
		}
		if m.plan != nil {
			return m, m.fetchPlan(m.plan.ID())
		}
		return m, nil

	case MsgProgressClosed:
		return m, nil
	}
	return m, nil
}

func terminalPhase(p executor.Phase) bool {
	return p == executor.PhaseFinished || p == executor.PhaseStopped || p == executor.PhaseAwaiting
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	if m.err != nil {
		return styles.err.Render(fmt.Sprintf("Error: %v\n\nPress r to retry, q to quit", m.err))
	}

	switch m.view {
	case PlanListView:
		return m.renderPlanList()
	case PlanView:
		return m.renderPlan()
	case ConfirmView:
		return m.renderConfirm()
	default:
		return ""
	}
}

func (m *Model) handlePlanListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.planList.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.planList, cmd = m.planList.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.refresh):
		return m, m.fetchPlans()
	case key.Matches(msg, m.keys.enter):
		if pl, ok := m.planList.SelectedItem().(planItem); ok {
			m.view = PlanView
			m.plan = pl.plan
			m.notice = ""
			m.progress = executor.ProgressUpdate{}
			return m, m.fetchPlan(pl.plan.ID())
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.planList, cmd = m.planList.Update(msg)
	return m, cmd
}

func (m *Model) handlePlanKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.back):
		m.view = PlanListView
		m.plan = nil
		return m, m.fetchPlans()
	case key.Matches(msg, m.keys.refresh):
		return m, m.fetchPlan(m.plan.ID())
	case key.Matches(msg, m.keys.start):
		return m, m.act("start", m.control.Start)
	case key.Matches(msg, m.keys.pause):
		return m, m.act("pause", m.control.Pause)
	case key.Matches(msg, m.keys.finish):
		m.view = ConfirmView
		return m, nil
	}

	var cmd tea.Cmd
	m.itemList, cmd = m.itemList.Update(msg)
	return m, cmd
}

func (m *Model) handleConfirmKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit), key.Matches(msg, m.keys.no), key.Matches(msg, m.keys.back):
		m.view = PlanView
		return m, nil
	case key.Matches(msg, m.keys.yes):
		m.view = PlanView
		return m, m.act("finish", m.control.Finish)
	}
	return m, nil
}

func (m *Model) updateLists(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.view {
	case PlanListView:
		m.planList, cmd = m.planList.Update(msg)
	case PlanView:
		m.itemList, cmd = m.itemList.Update(msg)
	}
	return m, cmd
}

func (m *Model) fetchPlans() tea.Cmd {
	return func() tea.Msg {
		plans, err := m.plans.List(m.ctx, nil)
		return plansFetchedMsg(plans, err)
	}
}

func (m *Model) fetchPlan(id string) tea.Cmd {
	return func() tea.Msg {
		plan, err := m.plans.Get(m.ctx, id)
		return planFetchedMsg(plan, err)
	}
}

func (m *Model) act(name string, fn func(context.Context, string) error) tea.Cmd {
	id := m.plan.ID()
	return func() tea.Msg {
		return actionDoneMsg(name, fn(m.ctx, id))
	}
}

func (m *Model) waitForProgress() tea.Cmd {
	ch := m.control.Progress()
	return func() tea.Msg {
		select {
		case update, ok := <-ch:
			if !ok {
				return progressClosedMsg()
			}
			return progressUpdateMsg(update)
		case <-m.ctx.Done():
			return progressClosedMsg()
		}
	}
}

func (m *Model) renderPlanList() string {
	helpKeys := []key.Binding{m.keys.enter, m.keys.refresh, m.keys.quit}
	helpView := m.help.ShortHelpView(helpKeys)
	return fmt.Sprintf("%s\n\n%s", m.planList.View(), helpView)
}

func (m *Model) renderPlan() string {
	if m.plan == nil {
		return "Loading plan..."
	}
	counts := m.plan.Counts()
	title := styles.title.Render(fmt.Sprintf("Plan #%d %s", m.plan.Sequence(), m.plan.Name()))

	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", styles.planStatus(m.plan.Status()))
	if m.plan.AwaitedObject() != "" {
		fmt.Fprintf(&b, "Awaiting: %s\n", styles.warn.Render(m.plan.AwaitedObject()))
	}
	done := counts.Done + counts.Failed
	fmt.Fprintf(&b, "%s %d/%d (%d failed)\n", progressBar(done, counts.Total(), 30), done, counts.Total(), counts.Failed)
	for _, path := range m.plan.Paths() {
		if path.Active() {
			fmt.Fprintf(&b, "Path: %s\n", path.Chain())
		}
	}
	if m.progress.Message != "" {
		fmt.Fprintf(&b, "%s\n", styles.help.Render(m.progress.Message))
	}
	if m.notice != "" {
		fmt.Fprintf(&b, "%s\n", m.notice)
	}

	helpKeys := []key.Binding{m.keys.start, m.keys.pause, m.keys.finish, m.keys.refresh, m.keys.back, m.keys.quit}
	helpView := m.help.ShortHelpView(helpKeys)
	return fmt.Sprintf("%s\n%s\n%s\n\n%s", title, b.String(), m.itemList.View(), helpView)
}

func (m *Model) renderConfirm() string {
	counts := m.plan.Counts()
	title := styles.title.Render(fmt.Sprintf("Finish plan '%s'?", m.plan.Name()))
	info := fmt.Sprintf("\n%d items that have not run will be left unprocessed.\n", counts.Pending)

	helpKeys := []key.Binding{m.keys.yes, m.keys.no}
	helpView := m.help.ShortHelpView(helpKeys)

	return fmt.Sprintf("%s\n%s\n%s", title, info, helpView)
}

// progressBar renders done out of total as a bar width cells wide.
func progressBar(done, total, width int) string {
	filled := 0
	if total > 0 {
		filled = done * width / total
	}
	return "[" + styles.ok.Render(strings.Repeat("█", filled)) + strings.Repeat("░", width-filled) + "]"
}
