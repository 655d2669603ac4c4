package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/desertthunder/pmx/internal/executor"
	"github.com/desertthunder/pmx/internal/models"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgPlansFetched MsgKind = iota
	MsgPlanFetched
	MsgProgressUpdate
	MsgActionDone
	MsgProgressClosed
)

type plansResult struct {
	plans []*models.MigrationPlan
	err   error
}

type planResult struct {
	plan *models.MigrationPlan
	err  error
}

type actionResult struct {
	action string
	err    error
}

// plansFetchedMsg is the constructor for [MsgPlansFetched]
func plansFetchedMsg(plans []*models.MigrationPlan, err error) Msg {
	return Msg{kind: MsgPlansFetched, data: plansResult{plans, err}}
}

// planFetchedMsg is the constructor for [MsgPlanFetched]
func planFetchedMsg(plan *models.MigrationPlan, err error) Msg {
	return Msg{kind: MsgPlanFetched, data: planResult{plan, err}}
}

// progressUpdateMsg is the constructor for [MsgProgressUpdate]
func progressUpdateMsg(update executor.ProgressUpdate) Msg {
	return Msg{kind: MsgProgressUpdate, data: update}
}

// actionDoneMsg is the constructor for [MsgActionDone]
func actionDoneMsg(action string, err error) Msg {
	return Msg{kind: MsgActionDone, data: actionResult{action, err}}
}

// progressClosedMsg is the constructor for [MsgProgressClosed]
func progressClosedMsg() Msg {
	return Msg{kind: MsgProgressClosed}
}
