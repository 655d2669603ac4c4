package executor

import (
	"fmt"

	"github.com/desertthunder/pmx/internal/models"
)

// ProgressUpdate represents a progress event while a plan runs.
//
// Sent to the CLI, UI or HTTP layer for display. Sends never block the runner.
type ProgressUpdate struct {
	PlanID  string // Plan the event belongs to
	Phase   Phase  // Runner phase
	Step    int    // Items completed so far
	Total   int    // Items in the plan
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data, such as the item
}

// Runner phase enumeration
type Phase int

const (
	PhaseStarted Phase = iota
	PhaseItemDone
	PhaseItemFailed
	PhaseAwaiting
	PhaseStopped
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseStarted:
		return "started"
	case PhaseItemDone:
		return "item_done"
	case PhaseItemFailed:
		return "item_failed"
	case PhaseAwaiting:
		return "awaiting"
	case PhaseStopped:
		return "stopped"
	case PhaseFinished:
		return "finished"
	default:
		return ""
	}
}

func startedUpdate(planID string, counts models.ItemCounts) ProgressUpdate {
	return ProgressUpdate{
		PlanID:  planID,
		Phase:   PhaseStarted,
		Step:    counts.Done + counts.Failed,
		Total:   counts.Total(),
		Message: fmt.Sprintf("Running plan %s (%d pending)", planID, counts.Pending+counts.Running),
	}
}

func itemUpdate(planID string, step, total int, item *models.MigrationItem) ProgressUpdate {
	u := ProgressUpdate{PlanID: planID, Step: step, Total: total, Data: item}
	if item.Status() == models.ItemFailed {
		u.Phase = PhaseItemFailed
		u.Message = fmt.Sprintf("[%d/%d] ✗ %s (%s)", step, total, item.ObjectID(), item.ErrorKind())
		return u
	}
	u.Phase = PhaseItemDone
	u.Message = fmt.Sprintf("[%d/%d] ✓ %s", step, total, item.ObjectID())
	return u
}

func awaitingUpdate(planID, objectID string) ProgressUpdate {
	return ProgressUpdate{
		PlanID:  planID,
		Phase:   PhaseAwaiting,
		Message: fmt.Sprintf("Paused until object %s is available", objectID),
		Data:    objectID,
	}
}

func stoppedUpdate(planID string, status models.PlanStatus) ProgressUpdate {
	return ProgressUpdate{
		PlanID:  planID,
		Phase:   PhaseStopped,
		Message: fmt.Sprintf("Runner stopped, plan is %s", status),
		Data:    status,
	}
}

func finishedUpdate(planID string, counts models.ItemCounts) ProgressUpdate {
	return ProgressUpdate{
		PlanID:  planID,
		Phase:   PhaseFinished,
		Step:    counts.Done + counts.Failed,
		Total:   counts.Total(),
		Message: fmt.Sprintf("Plan %s finished: %d done, %d failed", planID, counts.Done, counts.Failed),
		Data:    counts,
	}
}
