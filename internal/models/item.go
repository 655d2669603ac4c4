package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/desertthunder/pmx/internal/shared"
)

// ItemStatus is the processing state of a [MigrationItem].
type ItemStatus string

const (
	ItemPending ItemStatus = "PENDING"
	ItemRunning ItemStatus = "RUNNING"
	ItemDone    ItemStatus = "DONE"
	ItemFailed  ItemStatus = "FAILED"
)

var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemPending: {ItemRunning},
	ItemRunning: {ItemDone, ItemFailed},
}

// CanTransition reports whether moving from s to next is legal. Transitions are monotonic.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	return slices.Contains(itemTransitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s ItemStatus) Terminal() bool {
	return s == ItemDone || s == ItemFailed
}

// ErrorKind categorizes the failure of an item.
type ErrorKind string

const (
	ErrorNone     ErrorKind = ""
	ErrorFetch    ErrorKind = "fetch"
	ErrorService  ErrorKind = "service"
	ErrorStore    ErrorKind = "store"
	ErrorInternal ErrorKind = "internal"
)

// MigrationItem is one object of a plan.
type MigrationItem struct {
	id           string
	planID       string
	position     int
	objectID     string
	sourceFormat string
	pathID       string
	status       ItemStatus
	log          string
	errorKind    ErrorKind
	requestID    string
	startedAt    *time.Time
	endedAt      *time.Time
}

// NewMigrationItem creates a pending item for an object currently in sourceFormat.
func NewMigrationItem(objectID, sourceFormat string) *MigrationItem {
	return &MigrationItem{objectID: objectID, sourceFormat: sourceFormat, status: ItemPending}
}

func (i *MigrationItem) ID() string            { return i.id }
func (i *MigrationItem) PlanID() string        { return i.planID }
func (i *MigrationItem) Position() int         { return i.position }
func (i *MigrationItem) ObjectID() string      { return i.objectID }
func (i *MigrationItem) SourceFormat() string  { return i.sourceFormat }
func (i *MigrationItem) PathID() string        { return i.pathID }
func (i *MigrationItem) Status() ItemStatus    { return i.status }
func (i *MigrationItem) Log() string           { return i.log }
func (i *MigrationItem) ErrorKind() ErrorKind  { return i.errorKind }
func (i *MigrationItem) RequestID() string     { return i.requestID }
func (i *MigrationItem) StartedAt() *time.Time { return i.startedAt }
func (i *MigrationItem) EndedAt() *time.Time   { return i.endedAt }

func (i *MigrationItem) SetID(id string)           { i.id = id }
func (i *MigrationItem) SetPlanID(id string)       { i.planID = id }
func (i *MigrationItem) SetPosition(pos int)       { i.position = pos }
func (i *MigrationItem) SetPathID(id string)       { i.pathID = id }
func (i *MigrationItem) SetStatus(s ItemStatus)    { i.status = s }
func (i *MigrationItem) SetLog(log string)         { i.log = log }
func (i *MigrationItem) SetErrorKind(k ErrorKind)  { i.errorKind = k }
func (i *MigrationItem) SetRequestID(id string)    { i.requestID = id }
func (i *MigrationItem) SetStartedAt(t *time.Time) { i.startedAt = t }
func (i *MigrationItem) SetEndedAt(t *time.Time)   { i.endedAt = t }

// Transition moves the item to next, stamping start and end times.
func (i *MigrationItem) Transition(next ItemStatus, at time.Time) error {
	if !i.status.CanTransition(next) {
		return fmt.Errorf("%w: item %s -> %s", shared.ErrInvalidTransition, i.status, next)
	}
	i.status = next
	switch {
	case next == ItemRunning:
		i.startedAt = &at
	case next.Terminal():
		i.endedAt = &at
	}
	return nil
}

// AppendLog adds a line to the item's log.
func (i *MigrationItem) AppendLog(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if i.log != "" {
		i.log += "\n"
	}
	i.log += line
}

// Validate checks if the item's data is valid.
func (i *MigrationItem) Validate() error {
	switch {
	case i.objectID == "":
		return fmt.Errorf("%w: item object id is required", shared.ErrInvalidInput)
	case i.sourceFormat == "":
		return fmt.Errorf("%w: item %s has no source format", shared.ErrInvalidInput, i.objectID)
	case i.status != ItemPending && i.status != ItemRunning && !i.status.Terminal():
		return fmt.Errorf("%w: item status %q", shared.ErrInvalidInput, i.status)
	}
	return nil
}
