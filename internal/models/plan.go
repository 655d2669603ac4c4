package models

import (
	"fmt"
	"slices"
	"time"

	"github.com/desertthunder/pmx/internal/shared"
)

// PlanStatus is the lifecycle state of a [MigrationPlan].
type PlanStatus string

const (
	PlanNew      PlanStatus = "NEW"
	PlanReady    PlanStatus = "READY"
	PlanRunning  PlanStatus = "RUNNING"
	PlanPaused   PlanStatus = "PAUSED"
	PlanFinished PlanStatus = "FINISHED"
)

var planTransitions = map[PlanStatus][]PlanStatus{
	PlanNew:     {PlanReady},
	PlanReady:   {PlanRunning},
	PlanRunning: {PlanPaused, PlanFinished},
	PlanPaused:  {PlanRunning, PlanFinished},
}

// CanTransition reports whether moving from s to next is legal.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	return slices.Contains(planTransitions[s], next)
}

// Valid reports whether s is a known status.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanNew, PlanReady, PlanRunning, PlanPaused, PlanFinished:
		return true
	}
	return false
}

// Active reports whether a plan in s may have a runner.
func (s PlanStatus) Active() bool {
	return s == PlanRunning || s == PlanPaused
}

// ParsePlanStatus parses a status name.
func ParsePlanStatus(s string) (PlanStatus, error) {
	st := PlanStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown plan status %q", shared.ErrInvalidInput, s)
	}
	return st, nil
}

// InvalidTransition builds the error for an illegal move from one status to another.
func InvalidTransition(from, to PlanStatus) error {
	return fmt.Errorf("%w: %s -> %s", shared.ErrInvalidTransition, from, to)
}

// MigrationPlan is the aggregate root describing which objects migrate via which chain.
type MigrationPlan struct {
	id            string
	sequence      int
	name          string
	owner         string
	status        PlanStatus
	runnerToken   string
	sourceFormat  string
	targetFormats []string
	descriptor    string
	awaitedObject string
	createdAt     time.Time
	updatedAt     time.Time
	startedAt     *time.Time
	finishedAt    *time.Time
	paths         []*MigrationPath
	items         []*MigrationItem
}

// NewMigrationPlan creates a plan in [PlanNew].
func NewMigrationPlan(name, owner string) *MigrationPlan {
	now := time.Now().UTC()
	return &MigrationPlan{
		name:      name,
		owner:     owner,
		status:    PlanNew,
		createdAt: now,
		updatedAt: now,
	}
}

func (p *MigrationPlan) ID() string              { return p.id }
func (p *MigrationPlan) Sequence() int           { return p.sequence }
func (p *MigrationPlan) Name() string            { return p.name }
func (p *MigrationPlan) Owner() string           { return p.owner }
func (p *MigrationPlan) Status() PlanStatus      { return p.status }
func (p *MigrationPlan) RunnerToken() string     { return p.runnerToken }
func (p *MigrationPlan) SourceFormat() string    { return p.sourceFormat }
func (p *MigrationPlan) TargetFormats() []string { return p.targetFormats }
func (p *MigrationPlan) Descriptor() string      { return p.descriptor }
func (p *MigrationPlan) AwaitedObject() string   { return p.awaitedObject }
func (p *MigrationPlan) CreatedAt() time.Time    { return p.createdAt }
func (p *MigrationPlan) UpdatedAt() time.Time    { return p.updatedAt }
func (p *MigrationPlan) StartedAt() *time.Time   { return p.startedAt }
func (p *MigrationPlan) FinishedAt() *time.Time  { return p.finishedAt }
func (p *MigrationPlan) Paths() []*MigrationPath { return p.paths }
func (p *MigrationPlan) Items() []*MigrationItem { return p.items }

func (p *MigrationPlan) SetID(id string)                 { p.id = id }
func (p *MigrationPlan) SetSequence(seq int)             { p.sequence = seq }
func (p *MigrationPlan) SetStatus(s PlanStatus)          { p.status = s }
func (p *MigrationPlan) SetRunnerToken(token string)     { p.runnerToken = token }
func (p *MigrationPlan) SetSourceFormat(format string)   { p.sourceFormat = format }
func (p *MigrationPlan) SetTargetFormats(ids []string)   { p.targetFormats = ids }
func (p *MigrationPlan) SetDescriptor(doc string)        { p.descriptor = doc }
func (p *MigrationPlan) SetAwaitedObject(id string)      { p.awaitedObject = id }
func (p *MigrationPlan) SetCreatedAt(t time.Time)        { p.createdAt = t }
func (p *MigrationPlan) SetUpdatedAt(t time.Time)        { p.updatedAt = t }
func (p *MigrationPlan) SetStartedAt(t *time.Time)       { p.startedAt = t }
func (p *MigrationPlan) SetFinishedAt(t *time.Time)      { p.finishedAt = t }
func (p *MigrationPlan) SetPaths(paths []*MigrationPath) { p.paths = paths }
func (p *MigrationPlan) SetItems(items []*MigrationItem) { p.items = items }

// AddPath appends a path, assigning plan id and position.
func (p *MigrationPlan) AddPath(path *MigrationPath) {
	path.planID = p.id
	path.position = len(p.paths)
	p.paths = append(p.paths, path)
}

// AddItem appends an item, assigning plan id and position.
func (p *MigrationPlan) AddItem(item *MigrationItem) {
	item.planID = p.id
	item.position = len(p.items)
	p.items = append(p.items, item)
}

// Transition moves the plan to next if the state machine allows it.
func (p *MigrationPlan) Transition(next PlanStatus) error {
	if !p.status.CanTransition(next) {
		return InvalidTransition(p.status, next)
	}
	p.status = next
	p.updatedAt = time.Now().UTC()
	return nil
}

// Groups returns the distinct source formats of the plan's items in first-seen order.
func (p *MigrationPlan) Groups() []string {
	var groups []string
	for _, item := range p.items {
		if !slices.Contains(groups, item.sourceFormat) {
			groups = append(groups, item.sourceFormat)
		}
	}
	return groups
}

// ActivePath returns the active path of a group, or nil.
func (p *MigrationPlan) ActivePath(sourceFormat string) *MigrationPath {
	for _, path := range p.paths {
		if path.active && path.sourceFormat == sourceFormat {
			return path
		}
	}
	return nil
}

// Path returns the path with id, or nil.
func (p *MigrationPlan) Path(id string) *MigrationPath {
	for _, path := range p.paths {
		if path.id == id {
			return path
		}
	}
	return nil
}

// FullyRouted reports whether every group of items has an active path.
func (p *MigrationPlan) FullyRouted() bool {
	for _, g := range p.Groups() {
		if p.ActivePath(g) == nil {
			return false
		}
	}
	return len(p.items) > 0
}

// ItemCounts tallies items by status.
type ItemCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// Total returns the number of counted items.
func (c ItemCounts) Total() int { return c.Pending + c.Running + c.Done + c.Failed }

// Counts tallies the plan's loaded items by status.
func (p *MigrationPlan) Counts() ItemCounts {
	var c ItemCounts
	for _, item := range p.items {
		switch item.status {
		case ItemPending:
			c.Pending++
		case ItemRunning:
			c.Running++
		case ItemDone:
			c.Done++
		case ItemFailed:
			c.Failed++
		}
	}
	return c
}

// Validate checks if the plan's data is valid.
func (p *MigrationPlan) Validate() error {
	if p.id == "" {
		return fmt.Errorf("%w: plan ID is required", shared.ErrInvalidInput)
	}
	if p.name == "" {
		return fmt.Errorf("%w: plan name is required", shared.ErrInvalidInput)
	}
	if !p.status.Valid() {
		return fmt.Errorf("%w: plan status %q", shared.ErrInvalidInput, p.status)
	}
	seen := make(map[string]bool)
	for _, path := range p.paths {
		if !path.active {
			continue
		}
		if seen[path.sourceFormat] {
			return fmt.Errorf("%w: more than one active path for %s", shared.ErrInvalidInput, path.sourceFormat)
		}
		seen[path.sourceFormat] = true
	}
	if p.status != PlanNew && len(p.items) > 0 && !p.FullyRouted() {
		return fmt.Errorf("%w: plan in %s without an active path per group", shared.ErrInvalidInput, p.status)
	}
	return nil
}

// StatusChange is a compare-and-set request on a plan's status.
//
// The change applies only while the plan is in one of From and, when RequireToken is set,
// still owned by that runner token. Token replaces the runner token when non-empty.
type StatusChange struct {
	PlanID        string
	From          []PlanStatus
	To            PlanStatus
	Token         string
	RequireToken  string
	AwaitedObject string
}
