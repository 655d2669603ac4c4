package models

import (
	"fmt"

	"github.com/desertthunder/pmx/internal/shared"
)

// MigrationPath is a candidate chain for the items of a plan sharing one source format.
type MigrationPath struct {
	id           string
	planID       string
	position     int
	sourceFormat string
	chain        Chain
	active       bool
}

// NewMigrationPath wraps chain as an inactive path for the chain's source format group.
func NewMigrationPath(chain Chain) *MigrationPath {
	return &MigrationPath{sourceFormat: chain.Source, chain: chain}
}

func (p *MigrationPath) ID() string           { return p.id }
func (p *MigrationPath) PlanID() string       { return p.planID }
func (p *MigrationPath) Position() int        { return p.position }
func (p *MigrationPath) SourceFormat() string { return p.sourceFormat }
func (p *MigrationPath) Chain() Chain         { return p.chain }
func (p *MigrationPath) Active() bool         { return p.active }

func (p *MigrationPath) SetID(id string)       { p.id = id }
func (p *MigrationPath) SetPlanID(id string)   { p.planID = id }
func (p *MigrationPath) SetPosition(pos int)   { p.position = pos }
func (p *MigrationPath) SetActive(active bool) { p.active = active }

// Validate checks that the path holds a contiguous chain starting at its group's format.
func (p *MigrationPath) Validate() error {
	if err := p.chain.Validate(); err != nil {
		return err
	}
	if p.chain.Source != p.sourceFormat {
		return fmt.Errorf("%w: path chain starts at %s, group is %s", shared.ErrInvalidInput, p.chain.Source, p.sourceFormat)
	}
	return nil
}
