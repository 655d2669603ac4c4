package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"

	"github.com/desertthunder/pmx/internal/models"
)

var (
	_ list.Item = planItem{}
	_ list.Item = migrationItem{}
)

// planItem wraps [models.MigrationPlan] to implement [list.Item].
type planItem struct {
	plan *models.MigrationPlan
}

func (i planItem) FilterValue() string { return i.plan.Name() }
func (i planItem) Title() string {
	return fmt.Sprintf("#%d %s", i.plan.Sequence(), i.plan.Name())
}
func (i planItem) Description() string {
	desc := string(i.plan.Status())
	if i.plan.Owner() != "" {
		desc = fmt.Sprintf("%s • %s", desc, i.plan.Owner())
	}
	if i.plan.AwaitedObject() != "" {
		desc = fmt.Sprintf("%s • awaiting %s", desc, i.plan.AwaitedObject())
	}
	return desc
}

// migrationItem wraps [models.MigrationItem] to implement [list.Item].
type migrationItem struct {
	item *models.MigrationItem
}

func (i migrationItem) FilterValue() string { return i.item.ObjectID() }
func (i migrationItem) Title() string       { return i.item.ObjectID() }
func (i migrationItem) Description() string {
	desc := fmt.Sprintf("%s • %s", i.item.SourceFormat(), styles.itemStatus(i.item.Status()))
	if i.item.ErrorKind() != models.ErrorNone {
		desc = fmt.Sprintf("%s (%s)", desc, i.item.ErrorKind())
	}
	return desc
}

func planItems(plans []*models.MigrationPlan) []list.Item {
	items := make([]list.Item, len(plans))
	for i, p := range plans {
		items[i] = planItem{plan: p}
	}
	return items
}

func migrationItems(plan *models.MigrationPlan) []list.Item {
	items := make([]list.Item, len(plan.Items()))
	for i, it := range plan.Items() {
		items[i] = migrationItem{item: it}
	}
	return items
}
