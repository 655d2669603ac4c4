package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/desertthunder/pmx/internal/models"
)

var styles = NewPalette("#7D56F4", "#04B575", "#FF0000", "#FFA500", "#626262")

// struct Palette is a simple stylesheet built with named [lipgloss.Style] fields
type Palette struct {
	title lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
	help  lipgloss.Style
}

func NewPalette(t, s, e, w, h string) *Palette {
	return &Palette{
		title: NewBold(t).MarginBottom(1),
		ok:    NewBold(s),
		err:   NewBold(e),
		warn:  NewStyle(w),
		help:  NewEm(h),
	}
}

func NewStyle(fg string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
}

func NewBold(fg string) lipgloss.Style {
	return NewStyle(fg).Bold(true)
}

func NewEm(fg string) lipgloss.Style {
	return NewStyle(fg).Italic(true)
}

// planStatus renders a plan status in its color.
func (p *Palette) planStatus(s models.PlanStatus) string {
	switch s {
	case models.PlanRunning:
		return p.ok.Render(string(s))
	case models.PlanPaused:
		return p.warn.Render(string(s))
	case models.PlanFinished:
		return p.help.Render(string(s))
	default:
		return string(s)
	}
}

// itemStatus renders an item status in its color.
func (p *Palette) itemStatus(s models.ItemStatus) string {
	switch s {
	case models.ItemDone:
		return p.ok.Render("✓ " + string(s))
	case models.ItemFailed:
		return p.err.Render("✗ " + string(s))
	case models.ItemRunning:
		return p.warn.Render("» " + string(s))
	default:
		return p.help.Render("· " + string(s))
	}
}
