// Package ui implements an interactive terminal plan monitor using bubbletea's Elm architecture.
//
// The TUI provides a multi-view workflow for running migration plans:
//  1. [PlanListView] : Browse plans with their status and item counts
//  2. [PlanView] : Inspect a plan's active paths and items, start or pause it
//  3. [ConfirmView] : Confirm finishing a plan, which abandons its pending items
//
// The (view) [Model] implements bubbletea/Elm's standard Init/Update/View pattern, receiving messages via the Msg union type.
// Progress updates flow through the executor's progress channel; each item event refreshes the open plan.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, esc, s/p/f, y/n, r, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
