// package formatter exports migration plan reports to various formats (CSV, Markdown, JSON, plain text)
package formatter

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
)

// Format is an export format.
type Format string

const (
	CSV      Format = "csv"
	Markdown Format = "markdown"
	JSON     Format = "json"
	Text     Format = "txt"
)

// Formats lists the supported export formats.
var Formats = []Format{CSV, Markdown, JSON, Text}

// ParseFormat parses an export format name. "md" and "text" are accepted as aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "csv":
		return CSV, nil
	case "markdown", "md":
		return Markdown, nil
	case "json":
		return JSON, nil
	case "txt", "text":
		return Text, nil
	}
	return "", fmt.Errorf("%w: unknown export format %q", shared.ErrInvalidInput, s)
}

// Extension returns the file extension for f.
func (f Format) Extension() string {
	if f == Markdown {
		return ".md"
	}
	return "." + string(f)
}

// Export renders the plan, with its paths and items loaded, in format f.
func Export(plan *models.MigrationPlan, f Format) ([]byte, error) {
	switch f {
	case CSV:
		return ExportToCSV(plan)
	case Markdown:
		return ExportToMarkdown(plan)
	case JSON:
		return ExportToJSON(plan)
	case Text:
		return ExportToText(plan)
	}
	return nil, fmt.Errorf("%w: unknown export format %q", shared.ErrInvalidInput, f)
}

// ExportToCSV converts a plan's items to CSV with columns: Position, Object, Source Format, Chain, Status, Error, Request, Started, Ended
func ExportToCSV(plan *models.MigrationPlan) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"Position", "Object", "Source Format", "Chain", "Status", "Error", "Request", "Started", "Ended"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, item := range plan.Items() {
		record := []string{
			strconv.Itoa(item.Position()),
			item.ObjectID(),
			item.SourceFormat(),
			chainOf(plan, item),
			string(item.Status()),
			string(item.ErrorKind()),
			item.RequestID(),
			timestamp(item.StartedAt()),
			timestamp(item.EndedAt()),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// ExportToMarkdown converts a plan to a Markdown report with its paths and items
func ExportToMarkdown(plan *models.MigrationPlan) ([]byte, error) {
	var buf bytes.Buffer
	counts := plan.Counts()

	fmt.Fprintf(&buf, "# %s\n\n", plan.Name())
	if plan.Owner() != "" {
		fmt.Fprintf(&buf, "**Owner**: %s\n\n", plan.Owner())
	}
	fmt.Fprintf(&buf, "**Status**: %s\n", plan.Status())
	fmt.Fprintf(&buf, "**Items**: %d (%d done, %d failed, %d pending, %d running)\n", counts.Total(), counts.Done, counts.Failed, counts.Pending, counts.Running)
	if len(plan.TargetFormats()) > 0 {
		fmt.Fprintf(&buf, "**Targets**: %s\n", strings.Join(plan.TargetFormats(), ", "))
	}
	if plan.AwaitedObject() != "" {
		fmt.Fprintf(&buf, "**Awaiting**: %s\n", plan.AwaitedObject())
	}
	if d := elapsed(plan); d != "" {
		fmt.Fprintf(&buf, "**Elapsed**: %s\n", d)
	}
	buf.WriteString("\n## Paths\n\n")
	for _, path := range plan.Paths() {
		marker := ""
		if path.Active() {
			marker = " **(active)**"
		}
		fmt.Fprintf(&buf, "%d. `%s` %s [cost %s]%s\n", path.Position()+1, path.SourceFormat(), path.Chain(), path.Chain().Cost(), marker)
	}

	buf.WriteString("\n## Items\n\n")
	buf.WriteString("| # | Object | Format | Status | Error |\n")
	buf.WriteString("|---|--------|--------|--------|-------|\n")
	for _, item := range plan.Items() {
		fmt.Fprintf(&buf, "| %d | %s | %s | %s | %s |\n", item.Position()+1, item.ObjectID(), item.SourceFormat(), item.Status(), item.ErrorKind())
	}

	var failed []*models.MigrationItem
	for _, item := range plan.Items() {
		if item.Status() == models.ItemFailed {
			failed = append(failed, item)
		}
	}
	if len(failed) > 0 {
		buf.WriteString("\n## Failures\n\n")
		for _, item := range failed {
			fmt.Fprintf(&buf, "### %s\n\n```\n%s\n```\n\n", item.ObjectID(), strings.TrimSpace(item.Log()))
		}
	}

	return buf.Bytes(), nil
}

// ExportToJSON converts a plan to indented JSON
func ExportToJSON(plan *models.MigrationPlan) ([]byte, error) {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}
	return append(data, '\n'), nil
}

// ExportToText converts a plan to plain text format
func ExportToText(plan *models.MigrationPlan) ([]byte, error) {
	var buf bytes.Buffer
	counts := plan.Counts()

	fmt.Fprintf(&buf, "Plan: %s (#%d)\n", plan.Name(), plan.Sequence())
	fmt.Fprintf(&buf, "Status: %s\n", plan.Status())
	fmt.Fprintf(&buf, "Items: %d done, %d failed, %d remaining\n\n", counts.Done, counts.Failed, counts.Pending+counts.Running)

	for _, item := range plan.Items() {
		fmt.Fprintf(&buf, "%d. %s [%s] %s\n", item.Position()+1, item.ObjectID(), item.SourceFormat(), item.Status())
	}

	return buf.Bytes(), nil
}

// WriteExport writes the plan report in format f to path.
//
// Defaults to plan-{sequence}{ext} in the working directory.
func WriteExport(plan *models.MigrationPlan, f Format, path string) (string, error) {
	if path == "" {
		path = fmt.Sprintf("plan-%d%s", plan.Sequence(), f.Extension())
	}

	data, err := Export(plan, f)
	if err != nil {
		return "", err
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s file: %w", f, err)
	}

	return path, nil
}

func chainOf(plan *models.MigrationPlan, item *models.MigrationItem) string {
	if path := plan.Path(item.PathID()); path != nil {
		return path.Chain().Key()
	}
	return ""
}

func timestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func elapsed(plan *models.MigrationPlan) string {
	if plan.StartedAt() == nil {
		return ""
	}
	end := time.Now()
	if plan.FinishedAt() != nil {
		end = *plan.FinishedAt()
	}
	return end.Sub(*plan.StartedAt()).Round(time.Second).String()
}
