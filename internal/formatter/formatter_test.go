package formatter

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/pmx/internal/models"
	"github.com/desertthunder/pmx/internal/shared"
	th "github.com/desertthunder/pmx/internal/testing"
)

func samplePlan(t *testing.T) *models.MigrationPlan {
	t.Helper()
	plan := models.NewMigrationPlan("TIFF rescue", "archivist")
	plan.SetID("plan-1")
	plan.SetSequence(7)
	plan.SetTargetFormats([]string{"x-fmt/392"})

	svc := models.Service{
		ID:     "tiff2jp2",
		Inputs: []string{"fmt/353"},
		Output: "x-fmt/392",
		Shape:  models.OneToOne,
		Cost:   models.Cost{Value: 3, Known: true},
	}
	chain, err := models.NewChain("fmt/353", svc)
	if err != nil {
		t.Fatalf("NewChain failed: %v", err)
	}
	path := models.NewMigrationPath(chain)
	path.SetID("path-1")
	path.SetActive(true)
	plan.AddPath(path)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"obj-1", "obj-2", "obj-3"} {
		item := models.NewMigrationItem(id, "fmt/353")
		item.SetPathID("path-1")
		plan.AddItem(item)
	}
	items := plan.Items()
	for _, item := range items[:2] {
		if err := item.Transition(models.ItemRunning, at); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
	}
	_ = items[0].Transition(models.ItemDone, at.Add(time.Minute))
	_ = items[1].Transition(models.ItemFailed, at.Add(time.Minute))
	items[1].SetErrorKind(models.ErrorService)
	items[1].AppendLog("502: converter unavailable")
	items[0].SetRequestID("tok-1")
	return plan
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"csv", CSV},
		{"Markdown", Markdown},
		{"md", Markdown},
		{"json", JSON},
		{"text", Text},
		{"txt", Text},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if err != nil {
				t.Fatalf("ParseFormat(%q) failed: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		if _, err := ParseFormat("pdf"); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	if Markdown.Extension() != ".md" || Text.Extension() != ".txt" {
		t.Errorf("unexpected extensions %q %q", Markdown.Extension(), Text.Extension())
	}
}

func TestExporters(t *testing.T) {
	plan := samplePlan(t)

	t.Run("ExportToCSV", func(t *testing.T) {
		data, err := ExportToCSV(plan)
		if err != nil {
			t.Fatalf("ExportToCSV failed: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 4 {
			t.Fatalf("expected header and 3 rows, got %d lines", len(lines))
		}
		if lines[0] != "Position,Object,Source Format,Chain,Status,Error,Request,Started,Ended" {
			t.Errorf("CSV headers wrong, got: %s", lines[0])
		}
		if lines[1] != "0,obj-1,fmt/353,fmt/353:tiff2jp2,DONE,,tok-1,2024-03-01T12:00:00Z,2024-03-01T12:01:00Z" {
			t.Errorf("unexpected first row: %s", lines[1])
		}
		if !strings.Contains(lines[2], "FAILED,service") {
			t.Errorf("failed row missing error kind: %s", lines[2])
		}
		if !strings.HasSuffix(lines[3], "PENDING,,,,") {
			t.Errorf("pending row should have empty trailing fields: %s", lines[3])
		}
	})

	t.Run("ExportToMarkdown", func(t *testing.T) {
		data, err := ExportToMarkdown(plan)
		if err != nil {
			t.Fatalf("ExportToMarkdown failed: %v", err)
		}
		output := string(data)

		for _, want := range []string{
			"# TIFF rescue",
			"**Owner**: archivist",
			"**Status**: NEW",
			"**Items**: 3 (1 done, 1 failed, 1 pending, 0 running)",
			"**Targets**: x-fmt/392",
			"## Paths",
			"1. `fmt/353` fmt/353 -[tiff2jp2]-> x-fmt/392 [cost 3] **(active)**",
			"| 2 | obj-2 | fmt/353 | FAILED | service |",
			"## Failures",
			"502: converter unavailable",
		} {
			if !strings.Contains(output, want) {
				t.Errorf("Markdown missing %q, got:\n%s", want, output)
			}
		}
	})

	t.Run("ExportToMarkdown without failures", func(t *testing.T) {
		plan := models.NewMigrationPlan("empty", "")
		data, err := ExportToMarkdown(plan)
		if err != nil {
			t.Fatalf("ExportToMarkdown failed: %v", err)
		}
		if strings.Contains(string(data), "## Failures") || strings.Contains(string(data), "**Owner**") {
			t.Errorf("unexpected sections in:\n%s", data)
		}
	})

	t.Run("ExportToJSON", func(t *testing.T) {
		data, err := ExportToJSON(plan)
		if err != nil {
			t.Fatalf("ExportToJSON failed: %v", err)
		}
		var got struct {
			ID     string `json:"id"`
			Counts struct {
				Done   int `json:"done"`
				Failed int `json:"failed"`
			} `json:"counts"`
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.ID != "plan-1" || got.Counts.Done != 1 || got.Counts.Failed != 1 || len(got.Items) != 3 {
			t.Errorf("unexpected JSON: %s", data)
		}
		if strings.Contains(string(data), "runner_token") {
			t.Errorf("runner token must not be exported")
		}
	})

	t.Run("ExportToText", func(t *testing.T) {
		data, err := ExportToText(plan)
		if err != nil {
			t.Fatalf("ExportToText failed: %v", err)
		}
		output := string(data)
		if !strings.Contains(output, "Plan: TIFF rescue (#7)") {
			t.Errorf("Text missing header, got:\n%s", output)
		}
		if !strings.Contains(output, "Items: 1 done, 1 failed, 1 remaining") {
			t.Errorf("Text missing counts, got:\n%s", output)
		}
		if !strings.Contains(output, "3. obj-3 [fmt/353] PENDING") {
			t.Errorf("Text missing item line, got:\n%s", output)
		}
	})

	t.Run("Export dispatches", func(t *testing.T) {
		for _, f := range Formats {
			data, err := Export(plan, f)
			if err != nil {
				t.Errorf("Export(%s) failed: %v", f, err)
			}
			if len(data) == 0 {
				t.Errorf("Export(%s) returned no data", f)
			}
		}
		if _, err := Export(plan, "pdf"); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestWriteExport(t *testing.T) {
	plan := samplePlan(t)

	t.Run("WithDefaultPath", func(t *testing.T) {
		t.Chdir(t.TempDir())

		path, err := WriteExport(plan, CSV, "")
		if err != nil {
			t.Fatalf("WriteExport failed: %v", err)
		}
		if path != "plan-7.csv" {
			t.Errorf("Expected 'plan-7.csv', got '%s'", path)
		}
		th.AssertFileExists(t, path)
		if !strings.Contains(th.MustReadFile(t, path), "obj-1") {
			t.Errorf("CSV missing item data")
		}
	})

	t.Run("WithCustomPath", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reports", "tiff.md")

		got, err := WriteExport(plan, Markdown, path)
		if err != nil {
			t.Fatalf("WriteExport failed: %v", err)
		}
		if got != path {
			t.Errorf("Expected %q, got %q", path, got)
		}
		if !strings.Contains(th.MustReadFile(t, path), "# TIFF rescue") {
			t.Errorf("Markdown report missing title")
		}
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plan.pdf")
		if _, err := WriteExport(plan, "pdf", path); err == nil {
			t.Error("expected error for unknown format")
		}
		th.AssertNoFile(t, path)
	})
}
