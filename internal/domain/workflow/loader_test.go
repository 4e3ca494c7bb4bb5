package workflow

import (
	"os"
	"path/filepath"
	"testing"
)

const chainYAML = `name: daily-report
description: fetch and summarize
schedule: "0 9 * * *"
steps:
  - name: fetch
    capability: websearch
    input:
      query: golang news
  - name: report
    capability: synthesize
    depends_on: [fetch]
    input:
      results: "{{fetch.results}}"
`

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write workflow file: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "daily.yaml", chainYAML)

	d, err := LoadFromFile(filepath.Join(dir, "daily.yaml"))
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if d.Name != "daily-report" {
		t.Fatalf("Name = %q, want daily-report", d.Name)
	}
	if d.Schedule != "0 9 * * *" {
		t.Fatalf("Schedule = %q", d.Schedule)
	}
	if len(d.Steps) != 2 || d.Steps[1].DependsOn[0] != "fetch" {
		t.Fatalf("Steps = %+v", d.Steps)
	}
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "bad.yaml", "name: bad\nsteps: []\n")

	if _, err := LoadFromFile(filepath.Join(dir, "bad.yaml")); err == nil {
		t.Fatal("LoadFromFile() expected error for empty steps")
	}
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", chainYAML)
	writeWorkflow(t, dir, "b.yml", "name: solo\nsteps:\n  - name: one\n    capability: analyze\n")
	writeWorkflow(t, dir, "notes.txt", "ignored")

	defs, err := LoadFromDirectory(dir)
	if err != nil {
		t.Fatalf("LoadFromDirectory() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
}

func TestLoadFromDirectoryMissingDir(t *testing.T) {
	defs, err := LoadFromDirectory(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("LoadFromDirectory() error = %v", err)
	}
	if defs != nil {
		t.Fatalf("defs = %v, want nil", defs)
	}
}
