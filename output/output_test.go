package output

import (
	"strings"
	"testing"
)

type image struct {
	ID       string   `json:"id"`
	RepoTags []string `json:"repoTags"`
	Size     int64    `json:"size"`
	internal string
}

func TestTableSliceOfStructs(t *testing.T) {
	out := NewFormatter("table").Format([]image{
		{ID: "sha256:1", RepoTags: []string{"alpine:latest", "alpine:3.20"}, Size: 8},
		{ID: "sha256:2", RepoTags: []string{"fedora:40"}, Size: 232},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got:\n%s", out)
	}
	if fields := strings.Fields(lines[0]); strings.Join(fields, " ") != "ID REPOTAGS SIZE" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if !strings.Contains(lines[1], "alpine:latest, alpine:3.20") {
		t.Fatalf("tags should be joined: %q", lines[1])
	}
}

func TestTableEmptySlice(t *testing.T) {
	if out := NewFormatter("").Format([]image{}); out != "No results.\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTableMapSorted(t *testing.T) {
	out := NewFormatter("table").Format(map[string]any{
		"version": map[string]any{"version": "1.4.2"},
		"count":   2,
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "count:") {
		t.Fatalf("keys should be sorted:\n%s", out)
	}
	if !strings.Contains(lines[1], `{"version":"1.4.2"}`) {
		t.Fatalf("nested value should be JSON: %q", lines[1])
	}
}

func TestTableStruct(t *testing.T) {
	out := NewFormatter("table").Format(&image{ID: "sha256:1", Size: 8})
	if !strings.Contains(out, "id:") || strings.Contains(out, "internal") {
		t.Fatalf("unexpected struct output:\n%s", out)
	}
}

func TestJSONAndYAML(t *testing.T) {
	data := map[string]any{"version": "1.4.2"}
	if out := NewFormatter("json").Format(data); out != "{\n  \"version\": \"1.4.2\"\n}\n" {
		t.Fatalf("unexpected json %q", out)
	}
	if out := NewFormatter("YAML").Format(data); out != "version: 1.4.2\n" {
		t.Fatalf("unexpected yaml %q", out)
	}
}
