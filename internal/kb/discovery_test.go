package kb

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverFilesFiltersNonMarkdownFromGlob(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.md", "b.markdown", "c.txt", "d.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("content"), 0o640); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	got, err := discoverFiles([]string{filepath.Join(dir, "*")})
	if err != nil {
		t.Fatalf("discoverFiles: %v", err)
	}

	want := map[string]bool{"a.md": true, "b.markdown": true}
	if len(got) != len(want) {
		t.Fatalf("got %d files, want %d: %v", len(got), len(want), got)
	}
	for _, p := range got {
		if !want[filepath.Base(p)] {
			t.Errorf("unexpected non-markdown file discovered: %s", p)
		}
	}
}

func TestDiscoverFilesTrustsLiteralPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("content"), 0o640); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := discoverFiles([]string{path})
	if err != nil {
		t.Fatalf("discoverFiles: %v", err)
	}
	if len(got) != 1 || got[0] != path {
		t.Fatalf("expected literal path to be honored regardless of extension, got %v", got)
	}
}

func TestMatchesAnyPatternRequiresMarkdownForGlobs(t *testing.T) {
	dir := t.TempDir()
	glob := filepath.Join(dir, "*")

	if !matchesAnyPattern(filepath.Join(dir, "note.md"), []string{glob}) {
		t.Error("expected a .md path to match a glob pattern")
	}
	if matchesAnyPattern(filepath.Join(dir, "image.png"), []string{glob}) {
		t.Error("expected a non-markdown path not to match a glob pattern")
	}
}

func TestMatchesAnyPatternTrustsLiteralPattern(t *testing.T) {
	path := "/tmp/notes/wishlist.txt"
	if !matchesAnyPattern(path, []string{path}) {
		t.Error("expected an explicitly named literal path to match regardless of extension")
	}
}
