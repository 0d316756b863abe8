// Package home manages the Wooster home directory layout.
//
// The home directory owns all persistent state: the scheduler/config
// database, knowledge-base metadata and vector index files, and the
// plugin prompt directories.
//
// Layout:
//
//	<root>/
//	  config.db                 (scheduler + execution log, sqlite)
//	  kb/
//	    metadata.db              (documents, blocks, links, FTS5 index)
//	    vectors/index.gob        (flat vector index for all namespaces, with embedder id + dims)
//	  prompts/
//	    base.txt                 (base system prompt)
//	    supplements/*.txt         (concatenated in lexicographic order)
//	  traces/                     (archived retrieval traces, zstd-compressed)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a Wooster home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/wooster
//   - macOS:   ~/Library/Application Support/wooster
//   - Windows: %APPDATA%/wooster
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "wooster")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// SchedulerDBPath returns the path to the scheduler/execution-log database.
func (d Dir) SchedulerDBPath() string {
	return filepath.Join(d.root, "config.db")
}

// KnowledgeBaseDBPath returns the path to the knowledge-base metadata/FTS database.
func (d Dir) KnowledgeBaseDBPath() string {
	return filepath.Join(d.root, "kb", "metadata.db")
}

// VectorDir returns the directory holding vector-index artifacts for a namespace.
func (d Dir) VectorDir(namespace string) string {
	return filepath.Join(d.root, "kb", "vectors", namespace)
}

// PromptsDir returns the directory holding the base prompt and supplements.
func (d Dir) PromptsDir() string {
	return filepath.Join(d.root, "prompts")
}

// BasePromptPath returns the path to the base system prompt file.
func (d Dir) BasePromptPath() string {
	return filepath.Join(d.PromptsDir(), "base.txt")
}

// SupplementsDir returns the directory of supplemental prompt fragments,
// concatenated in lexicographic order when the prompt is assembled.
func (d Dir) SupplementsDir() string {
	return filepath.Join(d.PromptsDir(), "supplements")
}

// TracesDir returns the directory for archived retrieval trace files.
func (d Dir) TracesDir() string {
	return filepath.Join(d.root, "traces")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}
