package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"wooster/internal/home"
	"wooster/internal/router"
)

func TestAssemblePromptOrdersBaseSupplementsHistoryAndTrailer(t *testing.T) {
	root := t.TempDir()
	dir := home.New(root)
	if err := os.MkdirAll(dir.SupplementsDir(), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(dir.BasePromptPath(), []byte("BASE"), 0o644); err != nil {
		t.Fatalf("WriteFile base: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir.SupplementsDir(), "b.txt"), []byte("SUPP_B"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir.SupplementsDir(), "a.txt"), []byte("SUPP_A"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// Non-.txt files must be ignored.
	if err := os.WriteFile(filepath.Join(dir.SupplementsDir(), "ignore.md"), []byte("IGNORED"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	history := []router.Message{{Role: "user", Content: "earlier question"}, {Role: "assistant", Content: "earlier answer"}}
	out, err := AssemblePrompt(dir, history, "what next", ModeClassicTools)
	if err != nil {
		t.Fatalf("AssemblePrompt: %v", err)
	}

	idxBase := strings.Index(out, "BASE")
	idxA := strings.Index(out, "SUPP_A")
	idxB := strings.Index(out, "SUPP_B")
	idxHistory := strings.Index(out, "earlier question")
	idxUser := strings.Index(out, "what next")

	if !(idxBase >= 0 && idxBase < idxA && idxA < idxB && idxB < idxHistory && idxHistory < idxUser) {
		t.Fatalf("unexpected ordering in prompt:\n%s", out)
	}
	if strings.Contains(out, "IGNORED") {
		t.Error("non-.txt supplement file should not be included")
	}
	if !strings.Contains(out, scratchpadPlaceholder) {
		t.Error("classic mode should append the scratchpad placeholder")
	}
}

func TestAssemblePromptCodeAgentTrailer(t *testing.T) {
	dir := home.New(t.TempDir())
	out, err := AssemblePrompt(dir, nil, "do a thing", ModeCodeAgent)
	if err != nil {
		t.Fatalf("AssemblePrompt: %v", err)
	}
	if !strings.Contains(out, codeAgentDirective) {
		t.Error("code-agent mode should append the code-agent directive")
	}
}

func TestAssemblePromptToleratesMissingPromptFiles(t *testing.T) {
	dir := home.New(t.TempDir())
	out, err := AssemblePrompt(dir, nil, "hello", ModeClassicTools)
	if err != nil {
		t.Fatalf("AssemblePrompt with no prompt files: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Error("expected user input in assembled prompt")
	}
}
