package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"wooster/internal/home"
	"wooster/internal/router"
)

const scratchpadPlaceholder = "<scratchpad></scratchpad>"

const codeAgentDirective = "emit exactly one fenced program and nothing else; " +
	"use only the provided Tool API; call finalAnswer exactly once."

// AssemblePrompt builds the full prompt text for one turn (spec.md §4.7
// "Prompt assembly"): the base system prompt, every supplemental text file
// found under dir's prompts directory concatenated in lexicographic order,
// the conversation history and user input as structured turns, and finally
// a mode-specific trailer (a scratchpad placeholder for classic mode, a
// strict single-program directive for code-agent mode).
func AssemblePrompt(dir home.Dir, history []router.Message, userInput string, mode Mode) (string, error) {
	var b strings.Builder

	base, err := os.ReadFile(dir.BasePromptPath())
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read base prompt: %w", err)
	}
	if len(base) > 0 {
		b.Write(base)
		b.WriteString("\n\n")
	}

	supplements, err := listSupplements(dir.SupplementsDir())
	if err != nil {
		return "", fmt.Errorf("list prompt supplements: %w", err)
	}
	for _, path := range supplements {
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read prompt supplement %s: %w", path, err)
		}
		b.Write(content)
		b.WriteString("\n\n")
	}

	for _, m := range history {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "[user]\n%s\n\n", userInput)

	if mode == ModeCodeAgent {
		b.WriteString(codeAgentDirective)
	} else {
		b.WriteString(scratchpadPlaceholder)
	}
	b.WriteString("\n")

	return b.String(), nil
}

// listSupplements returns the .txt files directly under dir, sorted
// lexicographically by filename. A missing directory is not an error: a
// fresh home directory simply has no supplements yet.
func listSupplements(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]string, len(names))
	for i, n := range names {
		out[i] = filepath.Join(dir, n)
	}
	return out, nil
}
