package kb

import (
	"strings"
	"testing"
)

func TestSplitFrontmatterExtractsYAML(t *testing.T) {
	raw := []byte("---\ntitle: My Note\naliases: [alias-one, alias two]\ntags: [a, b]\n---\n\nBody text.\n")
	fm, body, err := splitFrontmatter(raw)
	if err != nil {
		t.Fatalf("splitFrontmatter: %v", err)
	}
	if fm.Title != "My Note" {
		t.Fatalf("title = %q, want My Note", fm.Title)
	}
	if len(fm.Aliases) != 2 || fm.Aliases[1] != "alias two" {
		t.Fatalf("aliases = %v", fm.Aliases)
	}
	if !strings.Contains(body, "Body text.") {
		t.Fatalf("body missing content: %q", body)
	}
}

func TestSplitFrontmatterNoFenceReturnsWholeBody(t *testing.T) {
	raw := []byte("# Heading\n\nNo frontmatter here.\n")
	fm, body, err := splitFrontmatter(raw)
	if err != nil {
		t.Fatalf("splitFrontmatter: %v", err)
	}
	if fm.Title != "" {
		t.Fatalf("expected zero frontmatter, got %+v", fm)
	}
	if body != string(raw) {
		t.Fatalf("body altered without a fence: %q", body)
	}
}

func TestParseMarkdownBuildsHeadingBreadcrumbs(t *testing.T) {
	raw := []byte("# Top\n\nIntro paragraph.\n\n## Sub\n\nNested paragraph.\n")
	doc, err := ParseMarkdown("doc1", raw)
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}

	var nested *Block
	for i := range doc.Blocks {
		if doc.Blocks[i].Text == "Nested paragraph." {
			nested = &doc.Blocks[i]
		}
	}
	if nested == nil {
		t.Fatalf("did not find nested paragraph block in %+v", doc.Blocks)
	}
	if nested.HeadingPath != "Top > Sub" {
		t.Fatalf("heading path = %q, want %q", nested.HeadingPath, "Top > Sub")
	}
}

func TestParseMarkdownCapturesCodeBlockVerbatim(t *testing.T) {
	raw := []byte("# Title\n\n```go\nfunc main() {}\n```\n")
	doc, err := ParseMarkdown("doc1", raw)
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}
	var code *Block
	for i := range doc.Blocks {
		if doc.Blocks[i].Kind == BlockCode {
			code = &doc.Blocks[i]
		}
	}
	if code == nil {
		t.Fatalf("no code block found in %+v", doc.Blocks)
	}
	if code.Text != "func main() {}" {
		t.Fatalf("code text = %q", code.Text)
	}
}

func TestParseMarkdownExtractsWikilinksAndTransclusions(t *testing.T) {
	raw := []byte("See [[Other Note]] and embed ![[Diagram]] for context.\n")
	doc, err := ParseMarkdown("doc1", raw)
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}
	if len(doc.Links) != 2 {
		t.Fatalf("links = %+v, want 2", doc.Links)
	}
	kinds := map[RefKind]bool{}
	for _, l := range doc.Links {
		kinds[l.Kind] = true
	}
	if !kinds[RefWikilink] || !kinds[RefTransclusion] {
		t.Fatalf("expected both wikilink and transclusion kinds, got %+v", doc.Links)
	}
}

func TestBlockIDStableAcrossReparse(t *testing.T) {
	raw := []byte("# Title\n\nSame paragraph content.\n")
	first, err := ParseMarkdown("doc1", raw)
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}
	second, err := ParseMarkdown("doc1", raw)
	if err != nil {
		t.Fatalf("ParseMarkdown: %v", err)
	}
	if len(first.Blocks) != len(second.Blocks) {
		t.Fatalf("block counts differ: %d vs %d", len(first.Blocks), len(second.Blocks))
	}
	for i := range first.Blocks {
		if first.Blocks[i].ID != second.Blocks[i].ID {
			t.Fatalf("block id changed across identical reparse: %q vs %q", first.Blocks[i].ID, second.Blocks[i].ID)
		}
	}
}

func TestHashDocumentIgnoresTrailingWhitespace(t *testing.T) {
	a := HashDocument([]byte("content\n"))
	b := HashDocument([]byte("content\n\n\n   "))
	if a != b {
		t.Fatalf("hash should ignore trailing whitespace: %q vs %q", a, b)
	}
	c := HashDocument([]byte("different content\n"))
	if a == c {
		t.Fatalf("hash should differ for different content")
	}
}
