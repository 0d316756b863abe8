package kb

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Frontmatter is the parsed YAML header of a Markdown document (spec.md
// §4.4 step 3: "extract frontmatter (id, title, aliases, tags, type)").
type Frontmatter struct {
	ID      string   `yaml:"id"`
	Title   string   `yaml:"title"`
	Aliases []string `yaml:"aliases"`
	Tags    []string `yaml:"tags"`
	Type    string   `yaml:"type"`
}

var frontmatterFence = regexp.MustCompile(`(?s)^---\r?\n(.*?)\r?\n---\r?\n?`)

// splitFrontmatter separates a leading `---`-delimited YAML block from the
// document body. If no frontmatter fence is present, fm is zero and body
// is the entire input.
func splitFrontmatter(raw []byte) (Frontmatter, string, error) {
	var fm Frontmatter
	m := frontmatterFence.FindSubmatch(raw)
	if m == nil {
		return fm, string(raw), nil
	}
	if err := yaml.Unmarshal(m[1], &fm); err != nil {
		return fm, string(raw), err
	}
	body := raw[len(m[0]):]
	return fm, string(body), nil
}

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	fenceRe    = regexp.MustCompile("^```")
	listItemRe = regexp.MustCompile(`^(\s*)([-*]|\d+\.)\s+(.*)$`)
	wikilinkRe = regexp.MustCompile(`(!?)\[\[([^\]]+)\]\]`)
)

// ParsedDocument is the output of walking one Markdown body into the block
// tree described by spec.md §3 (Block, Link).
type ParsedDocument struct {
	Frontmatter Frontmatter
	Blocks      []Block
	Links       []Link
}

// ParseMarkdown partitions raw Markdown into frontmatter, a flat block
// list (headings, paragraphs, code, list items) with breadcrumb heading
// paths, and the wikilinks/transclusions found in each block's text
// (spec.md §4.4 step 3).
func ParseMarkdown(docID string, raw []byte) (ParsedDocument, error) {
	fm, body, err := splitFrontmatter(raw)
	if err != nil {
		return ParsedDocument{}, err
	}

	var out ParsedDocument
	out.Frontmatter = fm

	lines := strings.Split(body, "\n")
	offset := len(raw) - len(body)

	var headingStack []string
	var paraLines []string
	paraStart := offset
	inCode := false
	var codeLines []string
	codeStart := offset

	flushPara := func(endOffset int) {
		if len(paraLines) == 0 {
			return
		}
		text := strings.TrimSpace(strings.Join(paraLines, "\n"))
		if text != "" {
			out.Blocks = append(out.Blocks, newBlock(docID, BlockParagraph, strings.Join(headingStack, " > "), paraStart, endOffset, text))
		}
		paraLines = nil
	}

	pos := offset
	for _, line := range lines {
		lineLen := len(line) + 1 // account for the trailing newline split away

		if fenceRe.MatchString(strings.TrimSpace(line)) {
			if !inCode {
				flushPara(pos)
				inCode = true
				codeStart = pos
				codeLines = nil
			} else {
				inCode = false
				text := strings.Join(codeLines, "\n")
				out.Blocks = append(out.Blocks, newBlock(docID, BlockCode, strings.Join(headingStack, " > "), codeStart, pos+lineLen, text))
			}
			pos += lineLen
			continue
		}
		if inCode {
			codeLines = append(codeLines, line)
			pos += lineLen
			continue
		}

		if m := headingRe.FindStringSubmatch(line); m != nil {
			flushPara(pos)
			level := len(m[1])
			title := strings.TrimSpace(m[2])
			headingStack = truncateHeadingStack(headingStack, level)
			headingStack = append(headingStack, title)
			out.Blocks = append(out.Blocks, newBlock(docID, BlockHeading, strings.Join(headingStack, " > "), pos, pos+lineLen, title))
			pos += lineLen
			paraStart = pos
			continue
		}

		if m := listItemRe.FindStringSubmatch(line); m != nil {
			flushPara(pos)
			text := strings.TrimSpace(m[3])
			out.Blocks = append(out.Blocks, newBlock(docID, BlockListItem, strings.Join(headingStack, " > "), pos, pos+lineLen, text))
			pos += lineLen
			paraStart = pos
			continue
		}

		if strings.TrimSpace(line) == "" {
			flushPara(pos)
			pos += lineLen
			paraStart = pos
			continue
		}

		if len(paraLines) == 0 {
			paraStart = pos
		}
		paraLines = append(paraLines, line)
		pos += lineLen
	}
	flushPara(pos)

	for i := range out.Blocks {
		out.Links = append(out.Links, extractLinks(out.Blocks[i].ID, out.Blocks[i].Text)...)
	}
	return out, nil
}

func truncateHeadingStack(stack []string, level int) []string {
	if level-1 < len(stack) {
		return stack[:level-1]
	}
	// Pad if headings skip a level, so deeper headings still nest under
	// the nearest ancestor rather than losing their breadcrumb.
	for len(stack) < level-1 {
		stack = append(stack, "")
	}
	return stack
}

func newBlock(docID string, kind BlockKind, headingPath string, start, end int, text string) Block {
	return Block{
		ID:          blockID(docID, start, text),
		DocID:       docID,
		Kind:        kind,
		HeadingPath: headingPath,
		StartOffset: start,
		EndOffset:   end,
		Text:        text,
		BlockHash:   hashText(text),
	}
}

// blockID is deterministic so re-ingesting unchanged content produces the
// same block identity (needed for I4: unchanged content skips re-embedding).
func blockID(docID string, start int, text string) string {
	h := sha256.Sum256([]byte(docID + "\x1f" + hashText(text)))
	return hex.EncodeToString(h[:16])
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// extractLinks finds `[[wikilink]]` and `![[transclusion]]` references in a
// block's text.
func extractLinks(blockID string, text string) []Link {
	matches := wikilinkRe.FindAllStringSubmatch(text, -1)
	links := make([]Link, 0, len(matches))
	for _, m := range matches {
		kind := RefWikilink
		if m[1] == "!" {
			kind = RefTransclusion
		}
		links = append(links, Link{
			SrcBlockID:   blockID,
			DstReference: "[[" + m[2] + "]]",
			Kind:         kind,
		})
	}
	return links
}

// HashDocument computes the stable content hash used for I4 (unchanged
// content skips re-embedding). Hashing the normalized (trimmed) text means
// trailing-whitespace-only edits do not trigger re-ingestion.
func HashDocument(raw []byte) string {
	return hashText(strings.TrimSpace(string(raw)))
}
