package preprocess

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	numberedHeading = regexp.MustCompile(`^(?:\d{1,2}(?:\.\d{1,2})*\.?|[IVX]{1,5}\.)\s+\p{Lu}`)
	sectionHeading  = regexp.MustCompile(`(?i)^(?:section|part|appendix)\s+(?:\d+|[IVX]+|[A-Z])\b`)
	sentenceEnd     = regexp.MustCompile(`[.!?]["')\]]?\s+`)
)

// knownHeadings are report section titles that often lack numbering.
var knownHeadings = []string{
	"independent service auditor",
	"management's assertion",
	"management’s assertion",
	"description of the system",
	"description of controls",
	"tests of controls",
	"complementary user entity controls",
	"complementary subservice organization controls",
	"subservice organizations",
	"statement of applicability",
	"scope of certification",
	"other information provided by",
}

const maxHeadingLen = 100

// IsHeading reports whether line looks like a section header.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > maxHeadingLen {
		return false
	}
	lower := strings.ToLower(line)
	for _, h := range knownHeadings {
		if strings.HasPrefix(lower, h) {
			return true
		}
	}
	if sectionHeading.MatchString(line) {
		return true
	}
	if strings.HasSuffix(line, ".") || strings.HasSuffix(line, ",") {
		return false
	}
	if numberedHeading.MatchString(line) && len(strings.Fields(line)) <= 12 {
		return true
	}
	return isAllCaps(line)
}

func isAllCaps(line string) bool {
	var letters, upper int
	for _, r := range line {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 4 && len(strings.Fields(line)) >= 2 && upper == letters
}

// block is a paragraph with its position.
type block struct {
	page    int
	offset  int
	section string
	heading bool
	text    string
}

// blocks splits pages into paragraphs, tracking the current section.
func blocks(pages []string) []block {
	var (
		out     []block
		section string
	)
	for pi, page := range pages {
		var (
			para      []string
			paraStart int
			pos       int
		)
		flush := func() {
			text := strings.TrimSpace(strings.Join(para, "\n"))
			if text != "" {
				out = append(out, block{page: pi + 1, offset: paraStart, section: section, text: text})
			}
			para = para[:0]
		}
		for _, line := range strings.SplitAfter(page, "\n") {
			trimmed := strings.TrimSpace(line)
			switch {
			case trimmed == "":
				flush()
			case IsHeading(trimmed):
				flush()
				section = trimmed
				out = append(out, block{page: pi + 1, offset: pos, section: section, heading: true, text: trimmed})
			default:
				if len(para) == 0 {
					paraStart = pos
				}
				para = append(para, strings.TrimRight(line, "\r\n"))
			}
			pos += len(line)
		}
		flush()
	}
	return out
}

// Chunks packs pages into chunks of at most maxChars. Chunks break at
// section headers once reasonably full, and at paragraph boundaries; an
// oversize paragraph is split between sentences, and only a single
// sentence longer than maxChars is cut mid-text.
func Chunks(pages []string, maxChars int) []Chunk {
	var (
		out []Chunk
		cur *Chunk
	)
	emit := func() {
		if cur != nil && strings.TrimSpace(cur.Text) != "" {
			cur.Index = len(out)
			out = append(out, *cur)
		}
		cur = nil
	}
	add := func(b block, text string) {
		if cur != nil && len(cur.Text)+len(text)+2 > maxChars {
			emit()
		}
		if cur == nil {
			cur = &Chunk{Page: b.page, EndPage: b.page, Offset: b.offset, Section: b.section}
		} else {
			cur.Text += "\n\n"
		}
		cur.Text += text
		cur.EndPage = b.page
		if b.heading {
			cur.Headers = append(cur.Headers, text)
		}
	}

	for _, b := range blocks(pages) {
		if b.heading && cur != nil && len(cur.Text) >= maxChars/4 {
			emit()
		}
		if len(b.text) <= maxChars {
			add(b, b.text)
			continue
		}
		for _, piece := range splitLong(b.text, maxChars) {
			add(b, piece)
		}
	}
	emit()
	return out
}

// splitLong splits text into pieces of at most maxChars, preferring
// sentence boundaries.
func splitLong(text string, maxChars int) []string {
	var (
		out []string
		cur strings.Builder
	)
	for _, s := range sentences(text) {
		if cur.Len() > 0 && cur.Len()+len(s) > maxChars {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
		if len(s) > maxChars {
			out = append(out, hardSplit(s, maxChars)...)
			continue
		}
		cur.WriteString(s)
	}
	if strings.TrimSpace(cur.String()) != "" {
		out = append(out, strings.TrimSpace(cur.String()))
	}
	return out
}

func sentences(text string) []string {
	var out []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, text[last:loc[1]])
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, text[last:])
	}
	return out
}

// hardSplit cuts s into pieces of at most maxChars bytes without breaking
// a rune, backing up to whitespace when one is close to the limit.
func hardSplit(s string, maxChars int) []string {
	s = strings.TrimSpace(s)
	var out []string
	for s != "" {
		end := len(s)
		if end > maxChars {
			end = maxChars
			for end > 0 && !utf8.RuneStart(s[end]) {
				end--
			}
			if end == 0 {
				_, end = utf8.DecodeRuneInString(s)
			}
			for i := end; i > maxChars*3/4; {
				r, size := utf8.DecodeLastRuneInString(s[:i])
				if unicode.IsSpace(r) {
					end = i
					break
				}
				i -= size
			}
		}
		if part := strings.TrimSpace(s[:end]); part != "" {
			out = append(out, part)
		}
		s = s[end:]
	}
	return out
}
