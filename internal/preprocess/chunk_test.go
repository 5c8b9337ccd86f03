package preprocess

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsHeading(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"Section 3: Trust Services Criteria", true},
		{"SECTION IV", true},
		{"Appendix A", true},
		{"1. Scope", true},
		{"4.2 Control Environment", true},
		{"III. Opinion", true},
		{"INDEPENDENT SERVICE AUDITOR'S REPORT", true},
		{"Complementary User Entity Controls", true},
		{"Management's Assertion", true},
		{"In our opinion, the controls operated effectively.", false},
		{"1. The entity implements logical access controls over all systems.", false},
		{"CC6.1", false},
		{"", false},
		{strings.Repeat("LONG ", 30), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsHeading(tt.line), "%q", tt.line)
	}
}

func TestChunks_BreakAtSectionWhenFull(t *testing.T) {
	body := strings.Repeat("Controls are tested quarterly by internal audit. ", 4)
	pages := []string{
		"1. Scope\n\n" + body + "\n\n2. Opinion\n\n" + body,
	}
	chunks := Chunks(pages, 600)
	require.Len(t, chunks, 2)
	assert.Equal(t, "1. Scope", chunks[0].Section)
	assert.Equal(t, "2. Opinion", chunks[1].Section)
	assert.Equal(t, []string{"2. Opinion"}, chunks[1].Headers)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "2. Opinion"))
}

func TestChunks_SmallSectionsMerge(t *testing.T) {
	pages := []string{"1. Scope\nShort.\n2. Period\nAlso short.\n"}
	chunks := Chunks(pages, 1000)
	require.Len(t, chunks, 1)
	assert.Equal(t, []string{"1. Scope", "2. Period"}, chunks[0].Headers)
}

func TestChunks_OversizeParagraphSplitsAtSentences(t *testing.T) {
	sentence := "The auditor inspected the access review evidence for the period. "
	para := strings.Repeat(sentence, 20)
	chunks := Chunks([]string{para}, 300)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 300)
		assert.True(t, strings.HasSuffix(c.Text, "period."), "chunk should end on a sentence: %q", c.Text)
	}
}

func TestChunks_HardSplitLastResort(t *testing.T) {
	word := strings.Repeat("x", 50)
	para := strings.TrimSpace(strings.Repeat(word+" ", 20))
	chunks := Chunks([]string{para}, 200)

	require.Greater(t, len(chunks), 1)
	var rebuilt []string
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 200)
		rebuilt = append(rebuilt, c.Text)
	}
	assert.Equal(t, strings.Fields(para), strings.Fields(strings.Join(rebuilt, " ")))
}

func TestChunks_HardSplitMultibyteStaysWithinBudget(t *testing.T) {
	para := strings.Repeat("é", 150) + strings.Repeat("数", 120)
	chunks := Chunks([]string{para}, 100)

	require.Greater(t, len(chunks), 1)
	var rebuilt strings.Builder
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 100, "budget is measured in bytes")
		assert.True(t, utf8.ValidString(c.Text))
		rebuilt.WriteString(c.Text)
	}
	assert.Equal(t, para, rebuilt.String())
}

func TestChunks_PageAndOffset(t *testing.T) {
	pages := []string{"First page text.\n", "Heading Free\n\nSecond page paragraph.\n"}
	chunks := Chunks(pages, 20)

	require.GreaterOrEqual(t, len(chunks), 2)
	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, 0, chunks[0].Offset)
	lastChunk := chunks[len(chunks)-1]
	assert.Equal(t, 2, lastChunk.Page)
	assert.Equal(t, len("Heading Free\n\n"), lastChunk.Offset)
}

func TestChunks_Empty(t *testing.T) {
	assert.Empty(t, Chunks([]string{"", "  \n "}, 100))
}
