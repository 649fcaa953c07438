package document

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHTML = `<!DOCTYPE html>
<html>
<head>
  <title>Moby-Dick; or, The Whale</title>
  <style>p { color: black }</style>
  <script>console.log("tracking")</script>
</head>
<body>
  <h1>Chapter 1: Loomings</h1>
  <p>Call me Ishmael. Some years ago, never mind how long precisely,
  having little or no money in my purse, I thought I would sail about
  a little and see the watery part of the world.</p>
  <p>ok</p>
  <blockquote>Whenever I find myself growing grim about the mouth,
  I account it high time to get to sea as soon as I can.</blockquote>
  <ul>
    <li>a list item long enough to count as a readable block of text</li>
  </ul>
  <noscript>Please enable JavaScript to continue.</noscript>
</body>
</html>`

func TestExtractBlocks(t *testing.T) {
	blocks, err := ExtractBlocks(sampleHTML)
	require.NoError(t, err)
	require.Len(t, blocks, 4)

	assert.Equal(t, "Chapter 1: Loomings", blocks[0])
	assert.True(t, strings.HasPrefix(blocks[1], "Call me Ishmael."))
	assert.True(t, strings.HasPrefix(blocks[2], "Whenever I find myself"))
	assert.Contains(t, blocks[3], "a list item")
}

func TestExtractBlocks_DropsScriptStyleNoscript(t *testing.T) {
	blocks, err := ExtractBlocks(sampleHTML)
	require.NoError(t, err)

	joined := strings.Join(blocks, "\n")
	assert.NotContains(t, joined, "tracking")
	assert.NotContains(t, joined, "color: black")
	assert.NotContains(t, joined, "enable JavaScript")
}

func TestExtractBlocks_NormalizesWhitespace(t *testing.T) {
	blocks, err := ExtractBlocks(sampleHTML)
	require.NoError(t, err)
	for _, block := range blocks {
		assert.NotContains(t, block, "\n", "multi-line source collapses to single-line blocks")
		assert.Equal(t, strings.TrimSpace(block), block)
	}
}

func TestExtractBlocks_ShortFragmentsFiltered(t *testing.T) {
	blocks, err := ExtractBlocks(sampleHTML)
	require.NoError(t, err)
	for _, block := range blocks {
		assert.NotEqual(t, "ok", block)
	}
}

func TestExtractBlocks_KeepsShortHeadings(t *testing.T) {
	blocks, err := ExtractBlocks(`<html><body><h2>Why?</h2>
	<p>A paragraph that is clearly long enough to be kept around.</p></body></html>`)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "Why?", blocks[0])
}

func TestExtractBlocks_NoNestedDuplicates(t *testing.T) {
	blocks, err := ExtractBlocks(`<html><body>
	<blockquote><p>Nested paragraph inside a quote, long enough to keep.</p></blockquote>
	</body></html>`)
	require.NoError(t, err)
	require.Len(t, blocks, 1, "nested block elements must not duplicate text")
}

func TestExtractTitle(t *testing.T) {
	assert.Equal(t, "Moby-Dick; or, The Whale", ExtractTitle(sampleHTML))

	noTitle := `<html><body><h1>Fallback Heading</h1></body></html>`
	assert.Equal(t, "Fallback Heading", ExtractTitle(noTitle))

	assert.Equal(t, "", ExtractTitle(`<html><body><p>nothing</p></body></html>`))
}
