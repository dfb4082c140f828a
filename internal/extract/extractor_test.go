package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbcrawl/pkg/types"
)

const samplePage = `<!DOCTYPE html>
<html lang="en-US">
<head>
<title>Install Guide</title>
<meta name="description" content="How to install the thing.">
<link rel="canonical" href="https://docs.example.com/install/">
</head>
<body>
<nav><a href="/nav-only">Nav</a></nav>
<h1 id="top">Installation</h1>
<p>Run the installer and follow the <strong>prompts</strong>.</p>
<h2 id="linux">Linux</h2>
<ul><li>Download the package</li><li>Run <code>make install</code></li></ul>
<p>See <a href="/docs/config">configuration</a> and
<a href="https://other.org/ref">the external reference</a>.</p>
<script>var tracking = true;</script>
</body>
</html>`

func TestExtractMetadata(t *testing.T) {
	ex := New(nil)
	got, err := ex.Extract("https://docs.example.com/install", []byte(samplePage))
	require.NoError(t, err)

	assert.Equal(t, "Install Guide", got.Title)
	assert.Equal(t, "How to install the thing.", got.Description)
	assert.Equal(t, "https://docs.example.com/install", got.CanonicalURL)
	assert.Equal(t, "en", got.Language)
}

func TestExtractHeadings(t *testing.T) {
	ex := New(nil)
	got, err := ex.Extract("https://docs.example.com/install", []byte(samplePage))
	require.NoError(t, err)

	require.Len(t, got.Headings, 2)
	assert.Equal(t, types.Heading{Level: 1, Text: "Installation", Anchor: "top"}, got.Headings[0])
	assert.Equal(t, types.Heading{Level: 2, Text: "Linux", Anchor: "linux"}, got.Headings[1])
}

func TestExtractLinks(t *testing.T) {
	ex := New(nil)
	got, err := ex.Extract("https://docs.example.com/install", []byte(samplePage))
	require.NoError(t, err)

	assert.Contains(t, got.InternalLinks, "https://docs.example.com/docs/config")
	// Links inside navigation still feed the frontier.
	assert.Contains(t, got.InternalLinks, "https://docs.example.com/nav-only")
	assert.Equal(t, []string{"https://other.org/ref"}, got.ExternalLinks)
	assert.Len(t, got.Outlinks, len(got.InternalLinks)+len(got.ExternalLinks))
}

func TestExtractSubdomainLinksAreInternal(t *testing.T) {
	ex := New(nil)
	body := `<html><body><a href="https://api.example.com/v1">api</a></body></html>`
	got, err := ex.Extract("https://docs.example.com/", []byte(body))
	require.NoError(t, err)
	assert.Contains(t, got.InternalLinks, "https://api.example.com/v1")
}

func TestExtractSkipsUncrawlableLinks(t *testing.T) {
	ex := New(nil)
	body := `<html><body>
	<a href="#section">anchor</a>
	<a href="mailto:x@example.com">mail</a>
	<a href="javascript:void(0)">js</a>
	<a href="/real">real</a>
	</body></html>`
	got, err := ex.Extract("https://example.com/", []byte(body))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/real"}, got.Outlinks)
}

func TestExtractMarkdown(t *testing.T) {
	ex := New(nil)
	got, err := ex.Extract("https://docs.example.com/install", []byte(samplePage))
	require.NoError(t, err)

	assert.Contains(t, got.Markdown, "# Installation")
	assert.Contains(t, got.Markdown, "## Linux")
	assert.Contains(t, got.Markdown, "- Download the package")
	assert.Contains(t, got.Markdown, "`make install`")
	assert.Contains(t, got.Markdown, "**prompts**")
	assert.Contains(t, got.Markdown, "[configuration](/docs/config)")
	assert.NotContains(t, got.Markdown, "tracking", "script content must be stripped")
	assert.NotContains(t, got.Markdown, "Nav", "navigation is noise")
}

func TestExtractCounts(t *testing.T) {
	ex := New(nil)
	got, err := ex.Extract("https://example.com/", []byte(samplePage))
	require.NoError(t, err)
	assert.Greater(t, got.WordCount, 10)
	assert.Greater(t, got.CharCount, 50)
}

func TestExtractHashStableUnderWhitespace(t *testing.T) {
	ex := New(nil)
	a, err := ex.Extract("https://example.com/", []byte("<html><body><p>same   content here</p></body></html>"))
	require.NoError(t, err)
	b, err := ex.Extract("https://example.com/", []byte("<html><body><p>same content\n\n here</p></body></html>"))
	require.NoError(t, err)
	c, err := ex.Extract("https://example.com/", []byte("<html><body><p>different content here</p></body></html>"))
	require.NoError(t, err)

	assert.Equal(t, a.ContentHash, b.ContentHash)
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestExtractEmptyBody(t *testing.T) {
	ex := New(nil)
	_, err := ex.Extract("https://example.com/", nil)
	require.Error(t, err)
}

func TestExtractTable(t *testing.T) {
	ex := New(nil)
	body := `<html><body><table>
	<thead><tr><th>Flag</th><th>Default</th></tr></thead>
	<tbody><tr><td>--depth</td><td>10</td></tr></tbody>
	</table></body></html>`
	got, err := ex.Extract("https://example.com/", []byte(body))
	require.NoError(t, err)
	assert.Contains(t, got.Markdown, "| Flag | Default |")
	assert.Contains(t, got.Markdown, "| --depth | 10 |")
}
