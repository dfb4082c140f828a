package fetcher

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFetcher struct {
	result *Result
	err    error
	calls  int
}

func (s *stubFetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	s.calls++
	return s.result, s.err
}

var spaShell = []byte(`<html><head><script src="/app.js"></script></head>` +
	`<body><div id="root"></div></body></html>`)

func richPage() []byte {
	return []byte("<html><body><p>" + strings.Repeat("substantial text ", 100) + "</p></body></html>")
}

func TestShouldEscalate(t *testing.T) {
	policy := EscalationPolicy{MinTextBytes: 512, Markers: []string{`id="root"`, "__NEXT_DATA__"}}

	assert.True(t, policy.ShouldEscalate(spaShell), "thin body with marker")
	assert.False(t, policy.ShouldEscalate(richPage()), "enough text, no escalation")
	assert.False(t, policy.ShouldEscalate([]byte("<html><body><p>thin</p></body></html>")),
		"thin but no marker")
}

func TestShouldEscalateIgnoresScriptText(t *testing.T) {
	// A large inline bundle must not count as visible text.
	body := []byte(`<html><body><div id="root"></div><script>` +
		strings.Repeat("var x=1;", 500) + `</script></body></html>`)
	policy := EscalationPolicy{MinTextBytes: 512, Markers: []string{`id="root"`}}
	assert.True(t, policy.ShouldEscalate(body))
}

func TestHybridEscalates(t *testing.T) {
	httpStub := &stubFetcher{result: &Result{
		Status: StatusSuccess, StatusCode: 200, Body: spaShell, ETag: `"v1"`,
	}}
	rendererStub := &stubFetcher{result: &Result{
		Status: StatusSuccess, StatusCode: 200, Body: richPage(), Rendered: true,
	}}
	h := NewHybrid(httpStub, rendererStub,
		EscalationPolicy{MinTextBytes: 512, Markers: []string{`id="root"`}}, nil)

	res, err := h.Fetch(context.Background(), Request{URL: "https://ex.com/"})
	require.NoError(t, err)
	assert.True(t, res.Rendered)
	assert.Equal(t, 1, rendererStub.calls)
	assert.Equal(t, `"v1"`, res.ETag, "validators from the http pass are kept")
}

func TestHybridSkipsRendererForRichPages(t *testing.T) {
	httpStub := &stubFetcher{result: &Result{Status: StatusSuccess, StatusCode: 200, Body: richPage()}}
	rendererStub := &stubFetcher{}
	h := NewHybrid(httpStub, rendererStub,
		EscalationPolicy{MinTextBytes: 512, Markers: []string{`id="root"`}}, nil)

	res, err := h.Fetch(context.Background(), Request{URL: "https://ex.com/"})
	require.NoError(t, err)
	assert.False(t, res.Rendered)
	assert.Zero(t, rendererStub.calls)
}

func TestHybridRendererFailureKeepsHTTPResult(t *testing.T) {
	httpStub := &stubFetcher{result: &Result{Status: StatusSuccess, StatusCode: 200, Body: spaShell}}
	rendererStub := &stubFetcher{err: errors.New("chrome exploded")}
	h := NewHybrid(httpStub, rendererStub,
		EscalationPolicy{MinTextBytes: 512, Markers: []string{`id="root"`}}, nil)

	res, err := h.Fetch(context.Background(), Request{URL: "https://ex.com/"})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.False(t, res.Rendered)
}

func TestHybridNilRenderer(t *testing.T) {
	httpStub := &stubFetcher{result: &Result{Status: StatusSuccess, StatusCode: 200, Body: spaShell}}
	h := NewHybrid(httpStub, nil, EscalationPolicy{MinTextBytes: 512, Markers: []string{`id="root"`}}, nil)

	res, err := h.Fetch(context.Background(), Request{URL: "https://ex.com/"})
	require.NoError(t, err)
	assert.False(t, res.Rendered)
}

func TestHybridExplicitRender(t *testing.T) {
	httpStub := &stubFetcher{result: &Result{Status: StatusSuccess, StatusCode: 200, Body: richPage()}}
	rendererStub := &stubFetcher{result: &Result{Status: StatusSuccess, StatusCode: 200, Rendered: true}}
	h := NewHybrid(httpStub, rendererStub, EscalationPolicy{}, nil)

	res, err := h.Fetch(context.Background(), Request{URL: "https://ex.com/", Render: true})
	require.NoError(t, err)
	assert.True(t, res.Rendered)
	assert.Zero(t, httpStub.calls)
}

func TestHybridNotModifiedPassesThrough(t *testing.T) {
	httpStub := &stubFetcher{result: &Result{Status: StatusNotModified, StatusCode: 304}}
	rendererStub := &stubFetcher{}
	h := NewHybrid(httpStub, rendererStub,
		EscalationPolicy{MinTextBytes: 512, Markers: []string{`id="root"`}}, nil)

	res, err := h.Fetch(context.Background(), Request{URL: "https://ex.com/", ETag: `"v1"`})
	require.NoError(t, err)
	assert.Equal(t, StatusNotModified, res.Status)
	assert.Zero(t, rendererStub.calls)
}
