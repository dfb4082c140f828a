package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrawlCommandAcceptsPositionalSeeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html lang="en"><head><title>Doc</title></head><body><h1>Doc</h1>`+
			`<p>This page exists so the crawl command can be exercised end to end, covering`+
			` seed URLs passed as plain arguments together with the storage path override.</p>`+
			`</body></html>`)
	}))
	defer srv.Close()

	dbPath := filepath.Join(t.TempDir(), "kb.db")
	cmd := newCrawlCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{srv.URL, "--db", dbPath, "--max-depth", "0"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "crawl run")
	assert.Contains(t, out.String(), "completed")
	assert.Contains(t, out.String(), "crawled 1")
}
