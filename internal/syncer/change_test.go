package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeDetectorStripsNoise(t *testing.T) {
	d, err := NewChangeDetector(true, []string{`\d{4}-\d{2}-\d{2}`, `viewed \d+ times`})
	require.NoError(t, err)

	a := d.Hash("Release notes updated 2026-08-25, viewed 1042 times. Fixed the importer.")
	b := d.Hash("Release notes updated 2026-08-26, viewed 2577 times. Fixed the importer.")
	assert.Equal(t, a, b, "noise-only differences should not change the hash")

	c := d.Hash("Release notes updated 2026-08-26, viewed 2577 times. Rewrote the importer.")
	assert.NotEqual(t, a, c)
}

func TestChangeDetectorWithoutNormalization(t *testing.T) {
	d, err := NewChangeDetector(false, []string{`\d{4}-\d{2}-\d{2}`})
	require.NoError(t, err)

	a := d.Hash("Updated 2026-08-25.")
	b := d.Hash("Updated 2026-08-26.")
	assert.NotEqual(t, a, b, "patterns are ignored when normalization is off")
}

func TestChangeDetectorIgnoresWhitespaceChurn(t *testing.T) {
	d, err := NewChangeDetector(true, nil)
	require.NoError(t, err)

	assert.Equal(t,
		d.Hash("spaced    out\n\ttext"),
		d.Hash("spaced out text"))
}

func TestChangeDetectorRejectsBadPattern(t *testing.T) {
	_, err := NewChangeDetector(true, []string{`([`})
	require.Error(t, err)
}
