package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	N int `json:"n"`
}

func readLines(t *testing.T, path string) []sample {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []sample
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var s sample
		require.NoError(t, json.Unmarshal(sc.Bytes(), &s))
		out = append(out, s)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestJSONLWriterFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLWriter(dir, "events", 16, 1)
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	for i := 1; i <= 3; i++ {
		require.NoError(t, w.Write(sample{N: i}))
	}
	require.NoError(t, w.Close())

	got := readLines(t, filepath.Join(dir, "2026-03-01", "events.jsonl"))
	assert.Equal(t, []sample{{1}, {2}, {3}}, got)
}

func TestJSONLWriterRejectsAfterClose(t *testing.T) {
	w := NewJSONLWriter(t.TempDir(), "events", 1, 1)
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(sample{N: 1}), ErrClosed)
	assert.NoError(t, w.Close())
}
