package sink

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilesystemSinkWritesOneRecordPerLine(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemSink(dir)
	defer s.Close()

	err := s.WriteRecords("issues", "g/a", []map[string]interface{}{
		{"id": "1"},
		{"id": "2"},
	})
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "issues", "g_a.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	require.Equal(t, 2, lines)
}

func TestFilesystemSinkNoopOnEmptyRecords(t *testing.T) {
	dir := t.TempDir()
	s := NewFilesystemSink(dir)
	defer s.Close()

	require.NoError(t, s.WriteRecords("issues", "g/a", nil))
	_, err := os.Stat(filepath.Join(dir, "issues"))
	require.True(t, os.IsNotExist(err))
}
