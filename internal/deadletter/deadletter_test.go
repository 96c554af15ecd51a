package deadletter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "work", "deadletter.log")
	log := New(path)
	log.now = func() time.Time { return time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC) }

	require.NoError(t, log.Append("item-1", []byte("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"), errors.New("HTTP 400")))
	require.NoError(t, log.Append("item-2", []byte("no newline"), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	want := "--- 2024-03-01T09:30:00Z sync_id=\"item-1\" error=\"HTTP 400\"\n" +
		"BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n" +
		"--- 2024-03-01T09:30:00Z sync_id=\"item-2\"\n" +
		"no newline\n"
	assert.Equal(t, want, string(data))
	assert.Equal(t, path, log.Path())
}

func TestAppend_NeverTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	require.NoError(t, os.WriteFile(path, []byte("existing\n"), 0600))

	require.NoError(t, New(path).Append("x", []byte("payload"), nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "existing\n--- ")
}
