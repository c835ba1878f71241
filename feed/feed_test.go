package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.jsonl")
	lines := `{"fields":{"id":"u1","posts":"12+"},"captured_at":"2026-01-10T12:00:00Z","source":"crawl"}

not json
{"fields":{"id":"u2"},"not_found":true}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))

	src := NewFileSource(path, "manual")
	fixed := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return fixed }

	snaps, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	assert.Equal(t, "u1", snaps[0].Raw("id"))
	assert.Equal(t, "crawl", snaps[0].Source)
	assert.True(t, snaps[1].NotFound)
	assert.Equal(t, "manual", snaps[1].Source)
	assert.Equal(t, fixed, snaps[1].CapturedAt)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"fields":{"id":"u1","markers":"BANNED!"}}]`))
	}))
	defer srv.Close()

	snaps, err := NewHTTPSource(srv.URL, "api", srv.Client()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "BANNED!", snaps[0].Raw("markers"))
	assert.Equal(t, "api", snaps[0].Source)
	assert.False(t, snaps[0].CapturedAt.IsZero())
}

func TestHTTPSource_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPSource(srv.URL, "api", nil).Fetch(context.Background())
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	_, err := NewSource("", "", "x", nil)
	assert.ErrorIs(t, err, ErrNoSource)

	src, err := NewSource("a.jsonl", "", "x", nil)
	require.NoError(t, err)
	assert.Equal(t, "file:a.jsonl", src.ID())
}
