// Package feed reads raw profile snapshots handed over by the scraper.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"profile_ledger/models"
)

type Source interface {
	ID() string
	Fetch(ctx context.Context) ([]models.Snapshot, error)
}

var ErrNoSource = errors.New("no snapshot feed configured")

// NewSource picks the file feed when a path is set, else the HTTP feed.
func NewSource(file, endpoint, tag string, client *http.Client) (Source, error) {
	switch {
	case file != "":
		return NewFileSource(file, tag), nil
	case endpoint != "":
		return NewHTTPSource(endpoint, tag, client), nil
	}
	return nil, ErrNoSource
}

// stamp fills what the scraper left out.
func stamp(s *models.Snapshot, tag string, now time.Time) {
	if s.Source == "" {
		s.Source = tag
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = now
	}
	s.CapturedAt = s.CapturedAt.UTC()
}

// FileSource reads JSON lines, one snapshot per line.
type FileSource struct {
	path string
	tag  string
	now  func() time.Time
}

func NewFileSource(path, tag string) *FileSource {
	return &FileSource{path: path, tag: tag, now: time.Now}
}

func (f *FileSource) ID() string {
	return "file:" + f.path
}

func (f *FileSource) Fetch(ctx context.Context) ([]models.Snapshot, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	defer file.Close()
	return decodeLines(ctx, file, f.tag, f.now())
}

func decodeLines(ctx context.Context, r io.Reader, tag string, now time.Time) ([]models.Snapshot, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var out []models.Snapshot
	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := scanner.Bytes()
		if len(b) == 0 {
			continue
		}
		var s models.Snapshot
		if err := json.Unmarshal(b, &s); err != nil {
			log.Warn().Err(err).Int("line", line).Msg("Skipping malformed feed line")
			continue
		}
		stamp(&s, tag, now)
		out = append(out, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read feed: %w", err)
	}
	return out, nil
}

// HTTPSource GETs a JSON array of snapshots.
type HTTPSource struct {
	endpoint string
	tag      string
	client   *http.Client
	now      func() time.Time
}

func NewHTTPSource(endpoint, tag string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPSource{endpoint: endpoint, tag: tag, client: client, now: time.Now}
}

func (h *HTTPSource) ID() string {
	return "http:" + h.endpoint
}

func (h *HTTPSource) Fetch(ctx context.Context) ([]models.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("feed error %d: %s", resp.StatusCode, string(body))
	}

	var snaps []models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snaps); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	now := h.now()
	for i := range snaps {
		stamp(&snaps[i], h.tag, now)
	}
	return snaps, nil
}
