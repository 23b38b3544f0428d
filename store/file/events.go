package file

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quayrun/quay"
)

// Append retry bounds for transient filesystem contention.
const (
	appendAttempts  = 3
	appendBaseDelay = 50 * time.Millisecond
)

func (s *Store) eventPath(agentID string, ch quay.Channel) (string, error) {
	dir, err := s.agentDir(agentID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events", string(ch)+".log"), nil
}

// appendLock returns the per-file mutex so in-process appenders never
// interleave partial lines.
func (s *Store) appendLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.appendMu[path]
	if !ok {
		m = &sync.Mutex{}
		s.appendMu[path] = m
	}
	return m
}

// AppendEvent appends one JSON line to the channel log, retrying transient
// failures with bounded exponential backoff. Readers may hold the file open
// concurrently; appends are whole-line writes on an O_APPEND handle.
func (s *Store) AppendEvent(ctx context.Context, agentID string, ch quay.Channel, tl quay.Timeline) error {
	path, err := s.eventPath(agentID, ch)
	if err != nil {
		return err
	}
	line, err := quay.EncodeTimeline(tl)
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}
	line = append(line, '\n')

	mu := s.appendLock(path)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = appendLine(path, line); lastErr == nil {
			return nil
		}
		if attempt < appendAttempts-1 {
			delay := appendBaseDelay << attempt
			s.logger.Warn("event append retry", "channel", ch, "attempt", attempt+1, "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("store: append %s event: %w", ch, lastErr)
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.Write(line)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// ReadEvents returns timelines with seq > since.Seq in file order. Lines
// that fail to parse — a torn tail write, manual edits — are skipped with a
// log entry, never fatal.
func (s *Store) ReadEvents(ctx context.Context, agentID string, ch quay.Channel, since quay.Bookmark) ([]quay.Timeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.eventPath(agentID, ch)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: open %s log: %w", ch, err)
	}
	defer f.Close()

	var out []quay.Timeline
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		tl, err := quay.DecodeTimeline(raw)
		if err != nil {
			s.logger.Warn("skipping malformed event line", "channel", ch, "line", lineNo, "error", err)
			continue
		}
		if tl.Bookmark.Seq <= since.Seq {
			continue
		}
		out = append(out, tl)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("store: read %s log: %w", ch, err)
	}
	return out, nil
}

// LastSeq reports the highest seq across all channel logs, so a resumed
// agent continues its monotonic sequence instead of reusing numbers.
func (s *Store) LastSeq(ctx context.Context, agentID string) (uint64, error) {
	var max uint64
	for _, ch := range quay.Channels() {
		tls, err := s.ReadEvents(ctx, agentID, ch, quay.Bookmark{})
		if err != nil {
			return 0, err
		}
		for _, tl := range tls {
			if tl.Bookmark.Seq > max {
				max = tl.Bookmark.Seq
			}
		}
	}
	return max, nil
}
