// Package file implements the quay Store on a local filesystem. Runtime
// documents are WAL-protected JSON: the full value is written to <path>.wal
// and atomically renamed over <path>, so readers never observe a partial
// write. A .wal file surviving a crash is promoted over its target on the
// next load.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/quayrun/quay"
)

// Store is a filesystem-backed quay.Store rooted at one directory, one
// subdirectory per agent id.
type Store struct {
	root   string
	logger *slog.Logger

	// appendMu serializes event-log appends per file.
	mu       sync.Mutex
	appendMu map[string]*sync.Mutex
}

// Option configures New.
type Option func(*Store)

// WithLogger sets the store's structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates (if needed) the root directory and returns a store over it.
func New(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store: create root: %w", err)
	}
	s := &Store{root: root, appendMu: make(map[string]*sync.Mutex)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s, nil
}

// agentDir validates the agent id and returns its directory. Ids are opaque
// but must not traverse out of the root.
func (s *Store) agentDir(agentID string) (string, error) {
	if agentID == "" || strings.ContainsAny(agentID, `/\`) || strings.Contains(agentID, "..") {
		return "", fmt.Errorf("store: invalid agent id %q", agentID)
	}
	return filepath.Join(s.root, agentID), nil
}

// --- WAL-protected documents ---

// writeDoc writes v to path via the write-ahead file. The rename is the
// commit point.
func writeDoc(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	wal := path + ".wal"
	if err := os.WriteFile(wal, data, 0o644); err != nil {
		return err
	}
	return os.Rename(wal, path)
}

// readDoc promotes a surviving .wal over path, then decodes path into v.
// Returns fs.ErrNotExist when neither file exists.
func readDoc(path string, v any) error {
	wal := path + ".wal"
	if _, err := os.Stat(wal); err == nil {
		// A complete WAL that never got renamed is the newest committed
		// value; promote it.
		if err := os.Rename(wal, path); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) save(ctx context.Context, agentID string, rel string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}
	if err := writeDoc(filepath.Join(dir, rel), v); err != nil {
		return fmt.Errorf("store: save %s: %w", rel, err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, agentID string, rel string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}
	if err := readDoc(filepath.Join(dir, rel), v); err != nil {
		return fmt.Errorf("store: load %s: %w", rel, err)
	}
	return nil
}

// --- Runtime state ---

func (s *Store) SaveMessages(ctx context.Context, agentID string, messages []quay.Message) error {
	return s.save(ctx, agentID, filepath.Join("runtime", "messages.json"), messages)
}

func (s *Store) LoadMessages(ctx context.Context, agentID string) ([]quay.Message, error) {
	var out []quay.Message
	err := s.load(ctx, agentID, filepath.Join("runtime", "messages.json"), &out)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

func (s *Store) SaveToolCalls(ctx context.Context, agentID string, records []quay.ToolCallRecord) error {
	return s.save(ctx, agentID, filepath.Join("runtime", "tool-calls.json"), records)
}

func (s *Store) LoadToolCalls(ctx context.Context, agentID string) ([]quay.ToolCallRecord, error) {
	var out []quay.ToolCallRecord
	err := s.load(ctx, agentID, filepath.Join("runtime", "tool-calls.json"), &out)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

func (s *Store) SaveTodos(ctx context.Context, agentID string, todos quay.TodoSnapshot) error {
	return s.save(ctx, agentID, filepath.Join("runtime", "todos.json"), todos)
}

func (s *Store) LoadTodos(ctx context.Context, agentID string) (quay.TodoSnapshot, error) {
	var out quay.TodoSnapshot
	err := s.load(ctx, agentID, filepath.Join("runtime", "todos.json"), &out)
	if errors.Is(err, fs.ErrNotExist) {
		return quay.TodoSnapshot{}, nil
	}
	return out, err
}

func (s *Store) SaveSkills(ctx context.Context, agentID string, skills quay.SkillsState) error {
	return s.save(ctx, agentID, filepath.Join("runtime", "skills.json"), skills)
}

func (s *Store) LoadSkills(ctx context.Context, agentID string) (quay.SkillsState, error) {
	var out quay.SkillsState
	err := s.load(ctx, agentID, filepath.Join("runtime", "skills.json"), &out)
	if errors.Is(err, fs.ErrNotExist) {
		return quay.SkillsState{}, nil
	}
	return out, err
}

// --- Meta ---

func (s *Store) SaveInfo(ctx context.Context, agentID string, info quay.AgentInfo) error {
	return s.save(ctx, agentID, "meta.json", info)
}

func (s *Store) LoadInfo(ctx context.Context, agentID string) (quay.AgentInfo, error) {
	var out quay.AgentInfo
	err := s.load(ctx, agentID, "meta.json", &out)
	if errors.Is(err, fs.ErrNotExist) {
		return quay.AgentInfo{}, fmt.Errorf("store: agent %s: %w", agentID, quay.ErrNotFound)
	}
	return out, err
}

// Exists reports whether the agent's meta document is persisted, which is
// the existence predicate for the agent as a whole.
func (s *Store) Exists(ctx context.Context, agentID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.agentDir(agentID)
	if err != nil {
		return false, err
	}
	for _, name := range []string{"meta.json", "meta.json.wal"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
	}
	return false, nil
}

// Delete removes the agent's entire directory.
func (s *Store) Delete(ctx context.Context, agentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// --- Snapshots ---

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap quay.Snapshot) error {
	return s.save(ctx, agentID, filepath.Join("snapshots", snap.ID+".json"), snap)
}

func (s *Store) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (quay.Snapshot, error) {
	var out quay.Snapshot
	err := s.load(ctx, agentID, filepath.Join("snapshots", sanitizeName(snapshotID)+".json"), &out)
	if errors.Is(err, fs.ErrNotExist) {
		return quay.Snapshot{}, fmt.Errorf("store: snapshot %s: %w", snapshotID, quay.ErrNotFound)
	}
	return out, err
}

func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]quay.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.agentDir(agentID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, "snapshots"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []quay.Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var snap quay.Snapshot
		if err := readDoc(filepath.Join(dir, "snapshots", e.Name()), &snap); err != nil {
			s.logger.Warn("skipping unreadable snapshot", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, agentID, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.agentDir(agentID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "snapshots", sanitizeName(snapshotID)+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: snapshot %s: %w", snapshotID, quay.ErrNotFound)
	}
	return err
}

// --- History artifacts ---

func (s *Store) SaveHistoryWindow(ctx context.Context, agentID string, w quay.HistoryWindow) error {
	name := fmt.Sprintf("%d.json", w.Timestamp)
	return s.save(ctx, agentID, filepath.Join("history", "windows", name), w)
}

func (s *Store) SaveCompression(ctx context.Context, agentID string, c quay.CompressionRecord) error {
	name := fmt.Sprintf("%d.json", c.Timestamp)
	return s.save(ctx, agentID, filepath.Join("history", "compressions", name), c)
}

func (s *Store) SaveRecoveredFile(ctx context.Context, agentID string, rf quay.RecoveredFile) error {
	name := fmt.Sprintf("%s_%d.json", sanitizeName(rf.Name), rf.Timestamp)
	return s.save(ctx, agentID, filepath.Join("history", "recovered", name), rf)
}

var _ quay.Store = (*Store)(nil)
