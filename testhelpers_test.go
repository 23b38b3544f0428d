package quay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
)

// memStore is an in-memory Store for tests.
type memStore struct {
	mu        sync.Mutex
	messages  map[string][]Message
	toolCalls map[string][]ToolCallRecord
	todos     map[string]TodoSnapshot
	skills    map[string]SkillsState
	infos     map[string]AgentInfo
	events    map[string]map[Channel][]Timeline
	snapshots map[string]map[string]Snapshot
	windows   map[string][]HistoryWindow
	compress  map[string][]CompressionRecord
	recovered map[string][]RecoveredFile
}

func newMemStore() *memStore {
	return &memStore{
		messages:  make(map[string][]Message),
		toolCalls: make(map[string][]ToolCallRecord),
		todos:     make(map[string]TodoSnapshot),
		skills:    make(map[string]SkillsState),
		infos:     make(map[string]AgentInfo),
		events:    make(map[string]map[Channel][]Timeline),
		snapshots: make(map[string]map[string]Snapshot),
		windows:   make(map[string][]HistoryWindow),
		compress:  make(map[string][]CompressionRecord),
		recovered: make(map[string][]RecoveredFile),
	}
}

func (s *memStore) SaveMessages(_ context.Context, id string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[id] = append([]Message(nil), msgs...)
	return nil
}

func (s *memStore) LoadMessages(_ context.Context, id string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[id]...), nil
}

func (s *memStore) SaveToolCalls(_ context.Context, id string, recs []ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls[id] = append([]ToolCallRecord(nil), recs...)
	return nil
}

func (s *memStore) LoadToolCalls(_ context.Context, id string) ([]ToolCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolCallRecord(nil), s.toolCalls[id]...), nil
}

func (s *memStore) SaveTodos(_ context.Context, id string, t TodoSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.todos[id] = t
	return nil
}

func (s *memStore) LoadTodos(_ context.Context, id string) (TodoSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.todos[id], nil
}

func (s *memStore) SaveSkills(_ context.Context, id string, sk SkillsState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[id] = sk
	return nil
}

func (s *memStore) LoadSkills(_ context.Context, id string) (SkillsState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skills[id], nil
}

func (s *memStore) SaveInfo(_ context.Context, id string, info AgentInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos[id] = info
	return nil
}

func (s *memStore) LoadInfo(_ context.Context, id string) (AgentInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.infos[id]
	if !ok {
		return AgentInfo{}, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return info, nil
}

func (s *memStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.infos[id]
	return ok, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.infos, id)
	delete(s.messages, id)
	delete(s.toolCalls, id)
	delete(s.todos, id)
	delete(s.skills, id)
	delete(s.events, id)
	delete(s.snapshots, id)
	return nil
}

func (s *memStore) AppendEvent(_ context.Context, id string, ch Channel, tl Timeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events[id] == nil {
		s.events[id] = make(map[Channel][]Timeline)
	}
	s.events[id][ch] = append(s.events[id][ch], tl)
	return nil
}

func (s *memStore) ReadEvents(_ context.Context, id string, ch Channel, since Bookmark) ([]Timeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Timeline
	for _, tl := range s.events[id][ch] {
		if tl.Bookmark.Seq > since.Seq {
			out = append(out, tl)
		}
	}
	return out, nil
}

func (s *memStore) LastSeq(_ context.Context, id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last uint64
	for _, tls := range s.events[id] {
		for _, tl := range tls {
			if tl.Bookmark.Seq > last {
				last = tl.Bookmark.Seq
			}
		}
	}
	return last, nil
}

func (s *memStore) SaveSnapshot(_ context.Context, id string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots[id] == nil {
		s.snapshots[id] = make(map[string]Snapshot)
	}
	s.snapshots[id][snap.ID] = snap
	return nil
}

func (s *memStore) LoadSnapshot(_ context.Context, id, snapID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id][snapID]
	if !ok {
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", snapID, ErrNotFound)
	}
	return snap, nil
}

func (s *memStore) ListSnapshots(_ context.Context, id string) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Snapshot
	for _, snap := range s.snapshots[id] {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *memStore) DeleteSnapshot(_ context.Context, id, snapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots[id], snapID)
	return nil
}

func (s *memStore) SaveHistoryWindow(_ context.Context, id string, w HistoryWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[id] = append(s.windows[id], w)
	return nil
}

func (s *memStore) SaveCompression(_ context.Context, id string, c CompressionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compress[id] = append(s.compress[id], c)
	return nil
}

func (s *memStore) SaveRecoveredFile(_ context.Context, id string, rf RecoveredFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered[id] = append(s.recovered[id], rf)
	return nil
}

var _ Store = (*memStore)(nil)

// mockProvider plays back scripted stream responses in order. A response is
// either a chunk sequence or an error.
type mockProvider struct {
	mu      sync.Mutex
	script  []mockResponse
	calls   int
	// requests records every ChatRequest seen, for assertions.
	requests []ChatRequest
}

type mockResponse struct {
	chunks []StreamChunk
	err    error
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Stream(ctx context.Context, req ChatRequest, ch chan<- StreamChunk) error {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	if m.calls >= len(m.script) {
		m.mu.Unlock()
		return fmt.Errorf("mock provider: no scripted response for call %d", m.calls)
	}
	resp := m.script[m.calls]
	m.calls++
	m.mu.Unlock()

	if resp.err != nil {
		return resp.err
	}
	for _, chunk := range resp.chunks {
		select {
		case ch <- chunk:
		case <-ctx.Done():
			return &ProviderError{Kind: ProviderCancelled, Message: ctx.Err().Error()}
		}
	}
	return nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// textResponse scripts a streamed text answer ending the turn.
func textResponse(parts ...string) mockResponse {
	var chunks []StreamChunk
	for _, p := range parts {
		chunks = append(chunks, StreamChunk{Type: ChunkTextDelta, Text: p})
	}
	chunks = append(chunks, StreamChunk{
		Type:   ChunkMessageStop,
		Reason: StopCauseEndTurn,
		Usage:  &Usage{InputTokens: 10, OutputTokens: 5},
	})
	return mockResponse{chunks: chunks}
}

// toolResponse scripts a single tool call.
func toolResponse(id, name string, input string) mockResponse {
	return mockResponse{chunks: []StreamChunk{
		{Type: ChunkToolUseStart, ID: id, Name: name},
		{Type: ChunkToolUseComplete, ID: id, Input: json.RawMessage(input)},
		{Type: ChunkMessageStop, Reason: StopCauseToolUse, Usage: &Usage{InputTokens: 10, OutputTokens: 5}},
	}}
}

func errResponse(err error) mockResponse { return mockResponse{err: err} }

// echoTool returns its input verbatim.
func echoTool(name string) ToolDescriptor {
	return ToolDescriptor{
		Name:        name,
		Description: "echoes its input",
		Attributes:  ToolAttributes{ReadOnly: true, ConcurrencySafe: true},
		Invoke: func(_ context.Context, input json.RawMessage, _ ToolContext) (string, error) {
			return string(input), nil
		},
	}
}

func newTestAgent(t *testing.T, p Provider, opts ...AgentOption) (*Agent, *memStore) {
	t.Helper()
	store := newMemStore()
	a, err := NewAgent(context.Background(), "", store, p, opts...)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return a, store
}

// drainProgress collects Progress events until Done, returning them all.
func drainProgress(t *testing.T, sub *Subscription) []Event {
	t.Helper()
	var events []Event
	for tl := range sub.Events() {
		events = append(events, tl.Event)
		if tl.Event.Type == EventDone {
			return events
		}
	}
	return events
}
