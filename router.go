package quay

import (
	"context"
	"fmt"
	"sync"
)

// RequestClass classifies an incoming message list for auto-mode routing.
type RequestClass string

const (
	// ClassNew: only system messages plus exactly one trailing user message.
	ClassNew RequestClass = "new"
	// ClassHistory: carries assistant or tool messages, or two or more user
	// messages — the client is replaying a conversation.
	ClassHistory RequestClass = "history"
	// ClassUnknown: anything else.
	ClassUnknown RequestClass = "unknown"
)

// ClassifyRequest applies the routing classification rule to a request body.
func ClassifyRequest(msgs []Message) RequestClass {
	users := 0
	for _, m := range msgs {
		switch m.Role {
		case RoleAssistant, RoleTool:
			return ClassHistory
		case RoleUser:
			users++
		}
	}
	switch {
	case users >= 2:
		return ClassHistory
	case users == 1 && len(msgs) > 0 && msgs[len(msgs)-1].Role == RoleUser:
		return ClassNew
	default:
		return ClassUnknown
	}
}

// ThreadIndex maps external thread keys to agent ids, scoped per user. The
// empty user id is the global scope. The sqlite-backed implementation lives
// in store/sqlite; memoryThreadIndex backs tests and single-process use.
type ThreadIndex interface {
	Lookup(ctx context.Context, userID, threadKey string) (agentID string, ok bool, err error)
	Bind(ctx context.Context, userID, threadKey, agentID string) error
}

// memoryThreadIndex is a process-local ThreadIndex.
type memoryThreadIndex struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemoryThreadIndex creates an empty in-memory thread index.
func NewMemoryThreadIndex() ThreadIndex {
	return &memoryThreadIndex{m: make(map[string]string)}
}

func threadScope(userID, threadKey string) string { return userID + "\x00" + threadKey }

func (x *memoryThreadIndex) Lookup(_ context.Context, userID, threadKey string) (string, bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	id, ok := x.m[threadScope(userID, threadKey)]
	return id, ok, nil
}

func (x *memoryThreadIndex) Bind(_ context.Context, userID, threadKey, agentID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.m[threadScope(userID, threadKey)] = agentID
	return nil
}

// RouteRequest carries the routing inputs of one transport request.
type RouteRequest struct {
	// PathSessionID and HeaderSessionID are the explicit session id as given
	// in the URL path and the session header. Setting both to different
	// values is a client error.
	PathSessionID   string
	HeaderSessionID string
	ThreadKey       string
	UserID          string
	Messages        []Message
}

// Router resolves transport requests to agent ids. It is stateless apart
// from the thread index and the per-user auto-mode memory; agent state lives
// behind the Pool.
type Router struct {
	store Store
	index ThreadIndex

	mu       sync.Mutex
	autoID   map[string]string       // userID → current auto-default agent
	lastMode map[string]RequestClass // userID → last observed classification
}

// NewRouter creates a router over store. A nil index gets an in-memory one.
func NewRouter(store Store, index ThreadIndex) *Router {
	if index == nil {
		index = NewMemoryThreadIndex()
	}
	return &Router{
		store:    store,
		index:    index,
		autoID:   make(map[string]string),
		lastMode: make(map[string]RequestClass),
	}
}

// Resolve yields the agent id for a request. created reports that the id is
// fresh (no agent exists yet; the pool will create it on first lease).
//
// Precedence: explicit session id, then thread key, then auto mode. In auto
// mode a *new*-classified request arriving after a *history* one starts a
// fresh auto-default agent; otherwise the current auto-default is reused.
func (r *Router) Resolve(ctx context.Context, req RouteRequest) (agentID string, created bool, err error) {
	explicit := req.PathSessionID
	if req.HeaderSessionID != "" {
		if explicit != "" && explicit != req.HeaderSessionID {
			return "", false, fmt.Errorf("router: path %q vs header %q: %w",
				req.PathSessionID, req.HeaderSessionID, ErrSessionConflict)
		}
		explicit = req.HeaderSessionID
	}

	if explicit != "" {
		exists, err := r.store.Exists(ctx, explicit)
		if err != nil {
			return "", false, err
		}
		if !exists {
			return "", false, fmt.Errorf("router: session %s: %w", explicit, ErrNotFound)
		}
		return explicit, false, nil
	}

	if req.ThreadKey != "" {
		id, ok, err := r.index.Lookup(ctx, req.UserID, req.ThreadKey)
		if err != nil {
			return "", false, err
		}
		if ok {
			exists, err := r.store.Exists(ctx, id)
			if err != nil {
				return "", false, err
			}
			if exists {
				return id, false, nil
			}
			// Mapping outlived its agent; rebind below.
		}
		id = NewID()
		if err := r.index.Bind(ctx, req.UserID, req.ThreadKey, id); err != nil {
			return "", false, err
		}
		return id, true, nil
	}

	class := ClassifyRequest(req.Messages)
	r.mu.Lock()
	defer r.mu.Unlock()
	last := r.lastMode[req.UserID]
	r.lastMode[req.UserID] = class

	current, ok := r.autoID[req.UserID]
	if ok && !(last == ClassHistory && class == ClassNew) {
		return current, false, nil
	}
	id := NewID()
	r.autoID[req.UserID] = id
	return id, true, nil
}
