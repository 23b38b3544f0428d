package quay

import (
	"context"
	"fmt"
)

// Todos returns a copy of the agent's todo list.
func (a *Agent) Todos() TodoSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := TodoSnapshot{Items: make([]TodoItem, len(a.todos.Items))}
	copy(out.Items, a.todos.Items)
	return out
}

// AddTodo appends a pending todo and persists the list.
func (a *Agent) AddTodo(ctx context.Context, title, assignee, notes string) (TodoItem, error) {
	now := NowMillis()
	item := TodoItem{
		ID:        NewID(),
		Title:     title,
		Status:    TodoPending,
		Assignee:  assignee,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	a.mu.Lock()
	a.todos.Items = append(a.todos.Items, item)
	a.mu.Unlock()
	if err := a.persistTodos(ctx); err != nil {
		return TodoItem{}, err
	}
	return item, nil
}

// SetTodoStatus moves a todo to status. Moving an item to in_progress demotes
// any other in_progress item back to pending, keeping at most one item in
// flight.
func (a *Agent) SetTodoStatus(ctx context.Context, id string, status TodoStatus) error {
	switch status {
	case TodoPending, TodoInProgress, TodoCompleted:
	default:
		return fmt.Errorf("todo %s: unknown status %q", id, status)
	}
	a.mu.Lock()
	idx := -1
	for i := range a.todos.Items {
		if a.todos.Items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		a.mu.Unlock()
		return fmt.Errorf("todo %s: %w", id, ErrNotFound)
	}
	now := NowMillis()
	if status == TodoInProgress {
		for i := range a.todos.Items {
			if i != idx && a.todos.Items[i].Status == TodoInProgress {
				a.todos.Items[i].Status = TodoPending
				a.todos.Items[i].UpdatedAt = now
			}
		}
	}
	a.todos.Items[idx].Status = status
	a.todos.Items[idx].UpdatedAt = now
	a.mu.Unlock()
	return a.persistTodos(ctx)
}

// UpdateTodo rewrites a todo's title, assignee, or notes. Empty arguments
// leave the field unchanged.
func (a *Agent) UpdateTodo(ctx context.Context, id, title, assignee, notes string) error {
	a.mu.Lock()
	found := false
	for i := range a.todos.Items {
		if a.todos.Items[i].ID != id {
			continue
		}
		if title != "" {
			a.todos.Items[i].Title = title
		}
		if assignee != "" {
			a.todos.Items[i].Assignee = assignee
		}
		if notes != "" {
			a.todos.Items[i].Notes = notes
		}
		a.todos.Items[i].UpdatedAt = NowMillis()
		found = true
		break
	}
	a.mu.Unlock()
	if !found {
		return fmt.Errorf("todo %s: %w", id, ErrNotFound)
	}
	return a.persistTodos(ctx)
}

// RemoveTodo deletes a todo from the list.
func (a *Agent) RemoveTodo(ctx context.Context, id string) error {
	a.mu.Lock()
	found := false
	items := a.todos.Items[:0]
	for _, it := range a.todos.Items {
		if it.ID == id {
			found = true
			continue
		}
		items = append(items, it)
	}
	a.todos.Items = items
	a.mu.Unlock()
	if !found {
		return fmt.Errorf("todo %s: %w", id, ErrNotFound)
	}
	return a.persistTodos(ctx)
}

// ReplaceTodos swaps the whole list, validating the single-in-progress
// invariant. Used by the todo tool, which writes the model's full view.
func (a *Agent) ReplaceTodos(ctx context.Context, snap TodoSnapshot) error {
	inProgress := 0
	now := NowMillis()
	for i := range snap.Items {
		if snap.Items[i].ID == "" {
			snap.Items[i].ID = NewID()
		}
		if snap.Items[i].CreatedAt == 0 {
			snap.Items[i].CreatedAt = now
		}
		snap.Items[i].UpdatedAt = now
		switch snap.Items[i].Status {
		case TodoPending, TodoCompleted:
		case TodoInProgress:
			inProgress++
		case "":
			snap.Items[i].Status = TodoPending
		default:
			return fmt.Errorf("todo %s: unknown status %q", snap.Items[i].ID, snap.Items[i].Status)
		}
	}
	if inProgress > 1 {
		return Invariantf("todo list has %d in_progress items, want at most 1", inProgress)
	}
	a.mu.Lock()
	a.todos = snap
	a.mu.Unlock()
	return a.persistTodos(ctx)
}

func (a *Agent) persistTodos(ctx context.Context) error {
	a.mu.Lock()
	snap := TodoSnapshot{Items: make([]TodoItem, len(a.todos.Items))}
	copy(snap.Items, a.todos.Items)
	a.mu.Unlock()
	if err := a.store.SaveTodos(ctx, a.id, snap); err != nil {
		return fmt.Errorf("agent %s: save todos: %w", a.id, err)
	}
	return nil
}
