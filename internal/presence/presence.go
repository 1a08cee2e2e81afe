// ABOUTME: Presence tracking of which operators are viewing which conversations
// ABOUTME: Defines the Tracker interface and the process-local reference-counted backend

package presence

import (
	"context"
	"slices"
	"sync"
)

// Tracker records which operators currently have a conversation open.
// Join and Leave are reference counted per connection: an operator with two
// tabs on the same conversation stays present until both leave.
type Tracker interface {
	Join(ctx context.Context, conversationID, operatorID string) error
	Leave(ctx context.Context, conversationID, operatorID string) error
	LeaveAll(ctx context.Context, operatorID string) error
	IsPresent(ctx context.Context, conversationID, operatorID string) (bool, error)
	Present(ctx context.Context, conversationID string) ([]string, error)
}

// Memory is a process-local Tracker
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]map[string]int // conversationID -> operatorID -> connections
}

// NewMemory creates an empty process-local tracker
func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[string]int)}
}

func (m *Memory) Join(_ context.Context, conversationID, operatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops, ok := m.rooms[conversationID]
	if !ok {
		ops = make(map[string]int)
		m.rooms[conversationID] = ops
	}
	ops[operatorID]++
	return nil
}

func (m *Memory) Leave(_ context.Context, conversationID, operatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ops, ok := m.rooms[conversationID]
	if !ok {
		return nil
	}
	if ops[operatorID] <= 1 {
		delete(ops, operatorID)
	} else {
		ops[operatorID]--
	}
	if len(ops) == 0 {
		delete(m.rooms, conversationID)
	}
	return nil
}

// LeaveAll drops every connection of an operator, e.g. on sign-out.
func (m *Memory) LeaveAll(_ context.Context, operatorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conv, ops := range m.rooms {
		delete(ops, operatorID)
		if len(ops) == 0 {
			delete(m.rooms, conv)
		}
	}
	return nil
}

func (m *Memory) IsPresent(_ context.Context, conversationID, operatorID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[conversationID][operatorID] > 0, nil
}

func (m *Memory) Present(_ context.Context, conversationID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ops := make([]string, 0, len(m.rooms[conversationID]))
	for op := range m.rooms[conversationID] {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops, nil
}
