package repository

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/m-mizutani/realia/pkg/interfaces"
	"github.com/m-mizutani/realia/pkg/model"
)

var _ interfaces.ProcessedSet = (*Memory)(nil)

type attempt struct {
	txHash    common.Hash
	confirmed bool
}

// Memory is the process-local processed-set. It is lost on restart.
type Memory struct {
	mu       sync.RWMutex
	attempts map[model.RequestID]*attempt
}

// NewMemory creates an empty in-memory processed-set
func NewMemory() *Memory {
	return &Memory{
		attempts: make(map[model.RequestID]*attempt),
	}
}

func (m *Memory) Contains(ctx context.Context, id model.RequestID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.attempts[id]
	return ok && a.confirmed, nil
}

func (m *Memory) Mark(ctx context.Context, id model.RequestID, txHash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[id] = &attempt{txHash: txHash}
	return nil
}

func (m *Memory) Confirm(ctx context.Context, id model.RequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		a = &attempt{}
		m.attempts[id] = a
	}
	a.confirmed = true
	return nil
}

func (m *Memory) Forget(ctx context.Context, id model.RequestID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, id)
	return nil
}
