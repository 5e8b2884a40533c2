// Package store provides Repository implementations.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/warp/loan-engine/loan"
)

// =============================================================================
// MEMORY REPOSITORY - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps aggregates as JSON snapshots so callers never share mutable
// state with the store, mirroring the isolation a database gives.
type Memory struct {
	mu       sync.RWMutex
	loans    map[int64][]byte
	byNumber map[string]int64
	byExtID  map[string]int64
	nextID   int64
}

func NewMemory() *Memory {
	return &Memory{
		loans:    make(map[int64][]byte),
		byNumber: make(map[string]int64),
		byExtID:  make(map[string]int64),
	}
}

func (m *Memory) Save(_ context.Context, l *loan.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.ID == 0 {
		m.nextID++
		l.ID = m.nextID
	}
	blob, err := json.Marshal(l)
	if err != nil {
		return err
	}
	m.loans[l.ID] = blob
	m.byNumber[l.AccountNumber] = l.ID
	if l.ExternalID != "" {
		m.byExtID[l.ExternalID] = l.ID
	}
	return nil
}

func (m *Memory) Get(_ context.Context, id int64) (*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.decode(id)
}

func (m *Memory) GetByAccountNumber(_ context.Context, accountNumber string) (*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byNumber[accountNumber]
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	return m.decode(id)
}

func (m *Memory) GetByExternalID(_ context.Context, externalID string) (*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byExtID[externalID]
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	return m.decode(id)
}

func (m *Memory) List(_ context.Context) ([]*loan.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.loans))
	for id := range m.loans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*loan.Loan, 0, len(ids))
	for _, id := range ids {
		l, err := m.decode(id)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (m *Memory) ListByStatus(ctx context.Context, status loan.Status) ([]*loan.Loan, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []*loan.Loan
	for _, l := range all {
		if l.Status == status {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Memory) decode(id int64) (*loan.Loan, error) {
	blob, ok := m.loans[id]
	if !ok {
		return nil, loan.ErrLoanNotFound
	}
	var l loan.Loan
	if err := json.Unmarshal(blob, &l); err != nil {
		return nil, err
	}
	l.RestoreCounters()
	return &l, nil
}
