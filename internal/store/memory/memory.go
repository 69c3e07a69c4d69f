// Package memory implements the keeper's stores in process memory. It backs
// the "memory" store driver and the unit tests of the keeper loops.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/perpkeeper/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]domain.Position
}

// NewPositionStore returns an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{positions: make(map[string]domain.Position)}
}

// InsertIfAbsent stores p unless its token id is already known.
func (s *PositionStore) InsertIfAbsent(_ context.Context, p domain.Position) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.TokenID]; ok {
		return false, nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.positions[p.TokenID] = p
	return true, nil
}

// MarkClosed sets isOpen=false and clears the liquidatable flag.
func (s *PositionStore) MarkClosed(_ context.Context, tokenID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	if p.IsOpen {
		p.IsOpen = false
		t := at
		p.ClosedAt = &t
	}
	p.IsLiquidatable = false
	s.positions[tokenID] = p
	return nil
}

// UpdateCheck records a liquidatability verdict. Closed positions are left untouched.
func (s *PositionStore) UpdateCheck(_ context.Context, tokenID string, liquidatable bool, checkedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[tokenID]
	if !ok {
		return domain.ErrNotFound
	}
	if !p.IsOpen {
		return nil
	}
	p.IsLiquidatable = liquidatable
	p.LastChecked = checkedAt
	s.positions[tokenID] = p
	return nil
}

// Get returns the position for tokenID or domain.ErrNotFound.
func (s *PositionStore) Get(_ context.Context, tokenID string) (domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[tokenID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

// ListStale returns open positions last checked before cutoff, oldest first.
func (s *PositionStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool {
		return p.IsOpen && p.LastChecked.Before(cutoff)
	}, limit), nil
}

// ListLiquidatable returns open positions flagged liquidatable.
func (s *PositionStore) ListLiquidatable(_ context.Context, limit int) ([]domain.Position, error) {
	return s.list(func(p domain.Position) bool {
		return p.IsOpen && p.IsLiquidatable
	}, limit), nil
}

// CountOpen returns the number of open positions.
func (s *PositionStore) CountOpen(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, p := range s.positions {
		if p.IsOpen {
			n++
		}
	}
	return n, nil
}

// list returns matching positions ordered by lastChecked then token id.
func (s *PositionStore) list(match func(domain.Position) bool, limit int) []domain.Position {
	s.mu.RLock()
	out := make([]domain.Position, 0)
	for _, p := range s.positions {
		if match(p) {
			out = append(out, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastChecked.Equal(out[j].LastChecked) {
			return out[i].LastChecked.Before(out[j].LastChecked)
		}
		return out[i].TokenID < out[j].TokenID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CursorStore implements domain.CursorStore.
type CursorStore struct {
	mu      sync.RWMutex
	cursors map[string]domain.SyncCursor
}

// NewCursorStore returns an empty CursorStore.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]domain.SyncCursor)}
}

// Get returns the cursor for contract or domain.ErrNotFound.
func (s *CursorStore) Get(_ context.Context, contract string) (domain.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cursors[contract]
	if !ok {
		return domain.SyncCursor{}, domain.ErrNotFound
	}
	return c, nil
}

// Advance stores c. A cursor never moves backwards.
func (s *CursorStore) Advance(_ context.Context, c domain.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.cursors[c.ContractAddress]; ok && prev.LastSyncedBlock > c.LastSyncedBlock {
		c.LastSyncedBlock = prev.LastSyncedBlock
	}
	s.cursors[c.ContractAddress] = c
	return nil
}

// LiquidationStore implements domain.LiquidationStore.
type LiquidationStore struct {
	mu      sync.RWMutex
	records []domain.LiquidationRecord
}

// NewLiquidationStore returns an empty LiquidationStore.
func NewLiquidationStore() *LiquidationStore {
	return &LiquidationStore{}
}

// Insert appends r, skipping a duplicate (tokenId, transactionHash).
func (s *LiquidationStore) Insert(_ context.Context, r domain.LiquidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.TransactionHash != "" {
		for _, existing := range s.records {
			if existing.TokenID == r.TokenID && existing.TransactionHash == r.TransactionHash {
				return nil
			}
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.records = append(s.records, r)
	return nil
}

// ListByToken returns the records for tokenID.
func (s *LiquidationStore) ListByToken(_ context.Context, tokenID string) ([]domain.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LiquidationRecord
	for _, r := range s.records {
		if r.TokenID == tokenID {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListBetween returns records with from <= timestamp < to.
func (s *LiquidationStore) ListBetween(_ context.Context, from, to time.Time) ([]domain.LiquidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.LiquidationRecord
	for _, r := range s.records {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// All returns a copy of every record in insertion order.
func (s *LiquidationStore) All() []domain.LiquidationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.LiquidationRecord(nil), s.records...)
}

// FundingStore implements domain.FundingStore.
type FundingStore struct {
	mu      sync.RWMutex
	records []domain.FundingUpdateRecord
}

// NewFundingStore returns an empty FundingStore.
func NewFundingStore() *FundingStore {
	return &FundingStore{}
}

// Insert appends r.
func (s *FundingStore) Insert(_ context.Context, r domain.FundingUpdateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.records = append(s.records, r)
	return nil
}

// Latest returns the most recent record or domain.ErrNotFound.
func (s *FundingStore) Latest(_ context.Context) (domain.FundingUpdateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return domain.FundingUpdateRecord{}, domain.ErrNotFound
	}
	latest := s.records[0]
	for _, r := range s.records[1:] {
		if r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	return latest, nil
}

// ListBetween returns records with from <= timestamp < to.
func (s *FundingStore) ListBetween(_ context.Context, from, to time.Time) ([]domain.FundingUpdateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.FundingUpdateRecord
	for _, r := range s.records {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
