// Package positions tracks how much each user deposited into each pool. The tracked
// amount caps what the user may withdraw; it is not LP-share accounting.
package positions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNoDeposit = errors.New("no tracked deposit")

// Position is one user's cumulative deposit into one pool.
type Position struct {
	UserID          string    `json:"user_account_id"`
	PoolID          string    `json:"pool_account_id"`
	TotalDeposited  uint64    `json:"total_deposited"`
	DepositCount    uint32    `json:"deposit_count"`
	LastDepositTime time.Time `json:"last_deposit_time"`
}

func key(user, pool string) string {
	return user + ":" + pool
}

// Store keeps positions in memory and rewrites the whole file after every change.
type Store struct {
	mu        sync.RWMutex
	path      string
	logger    *zap.Logger
	positions map[string]Position
}

// Open loads path if it exists. A missing file starts an empty store.
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger, positions: make(map[string]Position)}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("No deposit file found, starting empty", zap.String("path", path))
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.positions); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	logger.Info("Loaded user deposits", zap.String("path", path), zap.Int("positions", len(s.positions)))
	return s, nil
}

// Credit adds amount to the user's position and persists the store.
func (s *Store) Credit(user, pool string, amount uint64, at time.Time) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(user, pool)
	p, ok := s.positions[k]
	if !ok {
		p = Position{UserID: user, PoolID: pool}
	}
	p.TotalDeposited += amount
	p.DepositCount++
	p.LastDepositTime = at.UTC()
	s.positions[k] = p
	return p, s.persistLocked()
}

// Debit subtracts amount, flooring at zero, and persists the store.
func (s *Store) Debit(user, pool string, amount uint64) (Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(user, pool)
	p, ok := s.positions[k]
	if !ok {
		return Position{}, ErrNoDeposit
	}
	if amount >= p.TotalDeposited {
		p.TotalDeposited = 0
	} else {
		p.TotalDeposited -= amount
	}
	s.positions[k] = p
	return p, s.persistLocked()
}

// Available returns the withdrawable amount for a user in a pool.
func (s *Store) Available(user, pool string) uint64 {
	p, _ := s.Get(user, pool)
	return p.TotalDeposited
}

func (s *Store) Get(user, pool string) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[key(user, pool)]
	return p, ok
}

// ByUser returns the user's positions ordered by pool id.
func (s *Store) ByUser(user string) []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0)
	for _, p := range s.positions {
		if p.UserID == user {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PoolID < out[j].PoolID })
	return out
}

// persistLocked writes to a temp file in the same directory and renames it over the
// target so a crash never leaves a truncated file.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.positions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode deposits: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".deposits-*.json")
	if err != nil {
		return fmt.Errorf("persist deposits: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist deposits: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist deposits: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("persist deposits: %w", err)
	}
	s.logger.Debug("Persisted user deposits", zap.String("path", s.path), zap.Int("positions", len(s.positions)))
	return nil
}
