// Package storage persists ledger state to Pebble: oracle market
// records, engine positions, vault balances and the engine's scalar
// meta record. The in-memory state machines stay canonical; this layer
// is a write-through replica used to rebuild them at startup.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0xreflexivity/polyflux/pkg/app/engine"
	"github.com/0xreflexivity/polyflux/pkg/app/oracle"
)

type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the Pebble database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
		BytesPerSync:          512 << 10,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ---- Oracle records ----

// SaveMarket persists a market record.
func (s *Store) SaveMarket(r *oracle.MarketRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal market: %w", err)
	}
	if err := s.db.Set(marketKey(r.MarketID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save market: %w", err)
	}
	return nil
}

// LoadMarkets loads every persisted market record.
func (s *Store) LoadMarkets() ([]*oracle.MarketRecord, error) {
	prefix := []byte(prefixMarket)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open market iterator: %w", err)
	}
	defer iter.Close()

	var records []*oracle.MarketRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec oracle.MarketRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue // skip invalid entries
		}
		records = append(records, &rec)
	}
	return records, nil
}

// ---- Engine positions ----

// SavePosition persists a position.
func (s *Store) SavePosition(p *engine.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if err := s.db.Set(positionKey(p.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// LoadPositions loads every persisted position, ordered by id.
func (s *Store) LoadPositions() ([]*engine.Position, error) {
	prefix := []byte(prefixPosition)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open position iterator: %w", err)
	}
	defer iter.Close()

	var positions []*engine.Position
	for iter.First(); iter.Valid(); iter.Next() {
		var pos engine.Position
		if err := json.Unmarshal(iter.Value(), &pos); err != nil {
			continue
		}
		positions = append(positions, &pos)
	}
	return positions, nil
}

// ---- Vault balances ----

// SaveBalance persists one address's free balance.
func (s *Store) SaveBalance(addr common.Address, balance int64) error {
	data, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("failed to marshal balance: %w", err)
	}
	if err := s.db.Set(balanceKey(addr), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return nil
}

// LoadBalances loads every persisted free balance.
func (s *Store) LoadBalances() (map[common.Address]int64, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open balance iterator: %w", err)
	}
	defer iter.Close()

	balances := make(map[common.Address]int64)
	for iter.First(); iter.Valid(); iter.Next() {
		addr, err := balanceAddrFromKey(iter.Key())
		if err != nil {
			continue
		}
		var bal int64
		if err := json.Unmarshal(iter.Value(), &bal); err != nil {
			continue
		}
		balances[addr] = bal
	}
	return balances, nil
}

// ---- Engine meta ----

// SaveEngineMeta persists the engine's scalar state.
func (s *Store) SaveEngineMeta(m engine.Meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal engine meta: %w", err)
	}
	if err := s.db.Set([]byte(keyEngineMeta), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save engine meta: %w", err)
	}
	return nil
}

// LoadEngineMeta loads the engine's scalar state. Returns a zero Meta
// when none was persisted yet.
func (s *Store) LoadEngineMeta() (engine.Meta, error) {
	data, closer, err := s.db.Get([]byte(keyEngineMeta))
	if err == pebble.ErrNotFound {
		return engine.Meta{}, nil
	}
	if err != nil {
		return engine.Meta{}, fmt.Errorf("failed to get engine meta: %w", err)
	}
	defer closer.Close()

	var m engine.Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return engine.Meta{}, fmt.Errorf("failed to unmarshal engine meta: %w", err)
	}
	return m, nil
}

// Interface conformance with the state machines' persistence hooks.
var (
	_ oracle.Store = (*Store)(nil)
	_ engine.Store = (*Store)(nil)
)
