// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"github.com/ava-labs/avalanchego/cache"
	"github.com/ava-labs/avalanchego/database"

	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

const (
	substateCacheSize = 8192
)

var _ SubstateState = &substateState{}

// SubstateState is the substate half of the store trait, backed by a
// database.Database. Reads are cached; writes go straight to the database and
// become durable when the owning State commits.
type SubstateState interface {
	track.Store

	ClearCache()
}

type substateState struct {
	// caches encoded values by db key; nil marks a known miss
	cache      cache.Cacher
	substateDB database.Database
}

func NewSubstateState(db database.Database) SubstateState {
	return &substateState{
		cache:      &cache.LRU{Size: substateCacheSize},
		substateDB: db,
	}
}

func (s *substateState) Read(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
) ([]byte, bool, error) {
	dbKey := substate.DBKey(node, partition, key)
	if cached, ok := s.cache.Get(string(dbKey)); ok {
		if cached == nil {
			return nil, false, nil
		}
		return cached.([]byte), true, nil
	}

	value, err := s.substateDB.Get(dbKey)
	switch {
	case err == database.ErrNotFound:
		s.cache.Put(string(dbKey), nil)
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	s.cache.Put(string(dbKey), value)
	return value, true, nil
}

func (s *substateState) ListPartitionKeys(
	node substate.NodeID,
	partition substate.PartitionNumber,
) ([]substate.SubstateKey, error) {
	iter := s.substateDB.NewIteratorWithPrefix(substate.PartitionPrefix(node, partition))
	defer iter.Release()

	var keys []substate.SubstateKey
	for iter.Next() {
		_, _, key, err := substate.ParseDBKey(iter.Key())
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, iter.Error()
}

func (s *substateState) WriteBatch(diff *track.StateDiff) error {
	batch := s.substateDB.NewBatch()
	for _, u := range diff.Updates {
		dbKey := substate.DBKey(u.Node, substate.PartitionNumber(u.Partition), u.Key)
		if u.Delete {
			if err := batch.Delete(dbKey); err != nil {
				return err
			}
			continue
		}
		if err := batch.Put(dbKey, u.Value); err != nil {
			return err
		}
	}
	if err := batch.Write(); err != nil {
		return err
	}

	// The cache is only filled once the batch is applied, so a failed write
	// leaves no trace.
	for _, u := range diff.Updates {
		dbKey := string(substate.DBKey(u.Node, substate.PartitionNumber(u.Partition), u.Key))
		if u.Delete {
			s.cache.Put(dbKey, nil)
		} else {
			s.cache.Put(dbKey, u.Value)
		}
	}
	return nil
}

func (s *substateState) ClearCache() {
	s.cache.Flush()
}
