// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/ava-labs/avalanchego/database"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

// key prefixes of the leveldb layout
const (
	levelSingletonPrefix byte = 's'
	levelSubstatePrefix  byte = 'n'
	levelReceiptPrefix   byte = 'r'
)

const currentLevelDBVersion = 1

var (
	levelVersionKey = []byte{levelSingletonPrefix, 0xff}

	ErrIncompatibleVersion = errors.New("incompatible database version")

	_ State = &levelState{}
)

// levelState is a State stored directly in a goleveldb database. Writes are
// collected in a batch and applied by Commit; reads see the pending batch.
type levelState struct {
	db *leveldb.DB

	trx     *leveldb.Batch
	pending map[string][]byte
	deleted map[string]struct{}
}

// NewLevelDBState opens (or creates) a leveldb database at [dir].
func NewLevelDBState(dir string, readOnly bool) (State, error) {
	opt := &ldb_opt.Options{
		ErrorIfExist:   false,
		ErrorIfMissing: readOnly,
		ReadOnly:       readOnly,
	}
	db, err := leveldb.OpenFile(dir, opt)
	if err != nil {
		return nil, err
	}
	return newLevelState(db)
}

// NewMemLevelDBState returns a leveldb State backed by memory storage.
func NewMemLevelDBState() (State, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newLevelState(db)
}

func newLevelState(db *leveldb.DB) (*levelState, error) {
	versionValue, err := db.Get(levelVersionKey, nil)
	switch {
	case err == leveldb.ErrNotFound:
		version := make([]byte, 4)
		binary.BigEndian.PutUint32(version, currentLevelDBVersion)
		if err := db.Put(levelVersionKey, version, nil); err != nil {
			db.Close()
			return nil, err
		}
	case err != nil:
		db.Close()
		return nil, err
	case len(versionValue) != 4:
		db.Close()
		return nil, fmt.Errorf("%w: length %d", ErrIncompatibleVersion, len(versionValue))
	case binary.BigEndian.Uint32(versionValue) != currentLevelDBVersion:
		db.Close()
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, binary.BigEndian.Uint32(versionValue))
	}

	s := &levelState{
		db:  db,
		trx: new(leveldb.Batch),
	}
	s.begin()
	return s, nil
}

func (s *levelState) begin() {
	s.trx.Reset()
	s.pending = make(map[string][]byte)
	s.deleted = make(map[string]struct{})
}

func prefixKey(prefix byte, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = prefix
	copy(out[1:], key)
	return out
}

func (s *levelState) put(key, value []byte) {
	s.trx.Put(key, value)
	s.pending[string(key)] = value
	delete(s.deleted, string(key))
}

func (s *levelState) delete(key []byte) {
	s.trx.Delete(key)
	delete(s.pending, string(key))
	s.deleted[string(key)] = struct{}{}
}

func (s *levelState) get(key []byte) ([]byte, bool, error) {
	if v, ok := s.pending[string(key)]; ok {
		return v, true, nil
	}
	if _, ok := s.deleted[string(key)]; ok {
		return nil, false, nil
	}
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *levelState) Read(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
) ([]byte, bool, error) {
	return s.get(prefixKey(levelSubstatePrefix, substate.DBKey(node, partition, key)))
}

func (s *levelState) ListPartitionKeys(
	node substate.NodeID,
	partition substate.PartitionNumber,
) ([]substate.SubstateKey, error) {
	prefix := prefixKey(levelSubstatePrefix, substate.PartitionPrefix(node, partition))

	found := make(map[string]struct{})
	iter := s.db.NewIterator(ldb_util.BytesPrefix(prefix), nil)
	for iter.Next() {
		// the key is only valid until the next call to Next
		k := string(iter.Key())
		if _, ok := s.deleted[k]; !ok {
			found[k] = struct{}{}
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}
	for k := range s.pending {
		if len(k) > len(prefix) && k[:len(prefix)] == string(prefix) {
			found[k] = struct{}{}
		}
	}

	raw := make([]string, 0, len(found))
	for k := range found {
		raw = append(raw, k)
	}
	sort.Strings(raw)
	keys := make([]substate.SubstateKey, 0, len(raw))
	for _, k := range raw {
		_, _, key, err := substate.ParseDBKey([]byte(k)[1:])
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *levelState) WriteBatch(diff *track.StateDiff) error {
	for _, u := range diff.Updates {
		k := prefixKey(levelSubstatePrefix, substate.DBKey(u.Node, substate.PartitionNumber(u.Partition), u.Key))
		if u.Delete {
			s.delete(k)
		} else {
			s.put(k, u.Value)
		}
	}
	return nil
}

func (s *levelState) GetReceipt(txID ids.ID) ([]byte, error) {
	v, ok, err := s.get(prefixKey(levelReceiptPrefix, txID[:]))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, database.ErrNotFound
	}
	return v, nil
}

func (s *levelState) PutReceipt(txID ids.ID, receipt []byte) error {
	s.put(prefixKey(levelReceiptPrefix, txID[:]), receipt)
	return nil
}

func (s *levelState) HasReceipt(txID ids.ID) (bool, error) {
	_, ok, err := s.get(prefixKey(levelReceiptPrefix, txID[:]))
	return ok, err
}

func (s *levelState) IsInitialized() (bool, error) {
	_, ok, err := s.get(prefixKey(levelSingletonPrefix, isInitializedKey))
	return ok, err
}

func (s *levelState) SetInitialized() error {
	s.put(prefixKey(levelSingletonPrefix, isInitializedKey), []byte{})
	return nil
}

func (s *levelState) GetLastExecuted() (ids.ID, error) {
	b, ok, err := s.get(prefixKey(levelSingletonPrefix, lastExecutedKey))
	if err != nil || !ok {
		return ids.Empty, err
	}
	return ids.ToID(b)
}

func (s *levelState) SetLastExecuted(txID ids.ID) error {
	s.put(prefixKey(levelSingletonPrefix, lastExecutedKey), txID[:])
	return nil
}

// Commit writes the pending batch.
func (s *levelState) Commit() error {
	err := s.db.Write(s.trx, nil)
	s.begin()
	return err
}

// Abort drops the pending batch.
func (s *levelState) Abort() { s.begin() }

func (s *levelState) ClearCache() {}

func (s *levelState) Close() error { return s.db.Close() }
