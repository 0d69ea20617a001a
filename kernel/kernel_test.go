// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ava-labs/avalanchego/database/memdb"
	"github.com/ava-labs/avalanchego/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ava-labs/kernelvm/state"
	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

var (
	testPkg  = substate.WellKnownNodeID(substate.EntityTypeGlobalPackage, "test")
	otherPkg = substate.WellKnownNodeID(substate.EntityTypeGlobalPackage, "other")
	thingBP  = substate.BlueprintID{Package: testPkg, Name: "Thing"}
	peekerBP = substate.BlueprintID{Package: otherPkg, Name: "Peeker"}
	mainKey  = substate.FieldKey(0)
)

func createThing(api API, entity substate.EntityType, main *substate.Value) (substate.NodeID, error) {
	id, err := api.AllocateNodeID(entity)
	if err != nil {
		return substate.EmptyNodeID, err
	}
	subs, err := substate.NewObject(substate.TypeInfo{Blueprint: thingBP, Global: entity.IsGlobal()}, substate.EmptyNodeID)
	if err != nil {
		return substate.EmptyNodeID, err
	}
	subs.Set(substate.MainPartition, mainKey, main)
	return id, api.CreateNode(id, subs)
}

func native(fn NativeFunction) Export { return Export{Native: fn} }

func thingBlueprint() *Blueprint {
	return &Blueprint{
		Functions: map[string]Export{
			"new": native(func(api API, in *substate.Value) (*substate.Value, error) {
				id, err := createThing(api, substate.EntityTypeInternalObject, &substate.Value{Payload: in.Payload})
				if err != nil {
					return nil, err
				}
				return &substate.Value{Owned: []substate.NodeID{id}}, nil
			}),
			"new_global": native(func(api API, in *substate.Value) (*substate.Value, error) {
				id, err := createThing(api, substate.EntityTypeGlobalComponent, &substate.Value{Payload: in.Payload})
				if err != nil {
					return nil, err
				}
				return &substate.Value{Refs: []substate.NodeID{id}}, nil
			}),
			"new_tree": native(func(api API, in *substate.Value) (*substate.Value, error) {
				g, err := createThing(api, substate.EntityTypeInternalObject, substate.NewValue([]byte("g")))
				if err != nil {
					return nil, err
				}
				c, err := createThing(api, substate.EntityTypeInternalObject, &substate.Value{Payload: []byte("c"), Owned: []substate.NodeID{g}})
				if err != nil {
					return nil, err
				}
				p, err := createThing(api, substate.EntityTypeGlobalComponent, &substate.Value{Payload: []byte("p"), Owned: []substate.NodeID{c}})
				if err != nil {
					return nil, err
				}
				return &substate.Value{Refs: []substate.NodeID{p}}, nil
			}),
			"leak": native(func(api API, in *substate.Value) (*substate.Value, error) {
				_, err := createThing(api, substate.EntityTypeInternalObject, substate.NewValue(nil))
				return nil, err
			}),
			"echo": native(func(api API, in *substate.Value) (*substate.Value, error) {
				return in, nil
			}),
			"destroy": native(func(api API, in *substate.Value) (*substate.Value, error) {
				for _, id := range in.Owned {
					if _, err := api.DropNode(id); err != nil {
						return nil, err
					}
				}
				return nil, nil
			}),
			"lock_and_move": native(func(api API, in *substate.Value) (*substate.Value, error) {
				if _, _, err := api.OpenSubstate(in.Owned[0], substate.MainPartition, mainKey, LockReadOnly, nil); err != nil {
					return nil, err
				}
				_, err := createThing(api, substate.EntityTypeInternalObject, &substate.Value{Owned: in.Owned})
				return nil, err
			}),
			"unmodified_heap": native(func(api API, in *substate.Value) (*substate.Value, error) {
				id, err := createThing(api, substate.EntityTypeInternalObject, substate.NewValue(nil))
				if err != nil {
					return nil, err
				}
				_, _, err = api.OpenSubstate(id, substate.MainPartition, mainKey, LockUnmodifiedBase, nil)
				return nil, err
			}),
			"call_unseen": native(func(api API, in *substate.Value) (*substate.Value, error) {
				id, err := substate.ToNodeID(in.Payload)
				if err != nil {
					return nil, err
				}
				return api.CallMethod(id, "get", nil)
			}),
			"recurse": native(func(api API, in *substate.Value) (*substate.Value, error) {
				return api.CallFunction(thingBP, "recurse", nil)
			}),
			"panic": native(func(api API, in *substate.Value) (*substate.Value, error) {
				panic("boom")
			}),
			"fail": native(func(api API, in *substate.Value) (*substate.Value, error) {
				return nil, errors.New("refused")
			}),
		},
		Methods: map[string]Export{
			"get": native(func(api API, in *substate.Value) (*substate.Value, error) {
				h, v, err := api.OpenSubstate(api.Actor().Receiver, substate.MainPartition, mainKey, LockReadOnly, nil)
				if err != nil {
					return nil, err
				}
				if err := api.CloseSubstate(h); err != nil {
					return nil, err
				}
				return substate.NewValue(v.Payload), nil
			}),
			"set": native(func(api API, in *substate.Value) (*substate.Value, error) {
				h, _, err := api.OpenSubstate(api.Actor().Receiver, substate.MainPartition, mainKey, LockMutable, nil)
				if err != nil {
					return nil, err
				}
				if err := api.WriteSubstate(h, substate.NewValue(in.Payload)); err != nil {
					return nil, err
				}
				return nil, api.CloseSubstate(h)
			}),
			"hold_and_set": native(func(api API, in *substate.Value) (*substate.Value, error) {
				flags := LockMutable
				if string(in.Payload) == "r" {
					flags = LockReadOnly
				}
				recv := api.Actor().Receiver
				if _, _, err := api.OpenSubstate(recv, substate.MainPartition, mainKey, flags, nil); err != nil {
					return nil, err
				}
				return api.CallMethod(recv, "set", substate.NewValue([]byte("nested")))
			}),
			"close_and_set": native(func(api API, in *substate.Value) (*substate.Value, error) {
				recv := api.Actor().Receiver
				h, _, err := api.OpenSubstate(recv, substate.MainPartition, mainKey, LockMutable, nil)
				if err != nil {
					return nil, err
				}
				if err := api.CloseSubstate(h); err != nil {
					return nil, err
				}
				return api.CallMethod(recv, "set", substate.NewValue([]byte("nested")))
			}),
			"counter": native(func(api API, in *substate.Value) (*substate.Value, error) {
				h, v, err := api.OpenSubstate(api.Actor().Receiver, substate.MainPartition, substate.FieldKey(5), LockMutable, substate.NewValue([]byte{0}))
				if err != nil {
					return nil, err
				}
				v.Payload[0]++
				if err := api.WriteSubstate(h, v); err != nil {
					return nil, err
				}
				if err := api.CloseSubstate(h); err != nil {
					return nil, err
				}
				return substate.NewValue(v.Payload), nil
			}),
			"peek_default": native(func(api API, in *substate.Value) (*substate.Value, error) {
				_, v, err := api.OpenSubstate(api.Actor().Receiver, substate.MainPartition, substate.FieldKey(6), LockReadOnly, substate.NewValue([]byte{7}))
				if err != nil {
					return nil, err
				}
				return substate.NewValue(v.Payload), nil
			}),
			"bad_default": native(func(api API, in *substate.Value) (*substate.Value, error) {
				def := &substate.Value{Owned: []substate.NodeID{substate.DeriveNodeID(substate.EntityTypeInternalObject, ids.Empty, 0)}}
				_, _, err := api.OpenSubstate(api.Actor().Receiver, substate.MainPartition, substate.FieldKey(6), LockReadOnly, def)
				return nil, err
			}),
			"unmodified": native(func(api API, in *substate.Value) (*substate.Value, error) {
				h, _, err := api.OpenSubstate(api.Actor().Receiver, substate.MainPartition, mainKey, LockUnmodifiedBase, nil)
				if err != nil {
					return nil, err
				}
				return nil, api.CloseSubstate(h)
			}),
			"write_type_info": native(func(api API, in *substate.Value) (*substate.Value, error) {
				_, _, err := api.OpenSubstate(api.Actor().Receiver, substate.TypeInfoPartition, substate.TypeInfoKey, LockMutable, nil)
				return nil, err
			}),
			"emit": native(func(api API, in *substate.Value) (*substate.Value, error) {
				return nil, api.EmitEvent("ping", in.Payload)
			}),
			"write_then_leak": native(func(api API, in *substate.Value) (*substate.Value, error) {
				recv := api.Actor().Receiver
				for i := uint8(0); i < 3; i++ {
					if err := api.SetSubstate(recv, substate.MainPartition, substate.FieldKey(10+i), substate.NewValue([]byte{i})); err != nil {
						return nil, err
					}
				}
				h, _, err := api.OpenSubstate(recv, substate.MainPartition, mainKey, LockMutable, nil)
				if err != nil {
					return nil, err
				}
				if err := api.WriteSubstate(h, substate.NewValue([]byte("dirty"))); err != nil {
					return nil, err
				}
				if err := api.CloseSubstate(h); err != nil {
					return nil, err
				}
				return api.CallFunction(thingBP, "leak", nil)
			}),
		},
		LazyLoad: &Export{Native: func(api API, in *substate.Value) (*substate.Value, error) {
			addr := api.Actor().Receiver
			subs, err := substate.NewObject(substate.TypeInfo{Blueprint: thingBP, Global: true}, substate.EmptyNodeID)
			if err != nil {
				return nil, err
			}
			subs.Set(substate.MainPartition, mainKey, substate.NewValue([]byte("lazy")))
			return nil, api.CreateNode(addr, subs)
		}},
	}
}

func newPeekerObject(api API) (substate.NodeID, error) {
	id, err := api.AllocateNodeID(substate.EntityTypeInternalObject)
	if err != nil {
		return substate.EmptyNodeID, err
	}
	subs, err := substate.NewObject(substate.TypeInfo{Blueprint: peekerBP}, substate.EmptyNodeID)
	if err != nil {
		return substate.EmptyNodeID, err
	}
	subs.Set(substate.MainPartition, mainKey, substate.NewValue(nil))
	return id, api.CreateNode(id, subs)
}

func peekerBlueprint() *Blueprint {
	return &Blueprint{
		Functions: map[string]Export{
			// stages a write claiming [victim] and then calls it
			"steal_by_write": native(func(api API, in *substate.Value) (*substate.Value, error) {
				victim, err := substate.ToNodeID(in.Payload)
				if err != nil {
					return nil, err
				}
				own, err := newPeekerObject(api)
				if err != nil {
					return nil, err
				}
				h, _, err := api.OpenSubstate(own, substate.MainPartition, mainKey, LockMutable, nil)
				if err != nil {
					return nil, err
				}
				if err := api.WriteSubstate(h, &substate.Value{Owned: []substate.NodeID{victim}}); err != nil {
					return nil, err
				}
				return api.CallMethod(victim, "get", nil)
			}),
			// opens a missing field with a default referencing [victim]
			"steal_by_default": native(func(api API, in *substate.Value) (*substate.Value, error) {
				victim, err := substate.ToNodeID(in.Payload)
				if err != nil {
					return nil, err
				}
				own, err := newPeekerObject(api)
				if err != nil {
					return nil, err
				}
				def := &substate.Value{Refs: []substate.NodeID{victim}}
				if _, _, err := api.OpenSubstate(own, substate.MainPartition, substate.FieldKey(9), LockReadOnly, def); err != nil {
					return nil, err
				}
				return api.CallMethod(victim, "get", nil)
			}),
			"peek": native(func(api API, in *substate.Value) (*substate.Value, error) {
				_, v, err := api.OpenSubstate(in.Refs[0], substate.MainPartition, mainKey, LockReadOnly, nil)
				if err != nil {
					return nil, err
				}
				return substate.NewValue(v.Payload), nil
			}),
			"peek_type": native(func(api API, in *substate.Value) (*substate.Value, error) {
				_, v, err := api.OpenSubstate(in.Refs[0], substate.TypeInfoPartition, substate.TypeInfoKey, LockReadOnly, nil)
				if err != nil {
					return nil, err
				}
				return substate.NewValue(v.Payload), nil
			}),
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&Package{
		Address:    testPkg,
		Blueprints: map[string]*Blueprint{"Thing": thingBlueprint()},
	}))
	require.NoError(t, reg.Register(&Package{
		Address:    otherPkg,
		Blueprints: map[string]*Blueprint{"Peeker": peekerBlueprint()},
	}))
	require.NoError(t, reg.RegisterVirtual(substate.EntityTypeGlobalVirtualAccount, thingBP))
	return reg
}

type testEnv struct {
	t      *testing.T
	db     *memdb.Database
	st     state.State
	reg    *Registry
	config Config
}

func newTestEnv(t *testing.T) *testEnv {
	db := memdb.New()
	return &testEnv{
		t:      t,
		db:     db,
		st:     state.NewState(db),
		reg:    newTestRegistry(t),
		config: DefaultConfig(),
	}
}

// dumpDB copies every raw key value pair of the backing database.
func (e *testEnv) dumpDB() map[string][]byte {
	it := e.db.NewIterator()
	defer it.Release()
	out := make(map[string][]byte)
	for it.Next() {
		out[string(it.Key())] = append([]byte(nil), it.Value()...)
	}
	require.NoError(e.t, it.Error())
	return out
}

// run executes [fn] as the root of one transaction and commits its diff if
// it succeeds.
func (e *testEnv) run(txID ids.ID, fn func(k *Kernel) error, modules ...Module) (*track.StateDiff, error) {
	tr := track.New(e.st, substate.CodecSerializer{})
	k := New(context.Background(), Options{
		Config:   e.config,
		Registry: e.reg,
		Track:    tr,
		TxID:     txID,
		Modules:  modules,
	})
	if err := fn(k); err != nil {
		return nil, err
	}
	if err := k.Finish(); err != nil {
		return nil, err
	}
	diff, err := tr.Finalize()
	if err != nil {
		return nil, err
	}
	if err := e.st.WriteBatch(diff); err != nil {
		return nil, err
	}
	return diff, e.st.Commit()
}

func (e *testEnv) newGlobal(payload string) substate.NodeID {
	var id substate.NodeID
	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		out, err := k.CallFunction(thingBP, "new_global", substate.NewValue([]byte(payload)))
		if err != nil {
			return err
		}
		id = out.Refs[0]
		return nil
	})
	require.NoError(e.t, err)
	return id
}

func (e *testEnv) get(id substate.NodeID) string {
	var payload []byte
	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		out, err := k.CallMethod(id, "get", nil)
		if err != nil {
			return err
		}
		payload = out.Payload
		return nil
	})
	require.NoError(e.t, err)
	return string(payload)
}

func call(receiver substate.NodeID, ident string, payload string) func(k *Kernel) error {
	return func(k *Kernel) error {
		_, err := k.CallMethod(receiver, ident, substate.NewValue([]byte(payload)))
		return err
	}
}

func TestCreateGlobalAndUpdate(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")
	assert.Equal(t, substate.EntityTypeGlobalComponent, id.EntityType())
	assert.Equal(t, "a", e.get(id))

	_, err := e.run(ids.GenerateTestID(), call(id, "set", "b"))
	require.NoError(t, err)
	assert.Equal(t, "b", e.get(id))
}

func TestNestedWriteWhileLocked(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")

	// a mutable lock held by the caller blocks the callee
	_, err := e.run(ids.GenerateTestID(), call(id, "hold_and_set", "w"))
	require.ErrorIs(t, err, ErrSubstateLocked)
	assert.Equal(t, CategoryStructural, CategoryOf(err))

	// so does a read lock
	_, err = e.run(ids.GenerateTestID(), call(id, "hold_and_set", "r"))
	require.ErrorIs(t, err, ErrSubstateLocked)
	assert.Equal(t, "a", e.get(id))

	_, err = e.run(ids.GenerateTestID(), call(id, "close_and_set", ""))
	require.NoError(t, err)
	assert.Equal(t, "nested", e.get(id))
}

func TestOrphanedNode(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "leak", nil)
		return err
	})
	require.ErrorIs(t, err, ErrOrphanedNode)
	assert.True(t, IsInvariant(err))

	// the root frame is held to the same rule
	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "new", nil)
		return err
	})
	require.ErrorIs(t, err, ErrOrphanedNode)
}

func TestNestedOrphanRollsBack(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")
	before := e.dumpDB()

	_, err := e.run(ids.GenerateTestID(), call(id, "write_then_leak", ""))
	require.ErrorIs(t, err, ErrOrphanedNode)
	assert.True(t, IsInvariant(err))

	assert.Equal(t, before, e.dumpDB())
	assert.Equal(t, "a", e.get(id))
	_, found, err := e.st.Read(id, substate.MainPartition, substate.FieldKey(10))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDropNode(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		out, err := k.CallFunction(thingBP, "new", substate.NewValue([]byte("x")))
		if err != nil {
			return err
		}
		require.Len(t, k.RootOwned(), 1)
		assert.True(t, k.Owner(out.Owned[0]).IsFrame(0))
		if _, err := k.CallFunction(thingBP, "destroy", out); err != nil {
			return err
		}
		assert.Empty(t, k.RootOwned())
		assert.Zero(t, k.Heap().Len())
		return nil
	})
	require.NoError(t, err)
}

func TestMoveToStoreOrder(t *testing.T) {
	e := newTestEnv(t)
	txID := ids.GenerateTestID()
	diff, err := e.run(txID, func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "new_tree", nil)
		return err
	})
	require.NoError(t, err)

	g := substate.DeriveNodeID(substate.EntityTypeInternalObject, txID, 0)
	c := substate.DeriveNodeID(substate.EntityTypeInternalObject, txID, 1)
	p := substate.DeriveNodeID(substate.EntityTypeGlobalComponent, txID, 2)
	assert.Equal(t, []substate.NodeID{g, c, p}, diff.Touched())
	assert.Equal(t, "p", e.get(p))
}

func TestMaxCallDepth(t *testing.T) {
	e := newTestEnv(t)
	e.config.MaxCallDepth = 4
	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "recurse", nil)
		return err
	})
	require.ErrorIs(t, err, ErrMaxCallDepthExceeded)
	assert.Equal(t, CategoryStructural, CategoryOf(err))
}

func TestLazyLoad(t *testing.T) {
	e := newTestEnv(t)
	addr := substate.VirtualAccountAddress([]byte("alice"))

	diff, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		out, err := k.CallMethod(addr, "get", nil)
		if err != nil {
			return err
		}
		assert.Equal(t, "lazy", string(out.Payload))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []substate.NodeID{addr}, diff.Touched())

	// second use finds the stored node
	_, err = e.run(ids.GenerateTestID(), call(addr, "set", "loaded"))
	require.NoError(t, err)
	assert.Equal(t, "loaded", e.get(addr))
}

func TestInvalidLazyLoad(t *testing.T) {
	e := newTestEnv(t)
	e.reg = NewRegistry()
	require.NoError(t, e.reg.Register(&Package{
		Address: testPkg,
		Blueprints: map[string]*Blueprint{"Thing": {
			LazyLoad: &Export{Native: func(api API, in *substate.Value) (*substate.Value, error) { return nil, nil }},
		}},
	}))
	require.NoError(t, e.reg.RegisterVirtual(substate.EntityTypeGlobalVirtualAccount, thingBP))

	_, err := e.run(ids.GenerateTestID(), call(substate.VirtualAccountAddress([]byte("bob")), "get", ""))
	require.ErrorIs(t, err, ErrInvalidLazyLoad)
}

func TestMoveBorrowedNode(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		out, err := k.CallFunction(thingBP, "new", nil)
		if err != nil {
			return err
		}
		id := out.Owned[0]
		_, err = k.CallFunction(thingBP, "echo", &substate.Value{Owned: []substate.NodeID{id}, Refs: []substate.NodeID{id}})
		return err
	})
	require.ErrorIs(t, err, ErrNodeBorrowed)
}

func TestMoveLockedNode(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		out, err := k.CallFunction(thingBP, "new", nil)
		if err != nil {
			return err
		}
		_, err = k.CallFunction(thingBP, "lock_and_move", out)
		return err
	})
	require.ErrorIs(t, err, ErrNodeLocked)
}

func TestVisibility(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")

	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "call_unseen", substate.NewValue(id.Bytes()))
		return err
	})
	require.ErrorIs(t, err, ErrNodeNotVisible)

	missing := substate.WellKnownNodeID(substate.EntityTypeGlobalComponent, "missing")
	_, err = e.run(ids.GenerateTestID(), call(missing, "get", ""))
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestStagedValuesGrantNoVisibility(t *testing.T) {
	e := newTestEnv(t)
	txID := ids.GenerateTestID()
	_, err := e.run(txID, func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "new_tree", nil)
		return err
	})
	require.NoError(t, err)
	victim := substate.DeriveNodeID(substate.EntityTypeInternalObject, txID, 1)
	before := e.dumpDB()

	// claiming a node in a staged write is a move the frame cannot make
	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(peekerBP, "steal_by_write", substate.NewValue(victim.Bytes()))
		return err
	})
	require.ErrorIs(t, err, ErrInvalidMove)
	assert.Equal(t, CategoryStructural, CategoryOf(err))

	// a default value cannot name a node the frame cannot already see
	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(peekerBP, "steal_by_default", substate.NewValue(victim.Bytes()))
		return err
	})
	require.ErrorIs(t, err, ErrNodeNotVisible)

	assert.Equal(t, before, e.dumpDB())
}

func TestFailedSetReleasesLock(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")
	k := New(context.Background(), Options{
		Registry: e.reg,
		Track:    track.New(e.st, substate.CodecSerializer{}),
		TxID:     ids.GenerateTestID(),
	})
	loc := substate.Location{Node: id, Partition: substate.MainPartition, Key: substate.FieldKey(3)}
	stray := substate.DeriveNodeID(substate.EntityTypeInternalObject, ids.Empty, 0)

	err := k.io.set(0, loc, &substate.Value{Owned: []substate.NodeID{stray}})
	require.ErrorIs(t, err, ErrInvalidMove)
	assert.Zero(t, k.locks.len())
	assert.False(t, k.locks.isSubstateLocked(loc))

	require.NoError(t, k.io.set(0, loc, substate.NewValue([]byte("ok"))))
	assert.Zero(t, k.locks.len())
}

func TestEncapsulation(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("secret")
	args := &substate.Value{Refs: []substate.NodeID{id}}

	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(peekerBP, "peek", args)
		return err
	})
	require.ErrorIs(t, err, ErrEncapsulation)

	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		out, err := k.CallFunction(peekerBP, "peek_type", args)
		if err != nil {
			return err
		}
		info, err := substate.ParseTypeInfo(out)
		if err != nil {
			return err
		}
		assert.Equal(t, thingBP, info.Blueprint)
		assert.True(t, info.Global)
		return nil
	})
	require.NoError(t, err)

	_, err = e.run(ids.GenerateTestID(), call(id, "write_type_info", ""))
	require.ErrorIs(t, err, ErrNoWritePermission)

	// the root itself may not open component substates
	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, _, err := k.OpenSubstate(id, substate.MainPartition, mainKey, LockReadOnly, nil)
		return err
	})
	require.ErrorIs(t, err, ErrEncapsulation)
}

func TestUnmodifiedBase(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")

	_, err := e.run(ids.GenerateTestID(), call(id, "unmodified", ""))
	require.NoError(t, err)

	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		if _, err := k.CallMethod(id, "set", substate.NewValue([]byte("b"))); err != nil {
			return err
		}
		_, err := k.CallMethod(id, "unmodified", nil)
		return err
	})
	require.ErrorIs(t, err, ErrLockUnmodifiedBaseViolation)

	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "unmodified_heap", nil)
		return err
	})
	require.ErrorIs(t, err, ErrLockUnmodifiedBaseOnHeapNode)
}

func TestDefaultValues(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")

	for i := byte(1); i <= 2; i++ {
		_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
			out, err := k.CallMethod(id, "counter", nil)
			if err != nil {
				return err
			}
			assert.Equal(t, []byte{i}, out.Payload)
			return nil
		})
		require.NoError(t, err)
	}

	// an unwritten default never reaches the store
	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		out, err := k.CallMethod(id, "peek_default", nil)
		if err != nil {
			return err
		}
		assert.Equal(t, []byte{7}, out.Payload)
		return nil
	})
	require.NoError(t, err)
	_, found, err := e.st.Read(id, substate.MainPartition, substate.FieldKey(6))
	require.NoError(t, err)
	assert.False(t, found)

	_, err = e.run(ids.GenerateTestID(), call(id, "bad_default", ""))
	require.ErrorIs(t, err, ErrInvalidDefaultValue)
}

func TestGuestFailures(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "panic", nil)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, CategoryGuest, CategoryOf(err))
	assert.Contains(t, err.Error(), "boom")

	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "fail", nil)
		return err
	})
	var guestErr *GuestError
	require.True(t, errors.As(err, &guestErr))
	assert.Equal(t, "fail", guestErr.Export)

	_, err = e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, err := k.CallFunction(thingBP, "missing", nil)
		return err
	})
	require.ErrorIs(t, err, ErrExportNotFound)
}

func TestFailedKernelStaysFailed(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")

	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		_, first := k.CallFunction(thingBP, "leak", nil)
		require.ErrorIs(t, first, ErrOrphanedNode)

		_, second := k.CallMethod(id, "get", nil)
		assert.Equal(t, first, second)
		assert.Equal(t, first, k.Err())
		assert.Equal(t, first, k.Finish())
		return second
	})
	require.ErrorIs(t, err, ErrOrphanedNode)
}

func TestCancelledContext(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	k := New(ctx, Options{
		Registry: e.reg,
		Track:    track.New(e.st, substate.CodecSerializer{}),
		TxID:     ids.GenerateTestID(),
	})
	_, err := k.CallFunction(thingBP, "new_global", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CategoryResourceLimit, CategoryOf(err))
}

type recorder struct {
	invoked []string
	events  []Event
	deny    string
	depths  []int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) BeforeInvoke(v View, callee Actor, args *substate.Value) error {
	if callee.Ident == r.deny {
		return fmt.Errorf("%w: %s", ErrUnauthorized, callee)
	}
	r.invoked = append(r.invoked, callee.Ident)
	r.depths = append(r.depths, v.Depth())
	return nil
}

func (r *recorder) OnEmitEvent(v View, event Event) error {
	r.events = append(r.events, event)
	return nil
}

func TestModuleHooks(t *testing.T) {
	e := newTestEnv(t)
	id := e.newGlobal("a")

	rec := &recorder{deny: "set"}
	_, err := e.run(ids.GenerateTestID(), func(k *Kernel) error {
		if _, err := k.CallMethod(id, "emit", substate.NewValue([]byte("hi"))); err != nil {
			return err
		}
		_, err := k.CallMethod(id, "close_and_set", nil)
		return err
	}, rec)
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, CategoryAuthorization, CategoryOf(err))
	assert.Equal(t, []string{"emit", "close_and_set"}, rec.invoked)
	assert.Equal(t, []int{0, 0}, rec.depths)

	require.Len(t, rec.events, 1)
	assert.Equal(t, id, rec.events[0].Emitter)
	assert.Equal(t, thingBP, rec.events[0].Source)
	assert.Equal(t, "ping", rec.events[0].Name)
	assert.Equal(t, []byte("hi"), rec.events[0].Payload)
}

func TestAuthZone(t *testing.T) {
	e := newTestEnv(t)
	signer := substate.SignatureBadge([]byte("alice"))
	k := New(context.Background(), Options{
		Registry: e.reg,
		Track:    track.New(e.st, substate.CodecSerializer{}),
		TxID:     ids.GenerateTestID(),
		Signers:  []substate.NodeID{signer},
	})
	zone, err := k.view().AuthZone()
	require.NoError(t, err)
	assert.Equal(t, []substate.NodeID{signer}, zone)
	assert.Equal(t, 0, k.Depth())
	assert.Equal(t, ActorRoot, k.Actor().Kind)
}
