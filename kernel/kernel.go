// (c) 2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package kernel

import (
	"context"
	"fmt"

	"github.com/ava-labs/avalanchego/ids"
	log "github.com/inconshreveable/log15"

	"github.com/ava-labs/kernelvm/substate"
	"github.com/ava-labs/kernelvm/track"
)

var _ API = &Kernel{}

// Options configure the kernel of one transaction.
type Options struct {
	Config   Config
	Registry *Registry
	Track    *track.Track
	TxID     ids.ID
	// Signers are the signature badges proven by the transaction. They sit in
	// the auth zone of the root frame.
	Signers []substate.NodeID
	Modules []Module
	Log     log.Logger
}

// Kernel drives the invocations of one transaction. It owns the heap, the
// lock table, the ownership arena and the call frame stack; none of them
// outlive the transaction.
type Kernel struct {
	ctx      context.Context
	config   Config
	txID     ids.ID
	registry *Registry
	hooks    *hooks
	log      log.Logger

	heap   *Heap
	track  *track.Track
	locks  *lockTable
	owners *ownership
	io     *substateIO

	frames    []*CallFrame
	nextFrame uint32
	// borrow counts of non-global nodes passed by reference to callees
	borrows map[substate.NodeID]int
	// parents of stored nodes, learned when their parent substate is opened
	ancestors map[substate.NodeID]substate.NodeID
	allocated map[substate.NodeID]struct{}
	idCounter uint32
	instances map[substate.NodeID]GuestInstance

	failed   error
	finished bool
}

// New returns a kernel with an executing root frame.
func New(ctx context.Context, opts Options) *Kernel {
	if opts.Log == nil {
		opts.Log = log.New("module", "kernel")
	}
	k := &Kernel{
		ctx:       ctx,
		config:    opts.Config.WithDefaults(),
		txID:      opts.TxID,
		registry:  opts.Registry,
		hooks:     newHooks(opts.Modules),
		log:       opts.Log,
		heap:      NewHeap(),
		track:     opts.Track,
		locks:     newLockTable(),
		owners:    newOwnership(),
		borrows:   make(map[substate.NodeID]int),
		ancestors: make(map[substate.NodeID]substate.NodeID),
		allocated: make(map[substate.NodeID]struct{}),
		instances: make(map[substate.NodeID]GuestInstance),
	}
	k.io = &substateIO{
		heap:    k.heap,
		track:   k.track,
		locks:   k.locks,
		owners:  k.owners,
		movable: k.movable,
		onAccess: func(a track.StoreAccess) error {
			return k.hooks.onStoreAccess(k.view(), a)
		},
	}

	root := newCallFrame(k.nextFrame, 0, RootActor())
	k.nextFrame++
	root.authZone = append(root.authZone, opts.Signers...)
	root.state = FrameExecuting
	k.frames = append(k.frames, root)
	return k
}

func (k *Kernel) current() *CallFrame { return k.frames[len(k.frames)-1] }

func (k *Kernel) view() View { return kernelView{k: k} }

// fail records the first fatal error. Every later call returns it.
func (k *Kernel) fail(err error) error {
	if err == nil {
		return nil
	}
	if k.failed == nil {
		k.failed = err
		k.log.Debug("transaction failed", "tx", k.txID, "depth", k.current().depth, "err", err)
	}
	return k.failed
}

func (k *Kernel) guard() error {
	if k.failed != nil {
		return k.failed
	}
	if k.finished {
		return fmt.Errorf("%w: transaction finished", ErrFrameState)
	}
	return nil
}

// Err returns the error that failed the transaction, if any.
func (k *Kernel) Err() error { return k.failed }

func (k *Kernel) Context() context.Context { return k.ctx }
func (k *Kernel) TxID() ids.ID             { return k.txID }
func (k *Kernel) Actor() Actor             { return k.current().actor }
func (k *Kernel) Depth() int               { return k.current().depth }

// Owner reports the current owner of a node. Nodes the transaction never
// touched report OwnerNone.
func (k *Kernel) Owner(id substate.NodeID) Owner { return k.owners.owner(id) }

// Heap exposes the transaction heap for inspection.
func (k *Kernel) Heap() *Heap { return k.heap }

// OpenLocks is the number of locks currently held across all frames.
func (k *Kernel) OpenLocks() int { return k.locks.len() }

func (k *Kernel) movable(id substate.NodeID) error {
	if k.locks.isNodeLocked(id) {
		return fmt.Errorf("%w: %s", ErrNodeLocked, id)
	}
	if k.borrows[id] > 0 {
		return fmt.Errorf("%w: %s", ErrNodeBorrowed, id)
	}
	return nil
}

// tempRef reports whether an open lock of [f] read a value that owns or
// references [id].
func (k *Kernel) tempRef(f *CallFrame, id substate.NodeID) bool {
	for _, e := range k.locks.locks {
		if e.frame != f.id {
			continue
		}
		if _, ok := e.visible[id]; ok {
			return true
		}
	}
	return false
}

// checkVisible fails unless [f] may address [id].
func (k *Kernel) checkVisible(f *CallFrame, id substate.NodeID) error {
	switch {
	case id.IsEmpty():
	case k.owners.owner(id).IsFrame(f.id),
		f.hasRef(id),
		id == f.actor.Receiver && !id.IsEmpty(),
		id.EntityType() == substate.EntityTypeGlobalPackage,
		k.tempRef(f, id):
		return nil
	case f.depth == 0 && id.IsGlobal():
		// the root may address any global node that exists, and any virtual
		// one, which is created on first use
		if id.IsVirtual() {
			return nil
		}
		exists, err := k.io.nodeExists(id)
		if err != nil {
			return err
		}
		if exists {
			f.addRef(id)
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return fmt.Errorf("%w: %s by %s", ErrNodeNotVisible, id, f.actor)
}

// checkAccess enforces that only the package owning a node touches its
// substates. Type info is readable by anyone; key value stores are open to
// whoever can see them.
func (k *Kernel) checkAccess(f *CallFrame, node substate.NodeID, partition substate.PartitionNumber, mutable bool) error {
	if partition == substate.TypeInfoPartition {
		if mutable {
			return fmt.Errorf("%w: type info of %s", ErrNoWritePermission, node)
		}
		return nil
	}
	if node.EntityType() == substate.EntityTypeInternalKeyValueStore {
		return nil
	}
	info, err := k.io.typeInfo(node)
	if err != nil {
		return err
	}
	if f.actor.Kind == ActorRoot || info.Blueprint.Package != f.actor.Package() {
		return fmt.Errorf("%w: %s belongs to %s", ErrEncapsulation, node, info.Blueprint)
	}
	return nil
}

func (k *Kernel) globalAncestor(id substate.NodeID) substate.NodeID {
	for {
		if id.IsGlobal() {
			return id
		}
		if parent, ok := k.owners.parent(id); ok {
			id = parent
			continue
		}
		if parent, ok := k.ancestors[id]; ok {
			id = parent
			continue
		}
		return substate.EmptyNodeID
	}
}

func (k *Kernel) learnAncestors(node substate.NodeID, v *substate.Value) {
	for _, child := range v.Owned {
		k.ancestors[child] = node
	}
}

func (k *Kernel) AllocateNodeID(entity substate.EntityType) (substate.NodeID, error) {
	if err := k.guard(); err != nil {
		return substate.EmptyNodeID, err
	}
	f := k.current()
	if f.actor.Kind == ActorRoot || !entity.Valid() || entity.IsBadge() || entity.IsVirtual() {
		return substate.EmptyNodeID, k.fail(fmt.Errorf("%w: %s by %s", ErrCannotCreateNode, entity, f.actor))
	}
	id := substate.DeriveNodeID(entity, k.txID, k.idCounter)
	k.idCounter++
	k.allocated[id] = struct{}{}
	return id, nil
}

func (k *Kernel) CreateNode(id substate.NodeID, substates substate.NodeSubstates) error {
	if err := k.guard(); err != nil {
		return err
	}
	return k.fail(k.createNode(k.current(), id, substates))
}

func (k *Kernel) createNode(f *CallFrame, id substate.NodeID, substates substate.NodeSubstates) error {
	if f.actor.Kind == ActorRoot {
		return fmt.Errorf("%w: root cannot create nodes", ErrCannotCreateNode)
	}
	_, allocated := k.allocated[id]
	lazy := f.actor.Kind == ActorVirtualLazyLoad && f.actor.Receiver == id
	if !allocated && !lazy {
		return fmt.Errorf("%w: %s", ErrInvalidNodeID, id)
	}
	pkg, err := k.registry.Package(f.actor.Package())
	if err != nil {
		return err
	}
	if !lazy && !pkg.canCreate(id.EntityType()) {
		return fmt.Errorf("%w: %s may not create %s", ErrCannotCreateNode, pkg.Address, id.EntityType())
	}
	if err := substates.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	tv, ok := substates.Get(substate.TypeInfoPartition, substate.TypeInfoKey)
	if !ok {
		return fmt.Errorf("%w: %s has no type info", ErrInvalidTypeInfo, id)
	}
	info, err := substate.ParseTypeInfo(tv)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTypeInfo, err)
	}
	if info.Blueprint.Package != f.actor.Package() {
		return fmt.Errorf("%w: %s creating %s", ErrEncapsulation, f.actor, info.Blueprint)
	}
	if info.Global != id.IsGlobal() {
		return fmt.Errorf("%w: global flag of %s", ErrInvalidTypeInfo, id)
	}

	children := substates.Owned()
	for _, child := range children {
		if !k.owners.owner(child).IsFrame(f.id) {
			return fmt.Errorf("%w: %s is not owned by %s", ErrInvalidMove, child, f.actor)
		}
		if err := k.movable(child); err != nil {
			return err
		}
	}
	for _, ref := range substates.Refs() {
		if ref == id {
			continue
		}
		if err := k.checkVisible(f, ref); err != nil {
			return err
		}
	}

	copied := substate.NodeSubstates{}
	size := 0
	for _, p := range substates.Partitions() {
		for _, e := range substates.Entries(p) {
			copied.Set(p, e.Key, e.Value.Clone())
			size += valueSize(e.Value)
		}
	}
	if err := k.heap.CreateNode(id, copied); err != nil {
		return err
	}
	if err := k.owners.allocate(id, FrameOwner(f.id)); err != nil {
		return err
	}
	for _, child := range children {
		if err := k.owners.transfer(child, FrameOwner(f.id), NodeOwner(id)); err != nil {
			return err
		}
	}
	delete(k.allocated, id)
	if err := k.hooks.onCreateNode(k.view(), id, size); err != nil {
		return err
	}

	if id.IsGlobal() {
		if err := k.io.promote(id); err != nil {
			return err
		}
		f.addRef(id)
	}
	return nil
}

func (k *Kernel) DropNode(id substate.NodeID) (substate.NodeSubstates, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	f := k.current()
	if id.EntityType() != substate.EntityTypeInternalKeyValueStore {
		info, err := k.io.typeInfo(id)
		if err != nil {
			return nil, k.fail(err)
		}
		if info.Blueprint.Package != f.actor.Package() {
			return nil, k.fail(fmt.Errorf("%w: %s dropping %s", ErrEncapsulation, f.actor, id))
		}
	}
	subs, err := k.dropNode(f, id)
	return subs, k.fail(err)
}

func (k *Kernel) dropNode(f *CallFrame, id substate.NodeID) (substate.NodeSubstates, error) {
	if !k.owners.owner(id).IsFrame(f.id) {
		return nil, fmt.Errorf("%w: %s is not owned by %s", ErrInvalidMove, id, f.actor)
	}
	if !k.heap.Contains(id) {
		return nil, fmt.Errorf("%w: %s is not on the heap", ErrCannotDropNode, id)
	}
	if err := k.movable(id); err != nil {
		return nil, err
	}
	subs, err := k.heap.RemoveNode(id)
	if err != nil {
		return nil, err
	}
	if err := k.owners.release(id, FrameOwner(f.id)); err != nil {
		return nil, err
	}
	for _, child := range subs.Owned() {
		if err := k.owners.transfer(child, NodeOwner(id), FrameOwner(f.id)); err != nil {
			return nil, err
		}
	}
	if err := k.hooks.onDropNode(k.view(), id); err != nil {
		return nil, err
	}
	return subs, nil
}

func (k *Kernel) OpenSubstate(
	node substate.NodeID,
	partition substate.PartitionNumber,
	key substate.SubstateKey,
	flags LockFlags,
	def *substate.Value,
) (LockHandle, *substate.Value, error) {
	if err := k.guard(); err != nil {
		return 0, nil, err
	}
	h, v, err := k.openSubstate(k.current(), substate.Location{Node: node, Partition: partition, Key: key}, flags, def)
	return h, v, k.fail(err)
}

func (k *Kernel) openSubstate(f *CallFrame, loc substate.Location, flags LockFlags, def *substate.Value) (LockHandle, *substate.Value, error) {
	if err := k.checkVisible(f, loc.Node); err != nil {
		return 0, nil, err
	}
	if err := k.checkAccess(f, loc.Node, loc.Partition, flags.Contains(LockMutable)); err != nil {
		return 0, nil, err
	}
	if def != nil {
		for _, ref := range def.Refs {
			if err := k.checkVisible(f, ref); err != nil {
				return 0, nil, err
			}
		}
	}
	if err := k.hooks.beforeLockSubstate(k.view(), loc, flags); err != nil {
		return 0, nil, err
	}
	h, v, err := k.io.open(f.id, loc, flags, def)
	if err != nil {
		return 0, nil, err
	}
	k.learnAncestors(loc.Node, v)
	// global references read from a substate stay usable by the frame
	for _, ref := range v.Refs {
		if ref.IsGlobal() {
			f.addRef(ref)
		}
	}
	if err := k.hooks.afterLockSubstate(k.view(), h, loc, valueSize(v)); err != nil {
		return 0, nil, err
	}
	return h, v, nil
}

func (k *Kernel) ReadSubstate(h LockHandle) (*substate.Value, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	v, err := k.io.readLocked(k.current().id, h)
	if err != nil {
		return nil, k.fail(err)
	}
	if err := k.hooks.onReadSubstate(k.view(), h, valueSize(v)); err != nil {
		return nil, k.fail(err)
	}
	return v, nil
}

func (k *Kernel) WriteSubstate(h LockHandle, v *substate.Value) error {
	if err := k.guard(); err != nil {
		return err
	}
	return k.fail(k.writeSubstate(k.current(), h, v))
}

func (k *Kernel) writeSubstate(f *CallFrame, h LockHandle, v *substate.Value) error {
	if v == nil {
		return fmt.Errorf("%w: nil value", ErrInvalidValue)
	}
	for _, ref := range v.Refs {
		if err := k.checkVisible(f, ref); err != nil {
			return err
		}
	}
	if err := k.hooks.onWriteSubstate(k.view(), h, valueSize(v)); err != nil {
		return err
	}
	return k.io.write(f.id, h, v)
}

func (k *Kernel) CloseSubstate(h LockHandle) error {
	if err := k.guard(); err != nil {
		return err
	}
	return k.fail(k.closeSubstate(k.current(), h))
}

func (k *Kernel) closeSubstate(f *CallFrame, h LockHandle) error {
	if err := k.io.close(f.id, h); err != nil {
		return err
	}
	return k.hooks.onCloseSubstate(k.view(), h)
}

func (k *Kernel) LockInfo(h LockHandle) (LockInfo, error) {
	if err := k.guard(); err != nil {
		return LockInfo{}, err
	}
	e, err := k.io.entry(k.current().id, h)
	if err != nil {
		return LockInfo{}, k.fail(err)
	}
	return LockInfo{Location: e.location, Flags: e.flags, Device: e.device}, nil
}

func (k *Kernel) SetSubstate(node substate.NodeID, partition substate.PartitionNumber, key substate.SubstateKey, v *substate.Value) error {
	if err := k.guard(); err != nil {
		return err
	}
	f := k.current()
	loc := substate.Location{Node: node, Partition: partition, Key: key}
	return k.fail(k.setSubstate(f, loc, v))
}

func (k *Kernel) setSubstate(f *CallFrame, loc substate.Location, v *substate.Value) error {
	if err := k.checkVisible(f, loc.Node); err != nil {
		return err
	}
	if err := k.checkAccess(f, loc.Node, loc.Partition, true); err != nil {
		return err
	}
	if v == nil {
		return fmt.Errorf("%w: nil value", ErrInvalidValue)
	}
	for _, ref := range v.Refs {
		if err := k.checkVisible(f, ref); err != nil {
			return err
		}
	}
	if err := k.hooks.beforeLockSubstate(k.view(), loc, LockMutable); err != nil {
		return err
	}
	if err := k.hooks.onWriteSubstate(k.view(), 0, valueSize(v)); err != nil {
		return err
	}
	return k.io.set(f.id, loc, v)
}

func (k *Kernel) RemoveSubstate(node substate.NodeID, partition substate.PartitionNumber, key substate.SubstateKey) (*substate.Value, bool, error) {
	if err := k.guard(); err != nil {
		return nil, false, err
	}
	f := k.current()
	if err := k.checkVisible(f, node); err != nil {
		return nil, false, k.fail(err)
	}
	if err := k.checkAccess(f, node, partition, true); err != nil {
		return nil, false, k.fail(err)
	}
	v, ok, err := k.io.remove(f.id, substate.Location{Node: node, Partition: partition, Key: key})
	return v, ok, k.fail(err)
}

func (k *Kernel) ScanKeys(node substate.NodeID, partition substate.PartitionNumber, limit int) ([]substate.SubstateKey, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	f := k.current()
	if err := k.checkVisible(f, node); err != nil {
		return nil, k.fail(err)
	}
	if err := k.checkAccess(f, node, partition, false); err != nil {
		return nil, k.fail(err)
	}
	keys, err := k.io.scan(node, partition, limit)
	return keys, k.fail(err)
}

func (k *Kernel) EmitEvent(name string, payload []byte) error {
	if err := k.guard(); err != nil {
		return err
	}
	a := k.current().actor
	emitter := a.GlobalAddress
	if emitter.IsEmpty() {
		emitter = a.Receiver
	}
	event := Event{
		Emitter: emitter,
		Source:  a.Blueprint,
		Name:    name,
		Payload: append([]byte(nil), payload...),
	}
	return k.fail(k.hooks.onEmitEvent(k.view(), event))
}

func (k *Kernel) CallMethod(receiver substate.NodeID, ident string, args *substate.Value) (*substate.Value, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	out, err := k.callMethod(receiver, ident, args)
	return out, k.fail(err)
}

func (k *Kernel) callMethod(receiver substate.NodeID, ident string, args *substate.Value) (*substate.Value, error) {
	f := k.current()
	if err := k.checkVisible(f, receiver); err != nil {
		return nil, err
	}
	exists, err := k.io.nodeExists(receiver)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !receiver.IsVirtual() {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, receiver)
		}
		if err := k.lazyLoad(receiver); err != nil {
			return nil, err
		}
	}
	info, err := k.io.typeInfo(receiver)
	if err != nil {
		return nil, err
	}
	actor := MethodActor(info.Blueprint, ident, receiver, k.globalAncestor(receiver))
	return k.invoke(actor, args)
}

func (k *Kernel) CallFunction(bp substate.BlueprintID, ident string, args *substate.Value) (*substate.Value, error) {
	if err := k.guard(); err != nil {
		return nil, err
	}
	out, err := k.invoke(FunctionActor(bp, ident), args)
	return out, k.fail(err)
}

func (k *Kernel) lazyLoad(address substate.NodeID) error {
	bp, err := k.registry.virtualBlueprint(address.EntityType())
	if err != nil {
		return err
	}
	out, err := k.invoke(LazyLoadActor(bp, address), &substate.Value{Payload: address.Bytes()})
	if err != nil {
		return err
	}
	if len(out.Owned) > 0 {
		return fmt.Errorf("%w: %s returned nodes", ErrInvalidLazyLoad, address)
	}
	exists, err := k.io.nodeExists(address)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrInvalidLazyLoad, address)
	}
	k.log.Debug("lazy loaded virtual node", "node", address, "blueprint", bp)
	return nil
}

func (k *Kernel) borrow(f *CallFrame, id substate.NodeID) {
	k.borrows[id]++
	f.borrowed = append(f.borrowed, id)
}

func (k *Kernel) releaseBorrows(f *CallFrame) {
	for _, id := range f.borrowed {
		if k.borrows[id]--; k.borrows[id] <= 0 {
			delete(k.borrows, id)
		}
	}
	f.borrowed = nil
}

// invoke runs [actor] in a new frame: enter, execute, exit.
func (k *Kernel) invoke(actor Actor, args *substate.Value) (*substate.Value, error) {
	if err := k.ctx.Err(); err != nil {
		return nil, err
	}
	caller := k.current()
	depth := caller.depth + 1
	if depth > k.config.MaxCallDepth {
		return nil, fmt.Errorf("%w: %d > %d calling %s", ErrMaxCallDepthExceeded, depth, k.config.MaxCallDepth, actor)
	}
	if args == nil {
		args = &substate.Value{}
	}
	if err := args.Validate(); err != nil {
		return nil, fmt.Errorf("%w: args of %s: %v", ErrInvalidValue, actor, err)
	}
	for _, id := range args.Owned {
		if !k.owners.owner(id).IsFrame(caller.id) {
			return nil, fmt.Errorf("%w: %s is not owned by %s", ErrInvalidMove, id, caller.actor)
		}
	}
	for _, ref := range args.Refs {
		if err := k.checkVisible(caller, ref); err != nil {
			return nil, err
		}
	}
	pkg, export, err := k.registry.resolve(actor)
	if err != nil {
		return nil, err
	}
	if err := k.hooks.beforeInvoke(k.view(), actor, args); err != nil {
		return nil, err
	}

	// Entering
	callee := newCallFrame(k.nextFrame, depth, actor)
	k.nextFrame++
	if err := k.hooks.beforePushFrame(k.view(), actor, args); err != nil {
		return nil, err
	}
	if actor.Kind == ActorMethod && !actor.Receiver.IsGlobal() {
		k.borrow(callee, actor.Receiver)
	}
	for _, ref := range args.Refs {
		callee.addRef(ref)
		if !ref.IsGlobal() {
			k.borrow(callee, ref)
		}
	}
	for _, id := range args.Owned {
		if err := k.movable(id); err != nil {
			return nil, err
		}
		if err := k.owners.transfer(id, FrameOwner(caller.id), FrameOwner(callee.id)); err != nil {
			return nil, err
		}
	}
	k.frames = append(k.frames, callee)
	k.log.Debug("pushed frame", "actor", actor, "depth", depth)

	// Executing
	if err := callee.transition(FrameExecuting); err != nil {
		return nil, err
	}
	if err := k.hooks.onExecutionStart(k.view()); err != nil {
		return nil, err
	}
	output, err := k.run(pkg, export, actor, args)
	if err != nil {
		return nil, err
	}
	if output == nil {
		output = &substate.Value{}
	}
	if err := k.hooks.onExecutionFinish(k.view(), output); err != nil {
		return nil, err
	}

	// Exiting
	if err := callee.transition(FrameExiting); err != nil {
		return nil, err
	}
	if err := k.exitFrame(callee, caller, output); err != nil {
		return nil, err
	}

	// Closed
	k.frames = k.frames[:len(k.frames)-1]
	if err := callee.transition(FrameClosed); err != nil {
		return nil, err
	}
	k.owners.forgetFrame(callee.id)
	if err := k.hooks.afterPopFrame(k.view(), actor); err != nil {
		return nil, err
	}
	return output, nil
}

// exitFrame closes what the callee left open and hands its output to the
// caller. Anything else the callee still owns is an orphan.
func (k *Kernel) exitFrame(callee, caller *CallFrame, output *substate.Value) error {
	for _, h := range k.locks.frameLocks(callee.id) {
		if err := k.closeSubstate(callee, h); err != nil {
			return err
		}
	}
	if err := output.Validate(); err != nil {
		return fmt.Errorf("%w: output of %s: %v", ErrInvalidValue, callee.actor, err)
	}
	for _, ref := range output.Refs {
		if !ref.IsGlobal() {
			return fmt.Errorf("%w: %s returned %s", ErrNonGlobalRefNotAllowed, callee.actor, ref)
		}
		if err := k.checkVisible(callee, ref); err != nil {
			return err
		}
	}
	k.releaseBorrows(callee)
	for _, id := range output.Owned {
		if err := k.movable(id); err != nil {
			return err
		}
		if err := k.owners.transfer(id, FrameOwner(callee.id), FrameOwner(caller.id)); err != nil {
			return err
		}
	}
	for _, ref := range output.Refs {
		caller.addRef(ref)
	}
	return k.dropLeftovers(callee)
}

// dropLeftovers drops auto-drop nodes still owned by [f] and fails on any
// other node.
func (k *Kernel) dropLeftovers(f *CallFrame) error {
	for {
		owned := k.owners.owned(f.id)
		if len(owned) == 0 {
			return nil
		}
		dropped := false
		for _, id := range owned {
			if !id.EntityType().IsAutoDrop() {
				continue
			}
			if _, err := k.dropNode(f, id); err != nil {
				return err
			}
			dropped = true
		}
		if !dropped {
			return fmt.Errorf("%w: %s left by %s", ErrOrphanedNode, owned[0], f.actor)
		}
	}
}

// run executes the callee's code, recovering panics into guest errors.
func (k *Kernel) run(pkg *Package, export Export, actor Actor, args *substate.Value) (output *substate.Value, err error) {
	name := actor.Ident
	if actor.Kind == ActorVirtualLazyLoad {
		name = "lazy_load"
	}
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = &GuestError{Export: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if export.Native != nil {
		output, err = export.Native(k, args.Clone())
	} else {
		output, err = k.runGuest(pkg, export.Guest, args)
	}
	if err != nil {
		// a failed host call already recorded the real cause
		if k.failed != nil {
			return nil, k.failed
		}
		if CategoryOf(err) == CategoryUnknown || export.Native == nil {
			err = &GuestError{Export: name, Err: err}
		}
		return nil, err
	}
	return output, nil
}

func (k *Kernel) runGuest(pkg *Package, export string, args *substate.Value) (*substate.Value, error) {
	inst, ok := k.instances[pkg.Address]
	if !ok {
		var err error
		inst, err = pkg.Engine.Instantiate(pkg.Code)
		if err != nil {
			return nil, err
		}
		k.instances[pkg.Address] = inst
	}
	input, err := substate.EncodeValue(args)
	if err != nil {
		return nil, err
	}
	raw, err := inst.Call(k.ctx, k, export, input)
	if err != nil {
		return nil, err
	}
	return substate.DecodeValue(raw)
}

// Finish closes the root frame. It fails if the root still owns nodes that
// are not auto-dropped.
func (k *Kernel) Finish() error {
	if err := k.guard(); err != nil {
		return err
	}
	if len(k.frames) != 1 {
		return k.fail(fmt.Errorf("%w: %d frames still open", ErrFrameState, len(k.frames)))
	}
	root := k.frames[0]
	if err := root.transition(FrameExiting); err != nil {
		return k.fail(err)
	}
	for _, h := range k.locks.frameLocks(root.id) {
		if err := k.closeSubstate(root, h); err != nil {
			return k.fail(err)
		}
	}
	if err := k.dropLeftovers(root); err != nil {
		return k.fail(err)
	}
	if err := root.transition(FrameClosed); err != nil {
		return k.fail(err)
	}
	k.finished = true
	return nil
}

// RootOwned returns the nodes the root frame owns, in acquisition order.
func (k *Kernel) RootOwned() []substate.NodeID { return k.owners.owned(k.frames[0].id) }
