package kernel

import (
	"sort"
	"sync"
)

// table is the kernel's handle→record registry (one per Kernel): a single map
// keyed by randomised integer handle, carrying lifecycle state (ref
// count, ACL flags, busy/locked) per entry rather than just a lookup.
type table struct {
	mu      sync.RWMutex
	pool    *handlePool
	objects map[Handle]*object
	order   []Handle // creation order, oldest first

	nextCreationOrder uint64
}

func newTable() *table {
	return &table{
		pool:    newHandlePool(),
		objects: make(map[Handle]*object),
	}
}

// create allocates a record, assigns a fresh handle, and inserts it under
// the table lock. The handle 0 is reserved for the
// system device and is the only caller-supplied handle this method
// accepts; all others are assigned from the randomised pool.
func (t *table) create(typ ObjectType, subtype Subtype, owner Handle, asSystemDevice bool) *object {
	t.mu.Lock()
	defer t.mu.Unlock()

	var h Handle
	if asSystemDevice {
		h = SystemDeviceHandle
	} else {
		h = t.pool.allocate()
	}

	t.nextCreationOrder++
	obj := &object{
		handle:        h,
		typ:           typ,
		subtype:       subtype,
		owner:         owner,
		creationOrder: t.nextCreationOrder,
		refCount:      1,
		state:         StateLow,
		perms:         newActionPerms(),
	}
	// The record is returned pinned, exactly as acquire would return
	// it, so the caller can finish initialising payload and handler
	// before anyone else can observe the handle.
	obj.mu.Lock()
	t.objects[h] = obj
	t.order = append(t.order, h)
	return obj
}

// acquire pins a record against concurrent destruction and returns it.
// Callers must call release when done. It fails with StatusArgumentValue
// if the handle is not in the table, and with StatusPermissionDenied if the
// object has been signalled for destruction.
func (t *table) acquire(h Handle) (*object, error) {
	t.mu.RLock()
	obj, ok := t.objects[h]
	t.mu.RUnlock()
	if !ok {
		return nil, errArgument(LocusHandle, "no such object")
	}
	obj.mu.Lock()
	if obj.signal {
		obj.mu.Unlock()
		return nil, errPermission(LocusHandle, "object is being destroyed")
	}
	return obj, nil
}

// release drops the pin acquired by acquire. It is always paired with a
// preceding acquire on the same object.
func (t *table) release(obj *object) {
	obj.mu.Unlock()
}

// remove deletes a handle from the table entirely, recycling it back to
// the pool. It must only be called once an object's ref count has
// reached zero and its destructor has run.
func (t *table) remove(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, h)
	for i, oh := range t.order {
		if oh == h {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if h != SystemDeviceHandle {
		t.pool.release(h)
	}
}

// handlesByType returns the live handles of the given type, sorted by
// handle value, without pinning them: one filtered walk over the table, so
// callers get typed views instead of type-switching by hand.
func (t *table) handlesByType(typ ObjectType) []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Handle
	for _, h := range t.order {
		obj := t.objects[h]
		obj.mu.Lock()
		match := obj.typ == typ
		obj.mu.Unlock()
		if match {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// contexts, certificates, keysets, envelopes, sessions, devices, and
// users are the typed accessors over the table.
func (t *table) contexts() []Handle     { return t.handlesByType(ObjectTypeContext) }
func (t *table) certificates() []Handle { return t.handlesByType(ObjectTypeCertificate) }
func (t *table) keysets() []Handle      { return t.handlesByType(ObjectTypeKeyset) }
func (t *table) envelopes() []Handle    { return t.handlesByType(ObjectTypeEnvelope) }
func (t *table) sessions() []Handle     { return t.handlesByType(ObjectTypeSession) }
func (t *table) devices() []Handle      { return t.handlesByType(ObjectTypeDevice) }
func (t *table) users() []Handle        { return t.handlesByType(ObjectTypeUser) }

// reverseCreationOrder returns every live handle, most-recently-created
// first, for the shutdown destroy pass.
func (t *table) reverseCreationOrder() []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Handle, len(t.order))
	for i, h := range t.order {
		out[len(out)-1-i] = h
	}
	return out
}

func (t *table) count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}
