package kernel

import (
	"context"
	"time"
)

// lockPollInterval paces the context-aware acquire loop. The per-object
// lock is only ever held for the duration of a single dispatch step, so
// a short poll is enough.
const lockPollInterval = 100 * time.Microsecond

// sendMessage is the single synchronous entry point every operation
// passes through. It returns the handler's result value plus a
// status error; sendNotifier is the status-only variant.
func (k *Kernel) sendMessage(ctx context.Context, msg *message) (any, error) {
	result, err := k.dispatch(ctx, msg)
	k.recordDispatch(msg, err)
	return result, err
}

func (k *Kernel) sendNotifier(ctx context.Context, msg *message) error {
	_, err := k.sendMessage(ctx, msg)
	return err
}

// sendInternal wraps the dispatcher with the internal flag set.
// It is unexported, so external callers cannot reach elevated privilege
// by any means; the flag is carried through nested dispatches unchanged.
func (k *Kernel) sendInternal(ctx context.Context, target Handle, typ MessageType, value, data any) (any, error) {
	return k.sendMessage(ctx, &message{target: target, typ: typ, value: value, data: data, internal: true})
}

// dispatch implements the message processing sequence: handle
// validation, busy check, message ACL, state requirement, pre-dispatch
// parameter check, handler, post-dispatch.
func (k *Kernel) dispatch(ctx context.Context, msg *message) (any, error) {
	if err := k.checkLive(msg); err != nil {
		return nil, err
	}

	acl, ok := messageACLTable[msg.typ]
	if !ok {
		return nil, errArgument(LocusNone, "unknown message type")
	}
	if acl.internalOnly && !msg.internal {
		return nil, errPermission(LocusNone, "message is kernel-internal")
	}

	// Step 1-2: validate the handle and pin the record.
	obj, err := k.table.acquireWait(ctx, msg.target)
	if err != nil {
		return nil, err
	}

	// Step 3: busy objects accept only pure queries.
	if obj.busy && !acl.query {
		k.table.release(obj)
		return nil, errTimeout(LocusHandle)
	}

	// Step 4: message ACL.
	if !acl.appliesTo(obj.typ, obj.subtype) {
		k.table.release(obj)
		return nil, newErr(StatusArgumentObject, LocusHandle, "message does not apply to this object type")
	}
	switch acl.state {
	case stateNeedLow:
		if obj.state != StateLow {
			k.table.release(obj)
			return nil, errPermission(LocusHandle, "object is already in high state")
		}
	case stateNeedHigh:
		if obj.state != StateHigh {
			k.table.release(obj)
			return nil, errNotInitialised(LocusHandle)
		}
	}
	if acl.pre != nil {
		if err := acl.pre(k, msg); err != nil {
			obj.setError(LocusAttribute, StatusOf(err), err.Error())
			k.table.release(obj)
			return nil, err
		}
	}

	// Steps 5-7.
	var result any
	if acl.suspend {
		// Dispatching with release: the record is unpinned
		// before the handler runs so the handler can nest messages
		// back into the dispatcher — this is how the system device
		// creates contexts without self-deadlock. Control exits after
		// the handler returns, so there is no re-acquisition.
		k.table.release(obj)
		result, err = k.route(ctx, obj, msg)
		if err != nil {
			k.noteError(msg.target, err)
		}
	} else {
		result, err = k.route(ctx, obj, msg)
		if err != nil {
			obj.setError(LocusAttribute, StatusOf(err), err.Error())
		}
		k.table.release(obj)
	}
	if err != nil {
		return nil, err
	}

	if acl.post != nil {
		if err := acl.post(k, msg, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// route hands a message to the dispatcher's own generic handler or to
// the object's installed type-specific handler.
func (k *Kernel) route(ctx context.Context, obj *object, msg *message) (any, error) {
	switch msg.typ {
	case MsgGetAttr, MsgGetAttrString:
		return k.handleGetAttr(obj, msg)
	case MsgSetAttr, MsgSetAttrString:
		return nil, k.handleSetAttr(obj, msg)
	case MsgDeleteAttr:
		return nil, k.handleDeleteAttr(obj, msg)
	case MsgCompare:
		return nil, handleCompare(obj, msg)
	case MsgCheck:
		return nil, handleCheck(obj, msg)
	case MsgDestroy, MsgDecRef:
		return nil, k.decRefLocked(ctx, obj, msg)
	case MsgIncRef:
		obj.refCount++
		return nil, nil
	case MsgGetDependent:
		return handleGetDependent(k, obj, msg)
	case MsgSetDependent:
		return nil, handleSetDependent(k, obj, msg)
	}
	if obj.handler == nil {
		return nil, errNotAvailable(LocusHandle, "object has no message handler")
	}
	return obj.handler(k, obj, msg)
}

// checkLive rejects messages while the kernel is down or past the
// messages-closed shutdown level. Destroy messages stay legal one
// level longer so the shutdown sweep itself can run.
func (k *Kernel) checkLive(msg *message) error {
	if !k.isInitialised() {
		return errNotInitialised(LocusNone)
	}
	level := k.shutdownLevel()
	if level >= shutdownMessagesClosed {
		return errPermission(LocusNone, "kernel is shutting down")
	}
	if level >= shutdownThreadsExiting && msg.typ != MsgDestroy && !msg.internal {
		return errPermission(LocusNone, "kernel is shutting down")
	}
	return nil
}

// noteError records a failure on an object that was dispatched with
// release; best-effort, since the object may already be gone.
func (k *Kernel) noteError(h Handle, err error) {
	obj, aerr := k.table.acquire(h)
	if aerr != nil {
		return
	}
	obj.setError(LocusAttribute, StatusOf(err), err.Error())
	k.table.release(obj)
}

// --- generic handlers ------------------------------------------------------

func (k *Kernel) handleGetAttr(obj *object, msg *message) (any, error) {
	id, ok := msg.value.(AttrID)
	if !ok {
		return nil, errArgument(LocusAttribute, "expected an attribute id")
	}
	if _, err := checkAttribute(obj, id, opGet, nil, msg.internal); err != nil {
		return nil, err
	}
	return getAttrValue(k, obj, id)
}

func (k *Kernel) handleSetAttr(obj *object, msg *message) error {
	id, ok := msg.value.(AttrID)
	if !ok {
		return errArgument(LocusAttribute, "expected an attribute id")
	}
	desc, err := checkAttribute(obj, id, opSet, msg.data, msg.internal)
	if err != nil {
		return err
	}
	if desc.trigger != nil {
		// The trigger is the mutator for attributes whose set has
		// side effects beyond storing a value.
		return desc.trigger(k, obj, msg.data)
	}
	return applyAttrValue(obj, id, msg.data)
}

func (k *Kernel) handleDeleteAttr(obj *object, msg *message) error {
	id, ok := msg.value.(AttrID)
	if !ok {
		return errArgument(LocusAttribute, "expected an attribute id")
	}
	if _, err := checkAttribute(obj, id, opDelete, nil, msg.internal); err != nil {
		return err
	}
	return deleteAttrValue(obj, id)
}

// handleCompare compares caller-supplied bytes against the object's
// identifying value: a hash context's finalised digest, or any other
// object's label.
func handleCompare(obj *object, msg *message) error {
	expected, ok := asBytes(msg.data)
	if !ok {
		return errArgument(LocusAttribute, "compare requires an octet string")
	}
	var actual []byte
	if cp, ok := obj.payload.(*contextPayload); ok && cp.hash != nil && cp.hash.digest != nil {
		actual = cp.hash.digest
	} else {
		actual = []byte(obj.label)
	}
	if len(actual) != len(expected) {
		return newErr(StatusSignature, LocusAttribute, "comparison value mismatch")
	}
	var diff byte
	for i := range actual {
		diff |= actual[i] ^ expected[i]
	}
	if diff != 0 {
		return newErr(StatusSignature, LocusAttribute, "comparison value mismatch")
	}
	return nil
}

// handleCheck reports whether the object could perform the given action,
// without consuming usage count.
func handleCheck(obj *object, msg *message) error {
	v, ok := toInt64(msg.value)
	if !ok || v < 0 || v >= int64(actionCount) {
		return errArgument(LocusAttribute, "check requires an action")
	}
	action := Action(v)
	if obj.perms[action] == PermitNone {
		return errPermission(LocusAttribute, "action permanently denied")
	}
	if obj.perms[action] == PermitInternalOnly && !msg.internal {
		return errPermission(LocusAttribute, "action is internal-only")
	}
	if obj.usage != nil && *obj.usage <= 0 {
		return errPermission(LocusUsageCount, "usage count exhausted")
	}
	if obj.typ == ObjectTypeContext && obj.state != StateHigh {
		return errNotInitialised(LocusKey)
	}
	return nil
}

func handleGetDependent(k *Kernel, obj *object, msg *message) (any, error) {
	v, ok := toInt64(msg.value)
	if !ok {
		return nil, errArgument(LocusAttribute, "get-dependent requires an object type")
	}
	want := ObjectType(v)
	for _, h := range obj.dependents {
		dep, err := k.table.acquire(h)
		if err != nil {
			continue
		}
		match := dep.typ == want
		k.table.release(dep)
		if match {
			return h, nil
		}
	}
	return nil, errNotFound(LocusHandle, "no dependent object of that type")
}

func handleSetDependent(k *Kernel, obj *object, msg *message) error {
	h, ok := msg.data.(Handle)
	if !ok {
		return errArgument(LocusHandle, "set-dependent requires a target handle")
	}
	target, err := k.table.acquire(h)
	if err != nil {
		return err
	}
	defer k.table.release(target)
	return addDependency(obj, target)
}

// decRefLocked implements destroy/dec-ref: decrement the reference
// count; at zero run the full teardown. Called with obj.mu held; always leaves it released-by-
// caller (the dispatcher's non-suspend path releases after we return).
func (k *Kernel) decRefLocked(ctx context.Context, obj *object, msg *message) error {
	if obj.handle == SystemDeviceHandle && !msg.internal {
		// The system device outlives every other object; only the shutdown sweep may destroy it.
		return errPermission(LocusHandle, "the system device cannot be destroyed externally")
	}
	obj.refCount--
	if obj.refCount > 0 {
		return nil
	}

	// Destroy phase: the signal flag makes every in-flight lookup fail
	// from here on. Any mechanism key references this object published
	// die with it, before the key material itself is zeroised.
	obj.signal = true
	k.dropKeyRefs(obj.handle)
	deps := append([]Handle(nil), obj.dependents...)
	obj.dependents = nil
	destroyPayload(obj)
	h := obj.handle
	typ := obj.typ

	// Each dependency target is dec-ref'd through a fresh dispatch so
	// ACL and ref-count checks apply uniformly. Dependency edges only
	// run from younger objects to older ones, so acquiring the
	// targets while this record is still pinned cannot deadlock.
	// Teardown must complete even if the caller's context has expired,
	// so the nested dec-refs run unbounded.
	for _, dep := range deps {
		_, _ = k.sendInternal(context.Background(), dep, MsgDecRef, nil, nil)
	}

	k.table.remove(h)
	k.recordObjectDestroyed(typ)
	return nil
}

// destroyPayload is the type-specific destructor: zeroise sensitive
// bytes before the record is recycled.
func destroyPayload(obj *object) {
	switch p := obj.payload.(type) {
	case *contextPayload:
		if p.conv != nil {
			zeroise(p.conv.key)
			zeroise(p.conv.iv)
			p.conv.encState = blockOrStream{}
			p.conv.decState = blockOrStream{}
		}
		if p.mac != nil {
			zeroise(p.mac.key)
			p.mac.state = nil
		}
		if p.hash != nil {
			zeroise(p.hash.digest)
			p.hash.state = nil
		}
		if p.pkc != nil {
			if kp, ok := p.pkc.keyPair.(*rsaKeyPair); ok {
				kp.destroy()
			}
			p.pkc.keyPair = nil
			p.pkc.kaKeyPair = nil
			zeroise(p.pkc.agreeSecret)
		}
	case *keysetPayload:
		for _, e := range p.entries {
			zeroise(e.key)
		}
		p.entries = nil
	case *envelopePayload:
		zeroise(p.masterKey)
	case *devicePayload:
		if p.rng != nil {
			zeroise(p.rng.pool)
		}
		zeroise(p.pinHash)
	case *certificatePayload:
		zeroise(p.signature)
	case *userPayload:
		for _, m := range p.queue {
			zeroise(m)
		}
		p.queue = nil
	}
	obj.payload = nil
}

func zeroise(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// acquireWait is acquire with a context-bounded wait for the per-object
// lock. The deadline governs only how long
// the caller waits for the lock; once dispatch has begun it runs to
// completion. A cancelled wait surfaces as timeout, identical to the
// busy-object case.
func (t *table) acquireWait(ctx context.Context, h Handle) (*object, error) {
	t.mu.RLock()
	obj, ok := t.objects[h]
	t.mu.RUnlock()
	if !ok {
		return nil, errArgument(LocusHandle, "no such object")
	}
	for {
		if obj.mu.TryLock() {
			if obj.signal {
				obj.mu.Unlock()
				return nil, errPermission(LocusHandle, "object is being destroyed")
			}
			return obj, nil
		}
		select {
		case <-ctx.Done():
			return nil, errTimeout(LocusHandle)
		case <-time.After(lockPollInterval):
		}
	}
}
