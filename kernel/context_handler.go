package kernel

// contextMessageHandler is the type-specific handler for context records.
// It runs with the record pinned; the only nested accesses it
// makes are to strictly older objects (the hosting device), which keeps
// lock acquisition ordered young-to-old and deadlock-free.
func contextMessageHandler(k *Kernel, obj *object, msg *message) (any, error) {
	cp, ok := obj.payload.(*contextPayload)
	if !ok {
		return nil, errArgument(LocusHandle, "object has no context payload")
	}

	switch msg.typ {
	case MsgCtxGenKey:
		async, _ := msg.value.(bool)
		if cp.pkc != nil {
			bits := 0
			if cp.keySize > 0 {
				bits = cp.keySize * 8
			}
			return nil, generatePKCKey(obj, cp, bits, async && cp.desc.signer != nil)
		}
		dev, err := k.hostingDevice(obj)
		if err != nil {
			return nil, err
		}
		defer k.table.release(dev)
		return nil, generateContextKey(k, dev, obj)

	case MsgCtxGenIV:
		if cp.conv == nil {
			return nil, errArgument(LocusIV, "not a conventional context")
		}
		dev, err := k.hostingDevice(obj)
		if err != nil {
			return nil, err
		}
		iv := make([]byte, cp.desc.info.BlockSize)
		err = deviceRandom(dev, iv)
		k.table.release(dev)
		if err != nil {
			return nil, err
		}
		cp.conv.iv = iv
		if obj.state == StateHigh && len(cp.conv.key) > 0 {
			if err := installCipherState(cp); err != nil {
				return nil, err
			}
		}
		return append([]byte(nil), iv...), nil

	case MsgCtxEncrypt:
		if err := checkActionAllowed(obj, ActionEncrypt, msg.internal); err != nil {
			return nil, err
		}
		buf, ok := asBytes(msg.data)
		if !ok {
			return nil, errArgument(LocusAttribute, "encrypt requires a buffer")
		}
		return nil, ctxEncrypt(obj, buf)

	case MsgCtxDecrypt:
		if err := checkActionAllowed(obj, ActionDecrypt, msg.internal); err != nil {
			return nil, err
		}
		buf, ok := asBytes(msg.data)
		if !ok {
			return nil, errArgument(LocusAttribute, "decrypt requires a buffer")
		}
		return nil, ctxDecrypt(obj, buf)

	case MsgCtxSign:
		if err := checkActionAllowed(obj, ActionSign, msg.internal); err != nil {
			return nil, err
		}
		digest, ok := asBytes(msg.data)
		if !ok {
			return nil, errArgument(LocusAttribute, "sign requires a digest")
		}
		return ctxSign(obj, digest)

	case MsgCtxSigCheck:
		if err := checkActionAllowed(obj, ActionVerify, msg.internal); err != nil {
			return nil, err
		}
		digest, ok := asBytes(msg.value)
		sig, ok2 := asBytes(msg.data)
		if !ok || !ok2 {
			return nil, errArgument(LocusAttribute, "signature check requires digest and signature")
		}
		return nil, ctxSigCheck(obj, digest, sig)

	case MsgCtxHash:
		final, _ := msg.value.(bool)
		data, _ := asBytes(msg.data)
		if cp.mac != nil {
			if final {
				return ctxMACFinal(obj)
			}
			return nil, ctxMACUpdate(obj, data)
		}
		return ctxHash(obj, data, final)

	case MsgCtxAsyncAbort:
		if cp.pkc == nil {
			return nil, errArgument(LocusHandle, "not a PKC context")
		}
		abortAsyncKeyGen(cp)
		return nil, nil
	}
	return nil, errNotAvailable(LocusHandle, "message not handled by context")
}

// checkActionAllowed enforces the action-permission matrix: none is
// a permanent denial, internal-only rejects external callers.
func checkActionAllowed(obj *object, action Action, internal bool) error {
	switch obj.perms[action] {
	case PermitNone:
		return errPermission(LocusAttribute, "action permanently denied")
	case PermitInternalOnly:
		if !internal {
			return errPermission(LocusAttribute, "action is internal-only")
		}
	}
	return nil
}

// hostingDevice pins the device this context was created by, found via
// the dependency list.
func (k *Kernel) hostingDevice(obj *object) (*object, error) {
	for _, h := range obj.dependents {
		dep, err := k.table.acquire(h)
		if err != nil {
			continue
		}
		if dep.typ == ObjectTypeDevice {
			return dep, nil
		}
		k.table.release(dep)
	}
	return nil, errNotFound(LocusDevice, "context has no hosting device")
}
