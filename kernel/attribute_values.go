package kernel

// getAttrValue copies out an attribute's current value. The ACL engine
// has already validated the access; this switch is only the
// per-attribute storage lookup.
func getAttrValue(k *Kernel, obj *object, id AttrID) (any, error) {
	switch id {
	case AttrLabel:
		return []byte(obj.label), nil
	case AttrOwner:
		return obj.owner, nil
	case AttrLocked:
		return boolInt(obj.locked), nil
	case AttrUsageCount:
		if obj.usage == nil {
			return int64(-1), nil
		}
		return int64(*obj.usage), nil
	case AttrErrorLocus:
		return int64(obj.lastErr.locus), nil
	case AttrErrorType:
		return int64(obj.lastErr.status), nil
	case AttrPermEncrypt, AttrPermDecrypt, AttrPermSign, AttrPermVerify, AttrPermKeyAgree:
		return int64(obj.perms[permAttrAction(id)]), nil
	}

	switch p := obj.payload.(type) {
	case *contextPayload:
		return getContextAttr(obj, p, id)
	case *certificatePayload:
		return getCertAttr(p, id)
	case *keysetPayload:
		return getKeysetAttr(p, id)
	case *devicePayload:
		return getDeviceAttr(obj, p, id)
	case *sessionPayload:
		return getSessionAttr(p, id)
	}
	return nil, errNotFound(LocusAttribute, "attribute has no value on this object")
}

func getContextAttr(obj *object, p *contextPayload, id AttrID) (any, error) {
	switch id {
	case AttrAlgo:
		return int64(p.algo), nil
	case AttrMode:
		if p.conv == nil {
			return nil, errNotFound(LocusMode, "not a conventional context")
		}
		return int64(p.conv.mode), nil
	case AttrKeySize:
		if p.keySize > 0 {
			return int64(p.keySize), nil
		}
		return int64(p.desc.info.DefaultKeySize), nil
	case AttrKey:
		// Internal-read-only: the keyset add path is the sole consumer.
		if p.conv != nil {
			return append([]byte(nil), p.conv.key...), nil
		}
		if p.mac != nil {
			return append([]byte(nil), p.mac.key...), nil
		}
		return nil, errNotFound(LocusKey, "context carries no raw key")
	case AttrIV:
		if p.conv == nil || len(p.conv.iv) == 0 {
			return nil, errNotFound(LocusIV, "no IV set")
		}
		return append([]byte(nil), p.conv.iv...), nil
	case AttrForwardCount:
		if p.pkc == nil {
			return nil, errNotFound(LocusAttribute, "not a PKC context")
		}
		return int64(p.pkc.forwardCount), nil
	case AttrSideChannelProtection:
		if p.pkc == nil {
			return nil, errNotFound(LocusAttribute, "not a PKC context")
		}
		return boolInt(p.pkc.sideChannel), nil
	case AttrKeyAgreePublicValue:
		if p.pkc == nil || p.pkc.kaKeyPair == nil {
			return nil, errNotFound(LocusKey, "no key-agreement key present")
		}
		kp, ok := p.pkc.kaKeyPair.(*ecdhKeyPair)
		if !ok {
			return nil, errNotFound(LocusKey, "no key-agreement key present")
		}
		return kp.priv.PublicKey().Bytes(), nil
	case AttrAsyncStatus:
		if p.pkc == nil {
			return nil, errNotFound(LocusAttribute, "not a PKC context")
		}
		return int64(asyncStatus(p)), nil
	}
	return nil, errNotFound(LocusAttribute, "attribute has no value on this context")
}

// applyAttrValue is the default mutator for attributes without a
// trigger: store the validated value in the right payload slot.
func applyAttrValue(obj *object, id AttrID, value any) error {
	switch id {
	case AttrLabel:
		b, _ := asBytes(value)
		obj.label = string(b)
		return nil
	case AttrUsageCount:
		v, _ := toInt64(value)
		n := int(v)
		obj.usage = &n
		return nil
	case AttrPermEncrypt, AttrPermDecrypt, AttrPermSign, AttrPermVerify, AttrPermKeyAgree:
		v, _ := toInt64(value)
		return obj.perms.narrow(permAttrAction(id), Permission(v))
	}

	switch p := obj.payload.(type) {
	case *contextPayload:
		return applyContextAttr(p, id, value)
	case *certificatePayload:
		return applyCertAttr(p, id, value)
	case *keysetPayload:
		return applyKeysetAttr(p, id, value)
	case *sessionPayload:
		return applySessionAttr(p, id, value)
	}
	return errNotFound(LocusAttribute, "attribute cannot be stored on this object")
}

func applyContextAttr(p *contextPayload, id AttrID, value any) error {
	switch id {
	case AttrKeySize:
		v, _ := toInt64(value)
		if int(v) < p.desc.info.MinKeySize || int(v) > p.desc.info.MaxKeySize {
			return errArgument(LocusKeysize, "key size out of range for algorithm")
		}
		p.keySize = int(v)
		return nil
	case AttrForwardCount:
		if p.pkc == nil {
			return errArgument(LocusAttribute, "not a PKC context")
		}
		v, _ := toInt64(value)
		p.pkc.forwardCount = int(v)
		return nil
	case AttrSideChannelProtection:
		if p.pkc == nil {
			return errArgument(LocusAttribute, "not a PKC context")
		}
		v, _ := toInt64(value)
		p.pkc.sideChannel = v != 0
		return nil
	case AttrKeyAgreePublicValue:
		if p.pkc == nil || p.desc.keyAgree == nil {
			return errArgument(LocusKey, "not a key-agreement context")
		}
		peer, _ := asBytes(value)
		secret, err := p.desc.keyAgree.Agree(p.pkc.kaKeyPair, peer)
		if err != nil {
			return err
		}
		p.pkc.agreeSecret = secret
		return nil
	}
	return errNotFound(LocusAttribute, "attribute cannot be stored on this context")
}

// deleteAttrValue clears a deletable attribute. Most attributes are not
// deletable (the ACL engine rejects them first); the ones that are reset
// to their unset state.
func deleteAttrValue(obj *object, id AttrID) error {
	switch id {
	case AttrUsageCount:
		obj.usage = nil
		return nil
	case AttrLabel:
		obj.label = ""
		return nil
	case AttrDevicePIN:
		// Deleting the PIN attribute is the logout operation.
		if p, ok := obj.payload.(*devicePayload); ok {
			p.logout()
			return nil
		}
	}
	if p, ok := obj.payload.(*certificatePayload); ok {
		return deleteCertAttr(p, id)
	}
	return errNotFound(LocusAttribute, "attribute is not deletable on this object")
}

func permAttrAction(id AttrID) Action {
	switch id {
	case AttrPermEncrypt:
		return ActionEncrypt
	case AttrPermDecrypt:
		return ActionDecrypt
	case AttrPermSign:
		return ActionSign
	case AttrPermVerify:
		return ActionVerify
	default:
		return ActionKeyAgree
	}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
