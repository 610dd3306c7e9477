package kernel

// attributeTable is the static, compile-time attribute ACL. It is built once in init() below and never
// mutated afterward.
var attributeTable map[AttrID]*attrDescriptor

func init() {
	ctxTypes := []ObjectType{ObjectTypeContext}
	certTypes := []ObjectType{ObjectTypeCertificate}
	pkcOnly := SubtypeContextPKC

	descs := []*attrDescriptor{
		{
			// The algorithm is fixed at creation time; only readable.
			id: AttrAlgo, category: catNumeric,
			numRanges:   []numRange{{int64(AlgoAES), int64(AlgoECDHP384)}},
			objectTypes: ctxTypes,
			readLow:     true, readHigh: true,
		},
		{
			id: AttrMode, category: catNumeric,
			numRanges:   []numRange{{int64(ModeNone), int64(ModeOFB)}},
			objectTypes: ctxTypes, subtypes: SubtypeContextConventional,
			readLow: true, readHigh: true, writeLow: true,
			trigger: triggerSetMode,
		},
		{
			id: AttrKeySize, category: catNumeric,
			numRanges:   []numRange{{1, 512}},
			objectTypes: ctxTypes,
			readLow:     true, readHigh: true, writeLow: true,
		},
		{
			id: AttrKey, category: catString,
			minLen: 1, maxLen: 512,
			objectTypes:      ctxTypes,
			writeLow:         true,
			internalGet:      true,
			hiddenWhenLocked: true,
			trigger:          triggerLoadKey,
		},
		{
			id: AttrIV, category: catString,
			minLen: 1, maxLen: CryptMaxIVSize,
			objectTypes: ctxTypes, subtypes: SubtypeContextConventional,
			readLow: true, readHigh: true, writeLow: true, writeHigh: true,
			trigger: triggerSetIV,
		},
		{
			id: AttrLabel, category: catString,
			minLen: 0, maxLen: 64,
			objectTypes: []ObjectType{ObjectTypeContext, ObjectTypeKeyset, ObjectTypeDevice, ObjectTypeCertificate},
			readLow:     true, readHigh: true, writeLow: true, writeHigh: true, canDelete: true,
		},
		{
			id: AttrUsageCount, category: catNumeric,
			numRanges:   []numRange{{0, 1 << 30}},
			objectTypes: ctxTypes,
			readLow:     true, readHigh: true, writeLow: true, writeHigh: true, canDelete: true,
		},
		{
			id: AttrLocked, category: catBoolean,
			numRanges:   []numRange{{0, 1}},
			objectTypes: []ObjectType{ObjectTypeContext, ObjectTypeCertificate},
			readLow:     true, readHigh: true,
		},
		{
			id: AttrForwardCount, category: catNumeric,
			numRanges:   []numRange{{0, 1 << 16}},
			objectTypes: ctxTypes, subtypes: pkcOnly,
			readLow: true, readHigh: true, writeLow: true,
			hiddenWhenLocked: true,
		},
		{
			id: AttrHighSecurity, category: catBoolean,
			numRanges:   []numRange{{0, 1}},
			objectTypes: ctxTypes, subtypes: pkcOnly,
			writeLow:    true, writeHigh: true,
			trigger: triggerHighSecurity,
		},
		{
			id: AttrSideChannelProtection, category: catBoolean,
			numRanges:   []numRange{{0, 1}},
			objectTypes: ctxTypes, subtypes: pkcOnly,
			readLow:     true, readHigh: true, writeLow: true,
		},
		{
			id: AttrKeyAgreePublicValue, category: catString,
			minLen: 1, maxLen: 4096,
			objectTypes: ctxTypes, subtypes: pkcOnly,
			readHigh:    true, writeHigh: true,
		},
		{
			id: AttrAsyncStatus, category: catNumeric,
			numRanges:   []numRange{{int64(AsyncNone), int64(AsyncFailed)}},
			objectTypes: ctxTypes, subtypes: pkcOnly,
			readLow:     true, readHigh: true,
		},
		{
			id: AttrCertSubjectLabel, category: catString,
			minLen: 1, maxLen: 64,
			objectTypes: certTypes,
			readLow:     true, readHigh: true, writeLow: true,
		},
		{
			id: AttrCertValidFrom, category: catTime,
			numRanges:   []numRange{{0, 1 << 62}},
			objectTypes: certTypes,
			readLow:     true, readHigh: true, writeLow: true, canDelete: true,
		},
		{
			id: AttrCertValidTo, category: catTime,
			numRanges:   []numRange{{0, 1 << 62}},
			objectTypes: certTypes,
			readLow:     true, readHigh: true, writeLow: true, canDelete: true,
		},
		{
			id: AttrCertSelfSigned, category: catBoolean,
			numRanges:   []numRange{{0, 1}},
			objectTypes: certTypes,
			readLow:     true, readHigh: true,
		},
		{
			id: AttrCertIssuer, category: catHandle,
			numRanges:   []numRange{{0, 1<<31 - 1}},
			objectTypes: certTypes,
			readLow:     true, readHigh: true, writeLow: true,
		},
		{
			id: AttrKeysetCursor, category: catNumeric,
			// Composite range: negative cursor codes union a positive
			// entry-index band.
			numRanges:   []numRange{{CursorLast, CursorFirst}, {1, 4096}},
			objectTypes: []ObjectType{ObjectTypeKeyset},
			readLow:     true, readHigh: true, writeLow: true, writeHigh: true,
		},
		{
			id: AttrSessionReadTimeout, category: catNumeric,
			numRanges:   []numRange{{0, 86400}},
			objectTypes: []ObjectType{ObjectTypeSession},
			readLow:     true, readHigh: true, writeLow: true, writeHigh: true,
		},
		{
			id: AttrSessionWriteTimeout, category: catNumeric,
			numRanges:   []numRange{{0, 86400}},
			objectTypes: []ObjectType{ObjectTypeSession},
			readLow:     true, readHigh: true, writeLow: true, writeHigh: true,
		},
		{
			id: AttrDevicePIN, category: catString,
			minLen: 4, maxLen: 32,
			objectTypes:  []ObjectType{ObjectTypeDevice},
			writeLow:     true, writeHigh: true, canDelete: true,
			internalOnly: true,
			trigger:      triggerDeviceLogin,
		},
		{
			id: AttrOwner, category: catHandle,
			numRanges:   []numRange{{0, 1<<31 - 1}},
			objectTypes: []ObjectType{ObjectTypeContext, ObjectTypeCertificate, ObjectTypeKeyset, ObjectTypeEnvelope, ObjectTypeSession, ObjectTypeDevice},
			readLow:     true, readHigh: true,
		},
		{
			id: AttrErrorLocus, category: catNumeric,
			numRanges:   []numRange{{0, int64(LocusMechanism)}},
			objectTypes: anyObject,
			readLow:     true, readHigh: true,
		},
		{
			id: AttrErrorType, category: catNumeric,
			numRanges:   []numRange{{0, int64(StatusInited)}},
			objectTypes: anyObject,
			readLow:     true, readHigh: true,
		},
	}

	// Action-permission attributes share one descriptor shape; the
	// narrowing-only invariant lives in actionPerms.narrow, not here.
	for _, id := range []AttrID{AttrPermEncrypt, AttrPermDecrypt, AttrPermSign, AttrPermVerify, AttrPermKeyAgree} {
		descs = append(descs, &attrDescriptor{
			id: id, category: catNumeric,
			numRanges:   []numRange{{int64(PermitExternal), int64(PermitNone)}},
			objectTypes: ctxTypes,
			readLow:     true, readHigh: true, writeLow: true, writeHigh: true,
		})
	}

	attributeTable = make(map[AttrID]*attrDescriptor, len(descs))
	for _, d := range descs {
		attributeTable[d.id] = d
	}
}

// checkAttribute runs the ACL check sequence (the post-validation
// trigger in step 7 is run by the caller once it has actually mutated
// state, never speculatively). obj.mu must be held by the caller.
func checkAttribute(obj *object, id AttrID, op attrOp, value any, internal bool) (*attrDescriptor, error) {
	desc, ok := attributeTable[id]
	if !ok {
		return nil, errArgument(LocusAttribute, "unknown attribute id")
	}

	// Internal-only attributes are indistinguishable from nonexistent
	// ones for external callers; reporting the same argument error as
	// an unknown id leaks nothing about what the kernel keeps hidden.
	if desc.internalOnly && !internal {
		return nil, errArgument(LocusAttribute, "unknown attribute id")
	}

	if !desc.appliesTo(obj.typ, obj.subtype) {
		return nil, newErr(StatusArgumentObject, LocusHandle, "attribute does not apply to this object type")
	}

	if obj.locked && desc.hiddenWhenLocked {
		return nil, errPermission(LocusAttribute, "attribute is hidden once the object is locked")
	}

	// Internal reads of write-only attributes (the keyset export path,
	// path) bypass the read and state gates; everything above still
	// applied.
	internalRead := op == opGet && internal && desc.internalGet

	switch op {
	case opGet:
		if internalRead {
			break
		}
		if !desc.readLow && !desc.readHigh {
			return nil, errPermission(LocusAttribute, "attribute is not readable")
		}
		if obj.state == StateLow && !desc.readLow {
			return nil, errNotInitialised(LocusAttribute)
		}
		if obj.state == StateHigh && !desc.readHigh {
			return nil, errPermission(LocusAttribute, "attribute is not readable once the object is high-state")
		}
	case opSet:
		if !desc.writeLow && !desc.writeHigh {
			return nil, errPermission(LocusAttribute, "attribute is not writeable")
		}
		if obj.locked {
			return nil, errPermission(LocusAttribute, "object is locked")
		}
		if obj.state == StateLow && !desc.writeLow {
			return nil, errNotInitialised(LocusAttribute)
		}
		if obj.state == StateHigh && !desc.writeHigh {
			return nil, errPermission(LocusAttribute, "attribute is frozen once the object is high-state")
		}
	case opDelete:
		if !desc.canDelete {
			return nil, errPermission(LocusAttribute, "attribute is not deletable")
		}
		if obj.locked {
			return nil, errPermission(LocusAttribute, "object is locked")
		}
		if obj.state == StateLow && !desc.writeLow {
			return nil, errNotInitialised(LocusAttribute)
		}
		if obj.state == StateHigh && !desc.writeHigh {
			return nil, errPermission(LocusAttribute, "attribute is frozen once the object is high-state")
		}
	}

	if op == opSet && value != nil {
		if err := validateAttrValue(desc, value); err != nil {
			return nil, err
		}
	}

	return desc, nil
}

// validateAttrValue performs the per-category value checks. Range
// bounds are inclusive on both fence-posts: lower-1 and upper+1 are
// rejected, the bounds themselves accepted.
func validateAttrValue(desc *attrDescriptor, value any) error {
	switch desc.category {
	case catNumeric, catTime, catHandle:
		v, ok := toInt64(value)
		if !ok {
			return errArgument(LocusAttribute, "expected a numeric value")
		}
		if len(desc.numRanges) > 0 && !desc.inRange(v) {
			return errArgument(LocusAttribute, "value out of range")
		}
	case catBoolean:
		if _, ok := toInt64(value); !ok {
			return errArgument(LocusAttribute, "expected a boolean-coercible value")
		}
	case catString:
		b, ok := value.([]byte)
		if !ok {
			if s, ok2 := value.(string); ok2 {
				b = []byte(s)
			} else {
				return errArgument(LocusAttribute, "expected a string/octet value")
			}
		}
		if len(b) < desc.minLen || len(b) > desc.maxLen {
			return errArgument(LocusAttribute, "string length out of range")
		}
	}
	return nil
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case Handle:
		return int64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
