package kernel

import "fmt"

// stateReq is a message's required object state, checked by the
// dispatcher before the type-specific handler runs.
type stateReq int

const (
	stateAny stateReq = iota
	// stateNeedLow messages mutate pre-key parameters and are rejected
	// with permission-denied once the object is high.
	stateNeedLow
	// stateNeedHigh messages use the object's key material and are
	// rejected with not-initialised while the object is still low.
	stateNeedHigh
)

// msgACL is one entry in the message ACL table. Like the
// attribute table it is data, not code: the dispatcher walks the
// entry, never per-message if-ladders.
type msgACL struct {
	objectTypes []ObjectType
	subtypes    Subtype // 0 means any subtype of objectTypes
	state       stateReq

	// internalOnly messages are rejected for external callers before
	// anything else is looked at.
	internalOnly bool

	// query messages are permitted while the object is busy with an
	// async operation: the reads, plus the reference-count changes and
	// the async abort.
	query bool

	// suspend messages release the target record before the handler
	// runs so the handler can re-enter the dispatcher. The handler owns any further
	// synchronisation it needs.
	suspend bool

	// pre runs message-specific parameter checks before the handler;
	// post runs after a successful dispatch.
	pre  func(k *Kernel, msg *message) error
	post func(k *Kernel, msg *message, result any) error
}

var anyObject = []ObjectType{
	ObjectTypeContext, ObjectTypeCertificate, ObjectTypeKeyset,
	ObjectTypeEnvelope, ObjectTypeSession, ObjectTypeDevice, ObjectTypeUser,
}

// messageACLTable is the static message ACL. Built once at package init, immutable afterward.
var messageACLTable map[MessageType]*msgACL

func init() {
	ctxOnly := []ObjectType{ObjectTypeContext}
	certOnly := []ObjectType{ObjectTypeCertificate}
	keysetOnly := []ObjectType{ObjectTypeKeyset}
	devOnly := []ObjectType{ObjectTypeDevice}
	envOnly := []ObjectType{ObjectTypeEnvelope}
	userOnly := []ObjectType{ObjectTypeUser}

	messageACLTable = map[MessageType]*msgACL{
		MsgGetAttr:       {objectTypes: anyObject, query: true},
		MsgGetAttrString: {objectTypes: anyObject, query: true},
		MsgSetAttr:       {objectTypes: anyObject},
		MsgSetAttrString: {objectTypes: anyObject},
		MsgDeleteAttr:    {objectTypes: anyObject},
		MsgCompare:       {objectTypes: anyObject, query: true},
		MsgCheck:         {objectTypes: anyObject, query: true},
		MsgDestroy:       {objectTypes: anyObject},
		MsgIncRef:        {objectTypes: anyObject, query: true},
		MsgDecRef:        {objectTypes: anyObject, query: true},
		MsgGetDependent:  {objectTypes: anyObject, query: true},
		MsgSetDependent:  {objectTypes: anyObject, internalOnly: true},

		MsgCtxGenKey: {objectTypes: ctxOnly, state: stateNeedLow},
		MsgCtxGenIV:  {objectTypes: ctxOnly, subtypes: SubtypeContextConventional},
		MsgCtxAsyncAbort: {
			objectTypes: ctxOnly, subtypes: SubtypeContextPKC,
			// Queries are the only messages a busy object accepts; the abort flag must be settable exactly then.
			query: true,
		},
		MsgCtxEncrypt:  {objectTypes: ctxOnly, subtypes: SubtypeContextConventional, state: stateNeedHigh},
		MsgCtxDecrypt:  {objectTypes: ctxOnly, subtypes: SubtypeContextConventional, state: stateNeedHigh},
		MsgCtxSign:     {objectTypes: ctxOnly, subtypes: SubtypeContextPKC, state: stateNeedHigh},
		MsgCtxSigCheck: {objectTypes: ctxOnly, subtypes: SubtypeContextPKC, state: stateNeedHigh},
		MsgCtxHash:     {objectTypes: ctxOnly, subtypes: SubtypeContextHash | SubtypeContextMAC},

		MsgCertSign: {
			objectTypes: certOnly, state: stateNeedLow, suspend: true,
			pre: preCertSign,
		},
		MsgCertCheck:  {objectTypes: certOnly, state: stateNeedHigh, suspend: true},
		MsgCertExport: {objectTypes: certOnly, state: stateNeedHigh, query: true},

		MsgKeyGet:      {objectTypes: keysetOnly, suspend: true, pre: preKeysetEntry},
		MsgKeySet:      {objectTypes: keysetOnly, suspend: true, pre: preKeysetEntry},
		MsgKeyDelete:   {objectTypes: keysetOnly, pre: preKeysetEntry},
		MsgKeyGetFirst: {objectTypes: keysetOnly, query: true},
		MsgKeyGetNext:  {objectTypes: keysetOnly, query: true},
		MsgKeyQuery:    {objectTypes: keysetOnly, query: true},

		MsgDevCreateObject:         {objectTypes: devOnly, suspend: true, pre: preDevCreateObject},
		MsgDevCreateObjectIndirect: {objectTypes: devOnly, suspend: true},
		MsgDevQueryCapability:      {objectTypes: devOnly, query: true},
		MsgDevDerive:               {objectTypes: devOnly, suspend: true},
		MsgDevKDF:                  {objectTypes: devOnly, suspend: true},
		MsgDevSign:                 {objectTypes: devOnly, suspend: true},
		MsgDevCheckSignature:       {objectTypes: devOnly, suspend: true},
		MsgDevWrapKey:              {objectTypes: devOnly, suspend: true},
		MsgDevUnwrapKey:            {objectTypes: devOnly, suspend: true},

		MsgEnvSeal: {objectTypes: envOnly},
		MsgEnvOpen: {objectTypes: envOnly},

		MsgUserPushMessage: {objectTypes: userOnly},
		MsgUserPopMessage:  {objectTypes: userOnly},
	}
}

func (a *msgACL) appliesTo(typ ObjectType, subtype Subtype) bool {
	for _, t := range a.objectTypes {
		if t != typ {
			continue
		}
		if a.subtypes == 0 || a.subtypes&subtype != 0 {
			return true
		}
	}
	return false
}

// preCertSign rejects a cert-sign whose signing-context argument is
// missing before any state is touched.
func preCertSign(k *Kernel, msg *message) error {
	if _, ok := msg.data.(Handle); !ok {
		return errArgument(LocusHandle, "cert-sign requires a signing context handle")
	}
	return nil
}

// preKeysetEntry validates the shared keyset entry argument shape.
func preKeysetEntry(k *Kernel, msg *message) error {
	args, ok := msg.value.(keysetEntryArgs)
	if !ok {
		return errArgument(LocusAttribute, "keyset message requires entry arguments")
	}
	if args.id == "" {
		return errArgument(LocusAttribute, "key id must not be empty")
	}
	return nil
}

// preDevCreateObject validates the create-object argument shape before
// the device handler allocates anything.
func preDevCreateObject(k *Kernel, msg *message) error {
	args, ok := msg.value.(createObjectArgs)
	if !ok {
		return errArgument(LocusAttribute, "dev-create-object requires creation arguments")
	}
	if args.typ == ObjectTypeNone {
		return errArgument(LocusAttribute, "object type must be set")
	}
	return nil
}

// checkMessageACLConsistency is the registration-time scan over the
// static table, retained as a callable so the unit tests can run it
// directly. Init runs it once as part of the
// message-ACL sub-module bring-up.
func checkMessageACLConsistency() error {
	for typ, acl := range messageACLTable {
		if typ == MsgNone {
			return fmt.Errorf("message ACL registered for MsgNone")
		}
		if len(acl.objectTypes) == 0 {
			return fmt.Errorf("message %s: no object types", typ)
		}
		if acl.internalOnly && acl.query {
			// Internal-only messages are kernel plumbing; flagging one
			// as a busy-exempt query would let it race async workers.
			return fmt.Errorf("message %s: internal-only messages may not be queries", typ)
		}
	}
	return nil
}

// checkAttributeACLConsistency is the equivalent scan over the attribute
// table.
func checkAttributeACLConsistency() error {
	for id, desc := range attributeTable {
		if id == AttrNone || desc.id != id {
			return fmt.Errorf("attribute %s: id mismatch", id)
		}
		if len(desc.objectTypes) == 0 {
			return fmt.Errorf("attribute %s: no object types", id)
		}
		if !desc.readLow && !desc.readHigh && !desc.writeLow && !desc.writeHigh && !desc.internalGet {
			return fmt.Errorf("attribute %s: no access flags", id)
		}
		if desc.canDelete && !desc.writeLow && !desc.writeHigh {
			return fmt.Errorf("attribute %s: deletable but never writeable", id)
		}
		switch desc.category {
		case catNumeric, catTime, catHandle:
			if len(desc.numRanges) == 0 {
				return fmt.Errorf("attribute %s: numeric attribute without ranges", id)
			}
			for _, r := range desc.numRanges {
				if r.Lo > r.Hi {
					return fmt.Errorf("attribute %s: inverted range", id)
				}
			}
		case catString:
			if desc.maxLen < desc.minLen {
				return fmt.Errorf("attribute %s: inverted length bounds", id)
			}
		}
	}
	return nil
}
