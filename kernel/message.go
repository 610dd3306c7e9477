package kernel

// MessageType identifies an operation routed through the dispatcher.
// Every cross-object call in this module,
// internal or external, is one of these.
type MessageType int

const (
	MsgNone MessageType = iota

	// Generic object messages, handled by the dispatcher itself.
	MsgGetAttr
	MsgGetAttrString
	MsgSetAttr
	MsgSetAttrString
	MsgDeleteAttr
	MsgCompare
	MsgCheck
	MsgDestroy
	MsgIncRef
	MsgDecRef
	MsgGetDependent
	MsgSetDependent

	// Context messages.
	MsgCtxGenKey
	MsgCtxGenIV
	MsgCtxEncrypt
	MsgCtxDecrypt
	MsgCtxSign
	MsgCtxSigCheck
	MsgCtxHash
	MsgCtxAsyncAbort

	// Certificate messages.
	MsgCertSign
	MsgCertCheck
	MsgCertExport

	// Keyset messages.
	MsgKeyGet
	MsgKeySet
	MsgKeyDelete
	MsgKeyGetFirst
	MsgKeyGetNext
	MsgKeyQuery

	// Device messages.
	MsgDevCreateObject
	MsgDevCreateObjectIndirect
	MsgDevQueryCapability
	MsgDevDerive
	MsgDevKDF
	MsgDevSign
	MsgDevCheckSignature
	MsgDevWrapKey
	MsgDevUnwrapKey

	// Envelope messages.
	MsgEnvSeal
	MsgEnvOpen

	// User messages.
	MsgUserPushMessage
	MsgUserPopMessage
)

func (m MessageType) String() string {
	switch m {
	case MsgGetAttr:
		return "get-attr"
	case MsgGetAttrString:
		return "get-attr-string"
	case MsgSetAttr:
		return "set-attr"
	case MsgSetAttrString:
		return "set-attr-string"
	case MsgDeleteAttr:
		return "delete-attr"
	case MsgCompare:
		return "compare"
	case MsgCheck:
		return "check"
	case MsgDestroy:
		return "destroy"
	case MsgIncRef:
		return "inc-ref"
	case MsgDecRef:
		return "dec-ref"
	case MsgGetDependent:
		return "get-dependent"
	case MsgSetDependent:
		return "set-dependent"
	case MsgCtxGenKey:
		return "ctx-gen-key"
	case MsgCtxGenIV:
		return "ctx-gen-iv"
	case MsgCtxEncrypt:
		return "ctx-encrypt"
	case MsgCtxDecrypt:
		return "ctx-decrypt"
	case MsgCtxSign:
		return "ctx-sign"
	case MsgCtxSigCheck:
		return "ctx-sig-check"
	case MsgCtxHash:
		return "ctx-hash"
	case MsgCtxAsyncAbort:
		return "ctx-async-abort"
	case MsgCertSign:
		return "cert-sign"
	case MsgCertCheck:
		return "cert-check"
	case MsgCertExport:
		return "cert-export"
	case MsgKeyGet:
		return "key-get"
	case MsgKeySet:
		return "key-set"
	case MsgKeyDelete:
		return "key-delete"
	case MsgKeyGetFirst:
		return "key-get-first"
	case MsgKeyGetNext:
		return "key-get-next"
	case MsgKeyQuery:
		return "key-query"
	case MsgDevCreateObject:
		return "dev-create-object"
	case MsgDevCreateObjectIndirect:
		return "dev-create-object-indirect"
	case MsgDevQueryCapability:
		return "dev-query-capability"
	case MsgDevDerive:
		return "dev-derive"
	case MsgDevKDF:
		return "dev-kdf"
	case MsgDevSign:
		return "dev-sign"
	case MsgDevCheckSignature:
		return "dev-check-signature"
	case MsgDevWrapKey:
		return "dev-wrap-key"
	case MsgDevUnwrapKey:
		return "dev-unwrap-key"
	case MsgEnvSeal:
		return "env-seal"
	case MsgEnvOpen:
		return "env-open"
	case MsgUserPushMessage:
		return "user-push-message"
	case MsgUserPopMessage:
		return "user-pop-message"
	default:
		return "none"
	}
}

// message is one dispatch request. The internal flag is carried through nested dispatches
// unchanged.
type message struct {
	target   Handle
	typ      MessageType
	value    any
	data     any
	internal bool
}

// messageHandler is the type-specific handler installed on an object at
// creation time.
// Handlers run with the object record pinned unless the message ACL
// declares the message suspending, in which case the record has already
// been released and the handler may
// re-enter the dispatcher freely.
type messageHandler func(k *Kernel, obj *object, msg *message) (any, error)

// createObjectArgs is the value payload of MsgDevCreateObject.
type createObjectArgs struct {
	typ     ObjectType
	subtype Subtype
	algo    AlgorithmID // contexts only

	address string // external devices only
	kind    DeviceKind

	label string
}

// keysetEntryArgs is the value payload of the keyset get/set/delete
// messages.
type keysetEntryArgs struct {
	id       string
	password string
	context  Handle // key-set only
}
