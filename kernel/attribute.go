package kernel

// AttrID names an attribute addressable via get/set/delete messages.
// Identifiers are partitioned by the
// object type they primarily belong to, purely for readability; the ACL
// table, not the numeric value, is authoritative for which object
// types/subtypes may carry a given attribute.
type AttrID int

const (
	AttrNone AttrID = iota

	// Context attributes.
	AttrAlgo
	AttrMode
	AttrKeySize
	AttrKey
	AttrIV
	AttrLabel
	AttrUsageCount
	AttrLocked
	AttrForwardCount
	AttrHighSecurity
	AttrSideChannelProtection
	AttrKeyAgreePublicValue
	AttrAsyncStatus

	// Action permission attributes, one per Action.
	AttrPermEncrypt
	AttrPermDecrypt
	AttrPermSign
	AttrPermVerify
	AttrPermKeyAgree

	// Certificate attributes.
	AttrCertSubjectLabel
	AttrCertValidFrom
	AttrCertValidTo
	AttrCertSelfSigned
	AttrCertIssuer

	// Keyset attributes.
	AttrKeysetCursor

	// Session attributes.
	AttrSessionReadTimeout
	AttrSessionWriteTimeout

	// Device attributes.
	AttrDeviceLabel
	AttrDevicePIN

	// Generic ownership/diagnostic attributes available on every type.
	AttrOwner
	AttrErrorLocus
	AttrErrorType
)

func (a AttrID) String() string {
	switch a {
	case AttrAlgo:
		return "algo"
	case AttrMode:
		return "mode"
	case AttrKeySize:
		return "keysize"
	case AttrKey:
		return "key"
	case AttrIV:
		return "iv"
	case AttrLabel:
		return "label"
	case AttrUsageCount:
		return "usage-count"
	case AttrLocked:
		return "locked"
	case AttrForwardCount:
		return "forward-count"
	case AttrHighSecurity:
		return "high-security"
	case AttrSideChannelProtection:
		return "side-channel-protection"
	case AttrKeyAgreePublicValue:
		return "key-agree-public-value"
	case AttrAsyncStatus:
		return "async-status"
	case AttrPermEncrypt:
		return "perm-encrypt"
	case AttrPermDecrypt:
		return "perm-decrypt"
	case AttrPermSign:
		return "perm-sign"
	case AttrPermVerify:
		return "perm-verify"
	case AttrPermKeyAgree:
		return "perm-key-agree"
	case AttrCertSubjectLabel:
		return "cert-subject-label"
	case AttrCertValidFrom:
		return "cert-valid-from"
	case AttrCertValidTo:
		return "cert-valid-to"
	case AttrCertSelfSigned:
		return "cert-self-signed"
	case AttrCertIssuer:
		return "cert-issuer"
	case AttrKeysetCursor:
		return "keyset-cursor"
	case AttrSessionReadTimeout:
		return "session-read-timeout"
	case AttrSessionWriteTimeout:
		return "session-write-timeout"
	case AttrDeviceLabel:
		return "device-label"
	case AttrDevicePIN:
		return "device-pin"
	case AttrOwner:
		return "owner"
	case AttrErrorLocus:
		return "error-locus"
	case AttrErrorType:
		return "error-type"
	default:
		return "none"
	}
}

// attrCategory is the value category of an attribute descriptor.
type attrCategory int

const (
	catNumeric attrCategory = iota
	catBoolean
	catString
	catTime
	catHandle
)

// attrOp is the operation the ACL engine is asked to validate.
type attrOp int

const (
	opGet attrOp = iota
	opSet
	opDelete
)

// numRange is one inclusive [Lo, Hi] sub-range. Composite ranges are a slice of these with union semantics, used for
// attributes like the keyset cursor whose legal values are negative
// cursor codes plus a positive extension-id band.
type numRange struct{ Lo, Hi int64 }

func (r numRange) contains(v int64) bool { return v >= r.Lo && v <= r.Hi }

// Cursor codes for keyset/certificate iteration. They sit below zero
// so the positive band stays free for absolute entry indices.
const (
	CursorFirst    int64 = -1
	CursorNext     int64 = -2
	CursorPrevious int64 = -3
	CursorLast     int64 = -4
)

// attrDescriptor is one entry in the global, post-init-immutable
// attribute table.
type attrDescriptor struct {
	id       AttrID
	category attrCategory

	// numRanges apply to catNumeric, catTime and catHandle; a value must
	// fall in at least one sub-range.
	numRanges []numRange

	// minLen/maxLen apply to catString.
	minLen, maxLen int

	// objectTypes restricts which object types may carry this
	// attribute; subtypes, when non-zero, further restrict within a
	// type.
	objectTypes []ObjectType
	subtypes    Subtype // 0 means "any subtype of objectTypes"

	// Per-state, per-operation access flags: reads
	// and writes are gated independently in each state, which is what
	// lets a certificate's subject stay readable after signing freezes
	// it against writes. Deletion follows the write flags but needs
	// canDelete as well.
	readLow   bool
	readHigh  bool
	writeLow  bool
	writeHigh bool
	canDelete bool

	// internalOnly attributes are invisible to external callers:
	// addressing one from outside reports the same argument error an
	// unknown attribute id would, which is deliberately less
	// informative than permission-denied.
	internalOnly bool

	// internalGet marks a write-only-for-callers attribute that the
	// kernel itself may still read (the keyset add path exporting a
	// context's key). Internal reads bypass the read and state
	// gates; every other check still applies.
	internalGet bool

	// hiddenWhenLocked attributes become fully inaccessible (not merely
	// read-only) once the object's locked flag is set, for security
	// parameters that must stop being even readable once the object is
	// frozen.
	hiddenWhenLocked bool

	// trigger runs after a successful set, e.g. installing mode-
	// specific function pointers or locking the object.
	trigger func(k *Kernel, obj *object, value any) error
}

func (d *attrDescriptor) appliesTo(typ ObjectType, subtype Subtype) bool {
	typeOK := false
	for _, t := range d.objectTypes {
		if t == typ {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	if d.subtypes == 0 {
		return true
	}
	return d.subtypes&subtype != 0
}

func (d *attrDescriptor) inRange(v int64) bool {
	for _, r := range d.numRanges {
		if r.contains(v) {
			return true
		}
	}
	return false
}
