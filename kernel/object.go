package kernel

import "sync"

// ObjectType is the coarse classification of an object record.
type ObjectType int

const (
	ObjectTypeNone ObjectType = iota
	ObjectTypeContext
	ObjectTypeCertificate
	ObjectTypeKeyset
	ObjectTypeEnvelope
	ObjectTypeSession
	ObjectTypeDevice
	ObjectTypeUser
)

func (t ObjectType) String() string {
	switch t {
	case ObjectTypeContext:
		return "context"
	case ObjectTypeCertificate:
		return "certificate"
	case ObjectTypeKeyset:
		return "keyset"
	case ObjectTypeEnvelope:
		return "envelope"
	case ObjectTypeSession:
		return "session"
	case ObjectTypeDevice:
		return "device"
	case ObjectTypeUser:
		return "user"
	default:
		return "none"
	}
}

// Subtype is a finer classification within an ObjectType. Subtypes are
// disjoint bits within their object type's namespace so an ACL can test
// membership in a set with a single AND.
type Subtype uint32

const (
	// Context subtypes.
	SubtypeContextConventional Subtype = 1 << iota
	SubtypeContextPKC
	SubtypeContextHash
	SubtypeContextMAC

	// Certificate subtypes.
	SubtypeCertCert
	SubtypeCertChain
	SubtypeCertRequest
	SubtypeCertCRL

	// Keyset subtypes.
	SubtypeKeysetMemory

	// Device subtypes.
	SubtypeDeviceSystem
	SubtypeDevicePKCS11

	// Envelope, session, and user subtypes.
	SubtypeEnvelopeData
	SubtypeSessionClient
	SubtypeUserDefault
)

// State is the low/high lifecycle position of an object. The
// transition from Low to High is one-way.
type State int

const (
	StateLow State = iota
	StateHigh
)

func (s State) String() string {
	if s == StateHigh {
		return "high"
	}
	return "low"
}

// Action identifies a cryptographic action an action-permission entry
// governs.
type Action int

const (
	ActionEncrypt Action = iota
	ActionDecrypt
	ActionSign
	ActionVerify
	ActionKeyAgree
	actionCount
)

// Permission is the three-level grant for a single action, narrowable
// only in the direction PermitExternal → PermitInternalOnly → PermitNone.
type Permission int

const (
	PermitExternal Permission = iota
	PermitInternalOnly
	PermitNone
)

// actionPerms is the per-object bit-matrix of {action} × {permission}.
// Narrowing-only is enforced by narrow, never by the zero
// value here.
type actionPerms [actionCount]Permission

func newActionPerms() actionPerms {
	var p actionPerms
	for i := range p {
		p[i] = PermitExternal
	}
	return p
}

// narrow sets the permission for action a to p, rejecting any attempt to
// widen an existing restriction.
func (p *actionPerms) narrow(a Action, newPerm Permission) error {
	if newPerm < p[a] {
		return errPermission(LocusAttribute, "action permissions cannot be widened")
	}
	p[a] = newPerm
	return nil
}

// lastError is the per-object diagnostic record. A
// successful operation never clears it; only a subsequent failure
// overwrites it.
type lastError struct {
	locus    Locus
	status   Status
	extended string
}

// object is one record in the object table. All mutable fields are
// guarded by mu; the dispatcher never hands out the *object itself to
// callers, only a Handle, so raw pointers never escape the kernel.
type object struct {
	mu sync.Mutex

	handle  Handle
	typ     ObjectType
	subtype Subtype
	owner   Handle

	// creationOrder is a strictly increasing stamp assigned at
	// creation time. A dependency may only be added from a younger
	// object to an older one (creationOrder of the dependency target
	// must be smaller), which makes the dependency graph a DAG by
	// construction.
	creationOrder uint64

	refCount   int
	dependents []Handle

	state   State
	perms   actionPerms
	usage   *int // nil means unlimited
	locked  bool
	busy    bool
	signal  bool // set true once a destroy message has been accepted
	lastErr lastError

	label string

	// handler is the type-specific message handler installed at
	// creation; generic messages never reach it.
	handler messageHandler

	// payload is the type-specific state (contextPayload,
	// certificatePayload, keysetPayload, envelopePayload,
	// sessionPayload, devicePayload, userPayload). It is a
	// discriminated union keyed by typ/subtype, never an unsafe
	// pointer cast.
	payload any
}

func (o *object) setError(locus Locus, status Status, extended string) {
	o.lastErr = lastError{locus: locus, status: status, extended: extended}
}

// checkUsage decrements the usage counter if one is set, returning
// StatusPermissionDenied once it has reached zero. It
// must be called with o.mu held.
func (o *object) checkUsage() error {
	if o.usage == nil {
		return nil
	}
	if *o.usage <= 0 {
		return errPermission(LocusUsageCount, "usage count exhausted")
	}
	*o.usage--
	return nil
}
