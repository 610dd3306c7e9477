package kernel

import (
	"context"

	"github.com/google/uuid"

	"github.com/cryptlib-go/cryptlib/infrastructure/logging"
)

// MechanismRequest is the caller-facing argument block for the device
// mechanism messages (dev-derive, dev-kdf, dev-wrap-key, dev-unwrap-key,
// dev-sign, dev-check-signature).
type MechanismRequest struct {
	Mechanism string
	Key       []byte
	Salt      []byte
	Info      string
	Data      []byte
	Length    int
}

// deviceMessageHandler is the type-specific handler for device records.
// Every device message except query-capability (a query, run with the
// record pinned) is dispatched with release, so the handler
// synchronises through the payload's own lock and may nest messages
// freely.
func deviceMessageHandler(k *Kernel, obj *object, msg *message) (any, error) {
	dp, ok := obj.payload.(*devicePayload)
	if !ok {
		return nil, errArgument(LocusDevice, "object has no device payload")
	}

	switch msg.typ {
	case MsgDevCreateObject:
		args := msg.value.(createObjectArgs) // shape pre-checked by the ACL
		return k.deviceCreateObject(obj.handle, dp, args, msg.internal)

	case MsgDevCreateObjectIndirect:
		data, ok := asBytes(msg.data)
		if !ok {
			return nil, errArgument(LocusAttribute, "create-object-indirect requires encoded object data")
		}
		return k.deviceImportCertificate(obj.handle, data)

	case MsgDevQueryCapability:
		v, ok := toInt64(msg.value)
		if !ok {
			return nil, errArgument(LocusAlgorithm, "expected an algorithm id")
		}
		return k.caps.query(AlgorithmID(v))

	case MsgDevDerive, MsgDevKDF, MsgDevSign, MsgDevCheckSignature, MsgDevWrapKey, MsgDevUnwrapKey:
		req, ok := msg.data.(MechanismRequest)
		if !ok {
			return nil, errArgument(LocusMechanism, "expected a mechanism request")
		}
		return k.deviceMechanism(dp, msg.typ, req)
	}
	return nil, errNotAvailable(LocusDevice, "message not handled by device")
}

func mechanismActionFor(typ MessageType) mechanismAction {
	switch typ {
	case MsgDevDerive:
		return mechDerive
	case MsgDevKDF:
		return mechKDF
	case MsgDevSign:
		return mechSign
	case MsgDevCheckSignature:
		return mechCheckSignature
	case MsgDevWrapKey:
		return mechWrapKey
	default:
		return mechUnwrapKey
	}
}

// deviceMechanism walks the device's mechanism table and, on a miss on
// an external device, falls back to the system device's table.
func (k *Kernel) deviceMechanism(dp *devicePayload, typ MessageType, req MechanismRequest) (any, error) {
	action := mechanismActionFor(typ)
	args := mechanismArgs{
		Key: req.Key, Salt: req.Salt, Info: req.Info,
		Data: req.Data, Length: req.Length,
	}

	key := mechanismKey{action: action, mechanism: req.Mechanism}
	if fn, ok := dp.mechanisms[key]; ok {
		res, err := fn(k, dp, args)
		if err != nil {
			return nil, err
		}
		return res.Bytes, nil
	}
	if dp.kind == DeviceSystem {
		return nil, errNotAvailable(LocusMechanism, req.Mechanism)
	}

	sys, err := k.systemDevicePayload()
	if err != nil {
		return nil, err
	}
	fn, ok := sys.mechanisms[key]
	if !ok {
		return nil, errNotAvailable(LocusMechanism, req.Mechanism)
	}
	logging.LogDeviceFallback(k.log, typ.String(), req.Mechanism)
	res, err := fn(k, sys, args)
	if err != nil {
		return nil, err
	}
	return res.Bytes, nil
}

// systemDevicePayload pins handle 0 just long enough to read its payload
// pointer; the payload carries its own lock for everything mutable.
func (k *Kernel) systemDevicePayload() (*devicePayload, error) {
	obj, err := k.table.acquire(SystemDeviceHandle)
	if err != nil {
		return nil, err
	}
	dp, ok := obj.payload.(*devicePayload)
	k.table.release(obj)
	if !ok || dp == nil {
		return nil, errNotInitialised(LocusDevice)
	}
	return dp, nil
}

// deviceCreateObject is the per-type object factory a device exposes.
// The dispatcher has already released the
// device record, so the nested messages this sends cannot self-deadlock.
func (k *Kernel) deviceCreateObject(devHandle Handle, dp *devicePayload, args createObjectArgs, internal bool) (any, error) {
	switch args.typ {
	case ObjectTypeContext:
		return k.deviceCreateContext(devHandle, args)
	case ObjectTypeCertificate:
		return k.createSimpleObject(devHandle, ObjectTypeCertificate, certSubtypeOr(args.subtype),
			&certificatePayload{}, certMessageHandler, args.label)
	case ObjectTypeKeyset:
		return k.createSimpleObject(devHandle, ObjectTypeKeyset, SubtypeKeysetMemory,
			&keysetPayload{}, keysetMessageHandler, args.label)
	case ObjectTypeEnvelope:
		return k.createSimpleObject(devHandle, ObjectTypeEnvelope, SubtypeEnvelopeData,
			&envelopePayload{}, envelopeMessageHandler, args.label)
	case ObjectTypeSession:
		return k.createSimpleObject(devHandle, ObjectTypeSession, SubtypeSessionClient,
			&sessionPayload{}, sessionMessageHandler, args.label)
	case ObjectTypeUser:
		return k.createSimpleObject(devHandle, ObjectTypeUser, SubtypeUserDefault,
			&userPayload{}, userMessageHandler, args.label)
	case ObjectTypeDevice:
		if dp.kind != DeviceSystem {
			return nil, errPermission(LocusDevice, "only the system device hosts other devices")
		}
		h, err := k.createSimpleObject(devHandle, ObjectTypeDevice, SubtypeDevicePKCS11,
			newExternalDevice(args.kind, args.address), deviceMessageHandler, args.label)
		if err != nil {
			return nil, err
		}
		// External devices are usable (though not logged in) at open.
		if obj, aerr := k.table.acquire(h); aerr == nil {
			obj.state = StateHigh
			k.table.release(obj)
		}
		return h, nil
	}
	return nil, errArgument(LocusAttribute, "device cannot host that object type")
}

func certSubtypeOr(s Subtype) Subtype {
	if s != 0 {
		return s
	}
	return SubtypeCertCert
}

// deviceCreateContext builds a context record for a registered,
// available capability; the subtype follows the capability family.
func (k *Kernel) deviceCreateContext(devHandle Handle, args createObjectArgs) (Handle, error) {
	desc, ok := k.caps.lookup(args.algo)
	if !ok {
		return NoHandle, errNotAvailable(LocusAlgorithm, args.algo.String())
	}
	if !k.health.available(args.algo) {
		return NoHandle, errNotAvailable(LocusAlgorithm, "algorithm disabled by self-test")
	}

	var subtype Subtype
	payload := &contextPayload{algo: args.algo, desc: desc}
	switch desc.family {
	case familyBlockCipher, familyStreamCipher:
		subtype = SubtypeContextConventional
		payload.conv = &convState{}
	case familyHash:
		subtype = SubtypeContextHash
		payload.hash = &hashStateBox{state: desc.hash.New()}
	case familyMAC:
		subtype = SubtypeContextMAC
		payload.mac = &macState{}
	case familyPKC:
		subtype = SubtypeContextPKC
		payload.pkc = &pkcState{}
	}

	return k.createSimpleObject(devHandle, ObjectTypeContext, subtype, payload, contextMessageHandler, args.label)
}

// createSimpleObject allocates the record, attaches it as a dependent of
// the hosting device (ref-count increment), and
// installs payload and handler.
func (k *Kernel) createSimpleObject(devHandle Handle, typ ObjectType, subtype Subtype, payload any, handler messageHandler, label string) (Handle, error) {
	if label == "" {
		// Objects created without an explicit label get a unique one,
		// also used to correlate async operations in the logs.
		label = uuid.NewString()
	}
	obj := k.table.create(typ, subtype, k.defaultUser, false)
	obj.payload = payload
	obj.handler = handler
	obj.label = label
	h := obj.handle
	k.table.release(obj)

	if err := k.sendNotifier(context.Background(), &message{
		target: h, typ: MsgSetDependent, data: devHandle, internal: true,
	}); err != nil {
		// Roll the half-built object back rather than leak it.
		_, _ = k.sendInternal(context.Background(), h, MsgDestroy, nil, nil)
		return NoHandle, err
	}

	k.recordObjectCreated(typ)
	logging.LogObjectCreated(k.log, int(h), typ.String())
	return h, nil
}
