package kernel

import (
	"context"

	"github.com/google/uuid"
)

// This file is the public API surface: thin wrappers that translate
// each call into exactly one external kernel message (or, for the few
// operations that are kernel-internal by design, one elevated message
// with the internal flag). No method touches an object record directly; everything
// goes through the dispatcher so ACL, ref-count, and state checks apply
// uniformly.

// AddRandom mixes caller-supplied entropy into the system device's pool.
func (k *Kernel) AddRandom(ctx context.Context, data []byte) error {
	return k.AddRandomQuality(ctx, data, 100)
}

// AddRandomQuality is AddRandom with an explicit quality estimate in
// percent; anything at or below zero is treated as unspecified.
func (k *Kernel) AddRandomQuality(ctx context.Context, data []byte, quality int) error {
	if !k.isInitialised() {
		return errNotInitialised(LocusNone)
	}
	sys, err := k.systemDevicePayload()
	if err != nil {
		return err
	}
	q := qualityGood
	if quality <= 0 {
		q = qualityUnspecified
	}
	sys.rng.addRandomQuality(data, q)
	return nil
}

// CreateContext creates a cryptographic context for algo through the
// system device. The context subtype follows the
// algorithm's capability family.
func (k *Kernel) CreateContext(ctx context.Context, algo AlgorithmID) (Handle, error) {
	res, err := k.sendMessage(ctx, &message{
		target: SystemDeviceHandle, typ: MsgDevCreateObject,
		value: createObjectArgs{typ: ObjectTypeContext, algo: algo},
	})
	if err != nil {
		return NoHandle, err
	}
	return res.(Handle), nil
}

// DestroyObject decrements h's reference count, destroying the object
// when it reaches zero.
func (k *Kernel) DestroyObject(ctx context.Context, h Handle) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgDestroy})
}

// GetAttr reads a numeric attribute.
func (k *Kernel) GetAttr(ctx context.Context, h Handle, attr AttrID) (int64, error) {
	res, err := k.sendMessage(ctx, &message{target: h, typ: MsgGetAttr, value: attr})
	if err != nil {
		return 0, err
	}
	v, ok := toInt64(res)
	if !ok {
		return 0, errArgument(LocusAttribute, "attribute is not numeric")
	}
	return v, nil
}

// GetAttrString reads a string/octet attribute.
func (k *Kernel) GetAttrString(ctx context.Context, h Handle, attr AttrID) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: h, typ: MsgGetAttrString, value: attr})
	if err != nil {
		return nil, err
	}
	b, ok := res.([]byte)
	if !ok {
		return nil, errArgument(LocusAttribute, "attribute is not a string")
	}
	return b, nil
}

// SetAttr writes a numeric attribute.
func (k *Kernel) SetAttr(ctx context.Context, h Handle, attr AttrID, value int64) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgSetAttr, value: attr, data: value})
}

// SetAttrString writes a string/octet attribute.
func (k *Kernel) SetAttrString(ctx context.Context, h Handle, attr AttrID, value []byte) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgSetAttrString, value: attr, data: value})
}

// DeleteAttr removes a deletable attribute.
func (k *Kernel) DeleteAttr(ctx context.Context, h Handle, attr AttrID) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgDeleteAttr, value: attr})
}

// GenerateKey generates a key synchronously.
func (k *Kernel) GenerateKey(ctx context.Context, h Handle) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgCtxGenKey, value: false})
}

// GenerateKeyAsync starts background key generation on a PKC context;
// progress is observable via the async-status attribute, and
// completion may be awaited with WaitAsync.
func (k *Kernel) GenerateKeyAsync(ctx context.Context, h Handle) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgCtxGenKey, value: true})
}

// AbortAsyncOperation sets the cooperative cancellation flag on a busy
// context.
func (k *Kernel) AbortAsyncOperation(ctx context.Context, h Handle) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgCtxAsyncAbort})
}

// WaitAsync blocks until a previously started asynchronous key
// generation completes or ctx expires. It returns nil once the worker
// has finished (or when none was started) and a timeout error if ctx
// expires first; the terminal status itself is read with
// GetAttr(AttrAsyncStatus).
func (k *Kernel) WaitAsync(ctx context.Context, h Handle) error {
	if !k.isInitialised() {
		return errNotInitialised(LocusNone)
	}
	obj, err := k.table.acquireWait(ctx, h)
	if err != nil {
		return err
	}
	cp, ok := obj.payload.(*contextPayload)
	var done chan struct{}
	if ok && cp.pkc != nil {
		cp.pkc.async.mu.Lock()
		done = cp.pkc.async.done
		cp.pkc.async.mu.Unlock()
	}
	k.table.release(obj)
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errTimeout(LocusHandle)
	}
}

// GenerateIV draws a fresh IV from the hosting device's RNG and installs
// it on the context.
func (k *Kernel) GenerateIV(ctx context.Context, h Handle) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: h, typ: MsgCtxGenIV})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// Encrypt transforms buf in place. The buffer length
// must be a block multiple for block modes.
func (k *Kernel) Encrypt(ctx context.Context, h Handle, buf []byte) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgCtxEncrypt, data: buf})
}

// Decrypt transforms buf in place.
func (k *Kernel) Decrypt(ctx context.Context, h Handle, buf []byte) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgCtxDecrypt, data: buf})
}

// Sign signs digest with a high-state PKC context.
func (k *Kernel) Sign(ctx context.Context, h Handle, digest []byte) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: h, typ: MsgCtxSign, data: digest})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// CheckSignature verifies sig over digest.
func (k *Kernel) CheckSignature(ctx context.Context, h Handle, digest, sig []byte) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgCtxSigCheck, value: digest, data: sig})
}

// Hash feeds data into a hash or MAC context.
func (k *Kernel) Hash(ctx context.Context, h Handle, data []byte) error {
	return k.sendNotifier(ctx, &message{target: h, typ: MsgCtxHash, value: false, data: data})
}

// HashFinal finalises the running hash/MAC and returns the digest.
func (k *Kernel) HashFinal(ctx context.Context, h Handle) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: h, typ: MsgCtxHash, value: true})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// --- certificates ---------------------------------------------------------

// CreateCertificate creates an empty certificate object.
func (k *Kernel) CreateCertificate(ctx context.Context) (Handle, error) {
	res, err := k.sendMessage(ctx, &message{
		target: SystemDeviceHandle, typ: MsgDevCreateObject,
		value: createObjectArgs{typ: ObjectTypeCertificate},
	})
	if err != nil {
		return NoHandle, err
	}
	return res.(Handle), nil
}

// SignCertificate signs cert with the given PKC context, freezing the
// certificate.
func (k *Kernel) SignCertificate(ctx context.Context, cert, signer Handle) error {
	return k.sendNotifier(ctx, &message{target: cert, typ: MsgCertSign, data: signer})
}

// CheckCertificate verifies cert's signature against the given PKC
// context.
func (k *Kernel) CheckCertificate(ctx context.Context, cert, verifier Handle) error {
	return k.sendNotifier(ctx, &message{target: cert, typ: MsgCertCheck, data: verifier})
}

// ExportCertificate serialises cert's attributes and signature.
func (k *Kernel) ExportCertificate(ctx context.Context, cert Handle) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: cert, typ: MsgCertExport})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// ImportCertificate rebuilds a certificate object from its exported form.
func (k *Kernel) ImportCertificate(ctx context.Context, data []byte) (Handle, error) {
	res, err := k.sendMessage(ctx, &message{
		target: SystemDeviceHandle, typ: MsgDevCreateObjectIndirect, data: data,
	})
	if err != nil {
		return NoHandle, err
	}
	return res.(Handle), nil
}

// --- keysets ---------------------------------------------------------------

// OpenKeyset creates an in-memory keyset.
func (k *Kernel) OpenKeyset(ctx context.Context) (Handle, error) {
	res, err := k.sendMessage(ctx, &message{
		target: SystemDeviceHandle, typ: MsgDevCreateObject,
		value: createObjectArgs{typ: ObjectTypeKeyset},
	})
	if err != nil {
		return NoHandle, err
	}
	return res.(Handle), nil
}

// AddKey stores the key material of src under id.
func (k *Kernel) AddKey(ctx context.Context, keyset Handle, id, password string, src Handle) error {
	return k.sendNotifier(ctx, &message{
		target: keyset, typ: MsgKeySet,
		value: keysetEntryArgs{id: id, password: password, context: src},
	})
}

// GetKey rebuilds a usable context from the entry stored under id.
func (k *Kernel) GetKey(ctx context.Context, keyset Handle, id, password string) (Handle, error) {
	res, err := k.sendMessage(ctx, &message{
		target: keyset, typ: MsgKeyGet,
		value: keysetEntryArgs{id: id, password: password},
	})
	if err != nil {
		return NoHandle, err
	}
	return res.(Handle), nil
}

// DeleteKey removes the entry stored under id.
func (k *Kernel) DeleteKey(ctx context.Context, keyset Handle, id string) error {
	return k.sendNotifier(ctx, &message{
		target: keyset, typ: MsgKeyDelete, value: keysetEntryArgs{id: id},
	})
}

// GetFirstKey resets the keyset cursor and returns the first entry id.
func (k *Kernel) GetFirstKey(ctx context.Context, keyset Handle) (string, error) {
	res, err := k.sendMessage(ctx, &message{target: keyset, typ: MsgKeyGetFirst})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// GetNextKey advances the keyset cursor and returns the next entry id.
func (k *Kernel) GetNextKey(ctx context.Context, keyset Handle) (string, error) {
	res, err := k.sendMessage(ctx, &message{target: keyset, typ: MsgKeyGetNext})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// KeyCount reports the number of stored entries.
func (k *Kernel) KeyCount(ctx context.Context, keyset Handle) (int, error) {
	res, err := k.sendMessage(ctx, &message{target: keyset, typ: MsgKeyQuery})
	if err != nil {
		return 0, err
	}
	n, _ := toInt64(res)
	return int(n), nil
}

// --- capability queries -----------------------------------------------------

// QueryCapability copies out the public info of a registered algorithm.
func (k *Kernel) QueryCapability(ctx context.Context, algo AlgorithmID) (CapabilityInfo, error) {
	res, err := k.sendMessage(ctx, &message{
		target: SystemDeviceHandle, typ: MsgDevQueryCapability, value: int64(algo),
	})
	if err != nil {
		return CapabilityInfo{}, err
	}
	return res.(CapabilityInfo), nil
}

// --- devices ----------------------------------------------------------------

// OpenDevice opens an external device at the driver-specific address.
// Real drivers are out of scope; the in-process
// stub models the open/login/logout/mechanism surface.
func (k *Kernel) OpenDevice(ctx context.Context, kind DeviceKind, address string) (Handle, error) {
	res, err := k.sendMessage(ctx, &message{
		target: SystemDeviceHandle, typ: MsgDevCreateObject,
		value: createObjectArgs{typ: ObjectTypeDevice, kind: kind, address: address},
	})
	if err != nil {
		return NoHandle, err
	}
	return res.(Handle), nil
}

// Login authenticates to an external device. The PIN
// attribute is internal-only, so the facade sends the elevated message
// on the caller's behalf.
func (k *Kernel) Login(ctx context.Context, dev Handle, pin string) error {
	return k.sendNotifier(ctx, &message{
		target: dev, typ: MsgSetAttrString, value: AttrDevicePIN, data: []byte(pin), internal: true,
	})
}

// Logout drops the device's authenticated state.
func (k *Kernel) Logout(ctx context.Context, dev Handle) error {
	return k.sendNotifier(ctx, &message{
		target: dev, typ: MsgDeleteAttr, value: AttrDevicePIN, internal: true,
	})
}

// DeriveKey, KDF, WrapKey, and UnwrapKey drive a device's mechanism
// table, falling back to the system device for mechanisms an external
// device lacks.
func (k *Kernel) DeriveKey(ctx context.Context, dev Handle, req MechanismRequest) ([]byte, error) {
	return k.deviceMechanismCall(ctx, dev, MsgDevDerive, req)
}

func (k *Kernel) KDF(ctx context.Context, dev Handle, req MechanismRequest) ([]byte, error) {
	return k.deviceMechanismCall(ctx, dev, MsgDevKDF, req)
}

func (k *Kernel) WrapKey(ctx context.Context, dev Handle, req MechanismRequest) ([]byte, error) {
	return k.deviceMechanismCall(ctx, dev, MsgDevWrapKey, req)
}

func (k *Kernel) UnwrapKey(ctx context.Context, dev Handle, req MechanismRequest) ([]byte, error) {
	return k.deviceMechanismCall(ctx, dev, MsgDevUnwrapKey, req)
}

func (k *Kernel) deviceMechanismCall(ctx context.Context, dev Handle, typ MessageType, req MechanismRequest) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: dev, typ: typ, data: req})
	if err != nil {
		return nil, err
	}
	b, _ := res.([]byte)
	return b, nil
}

// RegisterKeyReference publishes an opaque reference to a PKC context's
// RSA key pair for use in device mechanism requests, so key material
// crosses the mechanism boundary without a wire encoding. The reference
// lives in the kernel's own registry and is dropped when the context is
// destroyed or the kernel shuts down.
func (k *Kernel) RegisterKeyReference(ctx context.Context, h Handle) (string, error) {
	if !k.isInitialised() {
		return "", errNotInitialised(LocusNone)
	}
	obj, err := k.table.acquireWait(ctx, h)
	if err != nil {
		return "", err
	}
	defer k.table.release(obj)
	cp, ok := obj.payload.(*contextPayload)
	if !ok || cp.pkc == nil {
		return "", errArgument(LocusHandle, "not a PKC context")
	}
	kp, ok := cp.pkc.keyPair.(*rsaKeyPair)
	if !ok {
		return "", errArgument(LocusKey, "context holds no RSA key")
	}
	ref := uuid.NewString()
	k.registerKeyRef(ref, h, kp)
	return ref, nil
}

// --- envelopes --------------------------------------------------------------

// CreateEnvelope creates an envelope sealed under the session key held
// by keyCtx (a high-state conventional context with a 32-byte key); the
// envelope records a dependency on the context so the key cannot
// disappear out from under it.
func (k *Kernel) CreateEnvelope(ctx context.Context, keyCtx Handle, info string) (Handle, error) {
	keyAny, err := k.sendInternal(ctx, keyCtx, MsgGetAttrString, AttrKey, nil)
	if err != nil {
		return NoHandle, err
	}
	key, _ := keyAny.([]byte)
	if len(key) != 32 {
		return NoHandle, errArgument(LocusKey, "envelope session key must be 32 bytes")
	}

	res, err := k.sendMessage(ctx, &message{
		target: SystemDeviceHandle, typ: MsgDevCreateObject,
		value: createObjectArgs{typ: ObjectTypeEnvelope},
	})
	if err != nil {
		return NoHandle, err
	}
	h := res.(Handle)

	if err := k.sendNotifier(ctx, &message{target: h, typ: MsgSetDependent, data: keyCtx, internal: true}); err != nil {
		_, _ = k.sendInternal(ctx, h, MsgDestroy, nil, nil)
		return NoHandle, err
	}

	obj, err := k.table.acquireWait(ctx, h)
	if err != nil {
		return NoHandle, err
	}
	p := obj.payload.(*envelopePayload)
	p.masterKey = append([]byte(nil), key...)
	p.info = info
	p.subject = []byte(obj.label)
	k.table.release(obj)
	zeroise(key)
	return h, nil
}

// EnvelopeSeal wraps plaintext under the envelope's derived key.
func (k *Kernel) EnvelopeSeal(ctx context.Context, env Handle, plaintext []byte) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: env, typ: MsgEnvSeal, data: plaintext})
	if err != nil {
		return nil, err
	}
	b, _ := res.([]byte)
	return b, nil
}

// EnvelopeOpen unwraps data previously produced by EnvelopeSeal on an
// envelope with the same key, label, and info.
func (k *Kernel) EnvelopeOpen(ctx context.Context, env Handle, sealed []byte) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: env, typ: MsgEnvOpen, data: sealed})
	if err != nil {
		return nil, err
	}
	b, _ := res.([]byte)
	return b, nil
}

// --- sessions and users -----------------------------------------------------

// CreateSession creates a session object, optionally bound to a keyset
// it will read credentials from.
func (k *Kernel) CreateSession(ctx context.Context, keyset Handle) (Handle, error) {
	res, err := k.sendMessage(ctx, &message{
		target: SystemDeviceHandle, typ: MsgDevCreateObject,
		value: createObjectArgs{typ: ObjectTypeSession},
	})
	if err != nil {
		return NoHandle, err
	}
	h := res.(Handle)
	if keyset != NoHandle && keyset != 0 {
		if err := k.sendNotifier(ctx, &message{target: h, typ: MsgSetDependent, data: keyset, internal: true}); err != nil {
			_, _ = k.sendInternal(ctx, h, MsgDestroy, nil, nil)
			return NoHandle, err
		}
	}
	return h, nil
}

// PushUserMessage enqueues a message on a user object.
func (k *Kernel) PushUserMessage(ctx context.Context, user Handle, data []byte) error {
	return k.sendNotifier(ctx, &message{target: user, typ: MsgUserPushMessage, data: data})
}

// PopUserMessage dequeues the oldest message from a user object.
func (k *Kernel) PopUserMessage(ctx context.Context, user Handle) ([]byte, error) {
	res, err := k.sendMessage(ctx, &message{target: user, typ: MsgUserPopMessage})
	if err != nil {
		return nil, err
	}
	return res.([]byte), nil
}

// DefaultUser returns the handle of the user object that owns everything
// created without an explicit owner.
func (k *Kernel) DefaultUser() Handle { return k.defaultUser }
