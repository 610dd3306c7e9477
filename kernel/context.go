package kernel

import (
	"crypto/rand"
	"crypto/sha256"
	"sync"

	"github.com/cryptlib-go/cryptlib/infrastructure/logging"
)

// CryptMaxIVSize bounds the largest IV/block size this kernel accepts.
const CryptMaxIVSize = 32

// Mode is the block-cipher mode of operation a conventional context is
// configured for.
type Mode int

const (
	ModeNone Mode = iota
	ModeECB
	ModeCBC
	ModeCFB
	ModeOFB
)

// AsyncStatus is the terminal or in-progress state of an asynchronous
// key-generation operation.
type AsyncStatus int

const (
	AsyncNone AsyncStatus = iota
	AsyncInProgress
	AsyncDone
	AsyncAborted
	AsyncFailed
)

// contextPayload is the type-specific state for an ObjectTypeContext
// record. Exactly one of conv/hash/mac/pkc is populated,
// selected by the record's subtype, so the discriminant is always the
// record itself, never a cast.
type contextPayload struct {
	algo    AlgorithmID
	desc    *capabilityDescriptor
	keySize int // 0 until AttrKeySize is set; default comes from desc

	conv *convState
	hash *hashStateBox
	mac  *macState
	pkc  *pkcState
}

type convState struct {
	mode Mode
	key  []byte
	iv   []byte

	encState blockOrStream
	decState blockOrStream
}

type blockOrStream struct {
	block blockCipher
	strm  streamCipher
}

type hashStateBox struct {
	state  hashState
	digest []byte // set once the hash is finalised
}

type macState struct {
	key   []byte
	state hashState
}

// pkcState is the public-key context payload. async carries the
// bookkeeping for the background key-generation path.
type pkcState struct {
	keyPair          pkcKeyPair
	kaKeyPair        kaKeyPair
	agreeSecret      []byte
	forwardCount     int
	sideChannel      bool
	async            asyncKeyGen
	blindedSinceLoad bool
}

type asyncKeyGen struct {
	mu      sync.Mutex
	status  AsyncStatus
	abort   bool
	done    chan struct{}
	doneSet bool
}

// --- attribute triggers --------------------------------------------------

// triggerSetMode installs the mode on the conventional context's payload.
// It does not yet require a key; once a key has been
// loaded the mode is frozen with the rest of the security parameters.
func triggerSetMode(k *Kernel, obj *object, value any) error {
	if obj.state == StateHigh {
		return errPermission(LocusMode, "mode is frozen once a key is loaded")
	}
	v, _ := toInt64(value)
	mode := Mode(v)
	cp, ok := obj.payload.(*contextPayload)
	if !ok || cp.conv == nil {
		return errArgument(LocusMode, "object has no conventional payload")
	}
	cp.conv.mode = mode
	return nil
}

// triggerSetIV validates the IV length against the capability's block
// size and stores it.
func triggerSetIV(k *Kernel, obj *object, value any) error {
	iv, ok := asBytes(value)
	if !ok {
		return errArgument(LocusIV, "expected octet string")
	}
	cp, ok2 := obj.payload.(*contextPayload)
	if !ok2 || cp.conv == nil {
		return errArgument(LocusIV, "object has no conventional payload")
	}
	if cp.desc != nil && cp.desc.info.BlockSize > 0 && len(iv) != cp.desc.info.BlockSize {
		return errArgument(LocusIV, "IV length does not match cipher block size")
	}
	cp.conv.iv = append([]byte(nil), iv...)
	if obj.state == StateHigh && len(cp.conv.key) > 0 {
		// Key already loaded: re-derive the mode state under the new IV
		// so the next encrypt/decrypt starts from it.
		return installCipherState(cp)
	}
	return nil
}

// triggerLoadKey performs the state-transition-gating key load. It is
// invoked as the set-attribute trigger for AttrKey: loading a key is
// just another attribute set that happens to flip the object to high
// state.
func triggerLoadKey(k *Kernel, obj *object, value any) error {
	key, ok := asBytes(value)
	if !ok {
		return errArgument(LocusKey, "expected octet string")
	}
	return loadContextKey(k, obj, key)
}

// triggerHighSecurity locks the object when AttrHighSecurity is set true.
func triggerHighSecurity(k *Kernel, obj *object, value any) error {
	v, _ := toInt64(value)
	if v != 0 {
		obj.locked = true
	}
	return nil
}

func asBytes(value any) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}

// loadContextKey implements the conventional/MAC/PKC key-load paths
// and performs the one-way low→high transition.
func loadContextKey(k *Kernel, obj *object, key []byte) error {
	if obj.state == StateHigh {
		return errPermission(LocusKey, "context already has a key loaded")
	}
	cp, ok := obj.payload.(*contextPayload)
	if !ok {
		return errArgument(LocusKey, "object has no context payload")
	}

	switch {
	case cp.conv != nil:
		min, _, max := cp.desc.cipher.KeySize()
		if len(key) < min || len(key) > max {
			return errArgument(LocusKeysize, "key length out of range for algorithm")
		}
		cp.conv.key = append([]byte(nil), key...)
		if err := installCipherState(cp); err != nil {
			obj.setError(LocusKey, StatusOf(err), err.Error())
			return err
		}
	case cp.mac != nil:
		min, _, max := cp.desc.mac.KeySize()
		if len(key) < min || len(key) > max {
			return errArgument(LocusKeysize, "MAC key length out of range")
		}
		st, err := cp.desc.mac.New(key)
		if err != nil {
			obj.setError(LocusKey, StatusOf(err), err.Error())
			return err
		}
		cp.mac.key = append([]byte(nil), key...)
		cp.mac.state = st
	case cp.pkc != nil:
		return errArgument(LocusKey, "PKC contexts load keys via generate-key, not raw bytes")
	default:
		return errArgument(LocusKey, "context has no loadable payload")
	}

	obj.state = StateHigh
	logging.LogStateTransition(k.log, int(obj.handle), "low", "high")
	return nil
}

// installCipherState builds the mode-specific block/stream cipher once
// the key is present; a mode that takes an IV (every mode but ECB)
// proceeds with an all-zero one until the caller installs its own.
func installCipherState(cp *contextPayload) error {
	cv := cp.conv
	if cv.mode == ModeNone {
		cv.mode = ModeCBC
	}
	needsIV := cv.mode != ModeECB
	if needsIV && len(cv.iv) == 0 {
		// CBC and the stream-shaped modes proceed with a zero IV;
		// callers needing unique IVs must set one explicitly before
		// encrypting.
		cv.iv = make([]byte, cp.desc.info.BlockSize)
	}

	switch cv.mode {
	case ModeECB:
		enc, err := cp.desc.cipher.NewECBEncrypter(cv.key)
		if err != nil {
			return wrapErr(StatusFailed, LocusKey, "cipher init failed", err)
		}
		dec, err := cp.desc.cipher.NewECBDecrypter(cv.key)
		if err != nil {
			return wrapErr(StatusFailed, LocusKey, "cipher init failed", err)
		}
		cv.encState = blockOrStream{block: enc}
		cv.decState = blockOrStream{block: dec}
	case ModeCBC:
		enc, err := cp.desc.cipher.NewCBCEncrypter(cv.key, cv.iv)
		if err != nil {
			return wrapErr(StatusFailed, LocusKey, "cipher init failed", err)
		}
		dec, err := cp.desc.cipher.NewCBCDecrypter(cv.key, cv.iv)
		if err != nil {
			return wrapErr(StatusFailed, LocusKey, "cipher init failed", err)
		}
		cv.encState = blockOrStream{block: enc}
		cv.decState = blockOrStream{block: dec}
	case ModeCFB:
		enc, err := cp.desc.cipher.NewCFBEncrypter(cv.key, cv.iv)
		if err != nil {
			return wrapErr(StatusFailed, LocusKey, "cipher init failed", err)
		}
		dec, err := cp.desc.cipher.NewCFBDecrypter(cv.key, cv.iv)
		if err != nil {
			return wrapErr(StatusFailed, LocusKey, "cipher init failed", err)
		}
		cv.encState = blockOrStream{strm: enc}
		cv.decState = blockOrStream{strm: dec}
	case ModeOFB:
		enc, err := cp.desc.cipher.NewOFBEncrypter(cv.key, cv.iv)
		if err != nil {
			return wrapErr(StatusFailed, LocusKey, "cipher init failed", err)
		}
		dec, err := cp.desc.cipher.NewOFBDecrypter(cv.key, cv.iv)
		if err != nil {
			return wrapErr(StatusFailed, LocusKey, "cipher init failed", err)
		}
		cv.encState = blockOrStream{strm: enc}
		cv.decState = blockOrStream{strm: dec}
	}
	return nil
}

// ctxEncrypt and ctxDecrypt run the loaded cipher over buf in place,
// consuming one unit of usage count.
func ctxEncrypt(obj *object, buf []byte) error {
	return ctxCrypt(obj, buf, true)
}

func ctxDecrypt(obj *object, buf []byte) error {
	return ctxCrypt(obj, buf, false)
}

func ctxCrypt(obj *object, buf []byte, encrypt bool) error {
	if obj.state != StateHigh {
		return errNotInitialised(LocusKey)
	}
	if err := obj.checkUsage(); err != nil {
		return err
	}
	cp, ok := obj.payload.(*contextPayload)
	if !ok || cp.conv == nil {
		return errArgument(LocusHandle, "not a conventional context")
	}
	bs := cp.conv.encState
	if !encrypt {
		bs = cp.conv.decState
	}
	switch {
	case bs.block != nil:
		if cp.desc.info.BlockSize > 0 && len(buf)%cp.desc.info.BlockSize != 0 {
			return errArgument(LocusHandle, "buffer length is not a multiple of the block size")
		}
		bs.block.CryptBlocks(buf, buf)
	case bs.strm != nil:
		bs.strm.XORKeyStream(buf, buf)
	default:
		return errNotInitialised(LocusMode)
	}
	return nil
}

// ctxHash feeds buf through the context's running hash. When final is
// set it also finalises the digest, whether or not buf carries data;
// a call with final unset only absorbs buf.
func ctxHash(obj *object, buf []byte, final bool) ([]byte, error) {
	cp, ok := obj.payload.(*contextPayload)
	if !ok || cp.hash == nil {
		return nil, errArgument(LocusHandle, "not a hash context")
	}
	if cp.hash.digest != nil {
		return nil, errPermission(LocusHandle, "hash already finalised")
	}
	if len(buf) > 0 {
		if _, err := cp.hash.state.Write(buf); err != nil {
			return nil, wrapErr(StatusFailed, LocusHandle, "hash write failed", err)
		}
	}
	if final {
		cp.hash.digest = cp.hash.state.Sum(nil)
		obj.state = StateHigh
		return cp.hash.digest, nil
	}
	return nil, nil
}

// ctxMACUpdate and ctxMACFinal are the MAC analogues of ctxHash.
func ctxMACUpdate(obj *object, buf []byte) error {
	cp, ok := obj.payload.(*contextPayload)
	if !ok || cp.mac == nil {
		return errArgument(LocusHandle, "not a MAC context")
	}
	if obj.state != StateHigh {
		return errNotInitialised(LocusKey)
	}
	_, err := cp.mac.state.Write(buf)
	return err
}

func ctxMACFinal(obj *object) ([]byte, error) {
	cp, ok := obj.payload.(*contextPayload)
	if !ok || cp.mac == nil {
		return nil, errArgument(LocusHandle, "not a MAC context")
	}
	if err := obj.checkUsage(); err != nil {
		return nil, err
	}
	return cp.mac.state.Sum(nil), nil
}

// ctxSign and ctxSigCheck drive a PKC context's signer capability,
// applying RSA blinding bookkeeping.
func ctxSign(obj *object, digest []byte) ([]byte, error) {
	if obj.state != StateHigh {
		return nil, errNotInitialised(LocusKey)
	}
	if err := obj.checkUsage(); err != nil {
		return nil, err
	}
	cp, ok := obj.payload.(*contextPayload)
	if !ok || cp.pkc == nil || cp.desc.signer == nil {
		return nil, errArgument(LocusHandle, "not a signing context")
	}
	sig, err := cp.desc.signer.Sign(cp.pkc.keyPair, digest, cp.pkc.sideChannel)
	if err != nil {
		return nil, err
	}
	cp.pkc.blindedSinceLoad = cp.pkc.sideChannel
	return sig, nil
}

func ctxSigCheck(obj *object, digest, sig []byte) error {
	if obj.state != StateHigh {
		return errNotInitialised(LocusKey)
	}
	cp, ok := obj.payload.(*contextPayload)
	if !ok || cp.pkc == nil || cp.desc.signer == nil {
		return errArgument(LocusHandle, "not a verification context")
	}
	return cp.desc.signer.Verify(cp.pkc.keyPair, digest, sig)
}

// generateContextKey implements key generation for conventional/
// MAC contexts: draw a working-length key from the owning device's RNG
// directly into the key buffer, then reuse the load path.
func generateContextKey(k *Kernel, deviceObj *object, obj *object) error {
	cp, ok := obj.payload.(*contextPayload)
	if !ok {
		return errArgument(LocusKey, "object has no context payload")
	}

	switch {
	case cp.conv != nil:
		size := clampWorkingKeySize(cp.desc.family == familyStreamCipher, cp.desc.info.DefaultKeySize, cp.desc.info.MaxKeySize)
		buf := make([]byte, size)
		if err := deviceRandom(deviceObj, buf); err != nil {
			return err
		}
		return loadContextKey(k, obj, buf)
	case cp.mac != nil:
		size := cp.desc.mac.Size()
		if size < cp.desc.info.DefaultKeySize {
			size = cp.desc.info.DefaultKeySize
		}
		buf := make([]byte, size)
		if err := deviceRandom(deviceObj, buf); err != nil {
			return err
		}
		return loadContextKey(k, obj, buf)
	case cp.pkc != nil:
		return generatePKCKey(obj, cp, 0, false)
	default:
		return errArgument(LocusKey, "context has nothing to generate")
	}
}

// clampWorkingKeySize picks the key length key-gen uses: the configured
// maximum, except RC2/RC4-shaped stream ciphers clamp to a 128-bit
// default. This kernel's capability set carries
// no RC2/RC4 entries, so the clamp is expressed generically against any
// future stream-cipher capability rather than special-cased by name.
func clampWorkingKeySize(stream bool, def, max int) int {
	if stream && max > 16 && def <= 16 {
		return def
	}
	return max
}

// generatePKCKey runs synchronous key generation immediately, or, when
// async is requested, spawns a background worker.
func generatePKCKey(obj *object, cp *contextPayload, bits int, async bool) error {
	if bits == 0 {
		bits = 2048
	}
	if cp.desc.signer != nil {
		if !async {
			kp, err := cp.desc.signer.GenerateKey(bits)
			if err != nil {
				obj.setError(LocusKey, StatusOf(err), err.Error())
				return err
			}
			cp.pkc.keyPair = kp
			applySideChannelProtection(cp)
			obj.state = StateHigh
			return nil
		}
		return startAsyncKeyGen(obj, cp, bits)
	}
	if cp.desc.keyAgree != nil {
		kp, err := cp.desc.keyAgree.GenerateKey()
		if err != nil {
			obj.setError(LocusKey, StatusOf(err), err.Error())
			return err
		}
		cp.pkc.kaKeyPair = kp
		obj.state = StateHigh
		return nil
	}
	return errArgument(LocusAlgorithm, "capability supports neither signing nor key agreement")
}

// startAsyncKeyGen marks obj busy and runs generation on a background
// goroutine.
// Completion is signalled both via a channel and by recording the
// terminal AsyncStatus on the context.
func startAsyncKeyGen(obj *object, cp *contextPayload, bits int) error {
	cp.pkc.async.mu.Lock()
	// A fresh channel per attempt: an aborted generation leaves the old
	// one closed, and a context that is still low may legally retry.
	cp.pkc.async.done = make(chan struct{})
	cp.pkc.async.doneSet = false
	cp.pkc.async.status = AsyncInProgress
	cp.pkc.async.abort = false
	cp.pkc.async.mu.Unlock()

	obj.busy = true

	go func() {
		kp, err := cp.desc.signer.GenerateKey(bits)

		cp.pkc.async.mu.Lock()
		aborted := cp.pkc.async.abort
		cp.pkc.async.mu.Unlock()

		obj.mu.Lock()
		defer obj.mu.Unlock()
		obj.busy = false

		cp.pkc.async.mu.Lock()
		defer cp.pkc.async.mu.Unlock()
		switch {
		case aborted:
			cp.pkc.async.status = AsyncAborted
		case err != nil:
			cp.pkc.async.status = AsyncFailed
			obj.setError(LocusKey, StatusOf(err), err.Error())
		default:
			cp.pkc.keyPair = kp
			applySideChannelProtection(cp)
			obj.state = StateHigh
			cp.pkc.async.status = AsyncDone
		}
		if !cp.pkc.async.doneSet {
			close(cp.pkc.async.done)
			cp.pkc.async.doneSet = true
		}
	}()
	return nil
}

// abortAsyncKeyGen sets the cooperative cancellation flag a running
// key-gen goroutine observes.
func abortAsyncKeyGen(cp *contextPayload) {
	cp.pkc.async.mu.Lock()
	cp.pkc.async.abort = true
	cp.pkc.async.mu.Unlock()
}

func asyncStatus(cp *contextPayload) AsyncStatus {
	cp.pkc.async.mu.Lock()
	defer cp.pkc.async.mu.Unlock()
	return cp.pkc.async.status
}

// applySideChannelProtection installs RSA blinding bookkeeping. Go's
// crypto/rsa always blinds private operations itself; this records
// that both CRT exponents carry the constant-time flag whenever
// protection is enabled. The nonce it draws from crypto/rand is hashed
// and then discarded; it takes no part in any RSA operation.
func applySideChannelProtection(cp *contextPayload) {
	if !cp.pkc.sideChannel {
		return
	}
	kp, ok := cp.pkc.keyPair.(*rsaKeyPair)
	if !ok {
		return
	}
	var nonce [32]byte
	_, _ = rand.Read(nonce[:])
	blind := sha256.Sum256(nonce[:])
	_ = blind
	kp.ConstantTimeCRT = [2]bool{true, true}
}
