package kernel

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/time/rate"
)

// DeviceKind distinguishes the system (software) device from external,
// driver-backed devices.
type DeviceKind int

const (
	DeviceSystem DeviceKind = iota
	DevicePKCS11
	DeviceCryptoAPI
	DeviceFortezza
)

// mechanismAction identifies the class of operation a device mechanism
// table entry serves.
type mechanismAction int

const (
	mechDerive mechanismAction = iota
	mechKDF
	mechWrapKey
	mechUnwrapKey
	mechSign
	mechCheckSignature
)

type mechanismKey struct {
	action    mechanismAction
	mechanism string
}

// mechanismFunc is one entry in a device's mechanism function table.
// The kernel is passed through so mechanisms can resolve key references
// from the kernel's own registry rather than any global state.
type mechanismFunc func(k *Kernel, dev *devicePayload, args mechanismArgs) (mechanismResult, error)

type mechanismArgs struct {
	// Key is the keying input: raw secret bytes for the KDF
	// mechanisms, or an opaque key reference (RegisterKeyReference)
	// for the PKC wrap/unwrap mechanisms, so key material crosses the
	// mechanism boundary without an ASN.1 encoder.
	Key    []byte
	Salt   []byte
	Info   string
	Data   []byte
	Length int
}

type mechanismResult struct {
	Bytes []byte
}

// devicePayload is the payload for ObjectTypeDevice records.
type devicePayload struct {
	kind DeviceKind

	// System-device-only state.
	rng *systemRNG

	// External-device-only state.
	address    string
	loggedIn   bool
	pinHash    []byte // bcrypt hash set at "provisioning" time for the stub device
	mechanisms map[mechanismKey]mechanismFunc

	mu sync.Mutex
}

// newSystemDevice constructs handle 0's payload. It is the only device with a populated RNG and
// the fallback implementer for every mechanism an external device
// doesn't itself support.
func newSystemDevice() *devicePayload {
	return &devicePayload{
		kind:       DeviceSystem,
		rng:        newSystemRNG(),
		mechanisms: systemMechanismTable(),
	}
}

// newExternalDevice constructs a stub external device. Real PKCS#11/CryptoAPI/Fortezza drivers are out of scope;
// this models the shape — open/login/logout/mechanism-enumeration
// — with a deliberately small mechanism table so the fallback-to-system-
// device path has something to exercise against.
func newExternalDevice(kind DeviceKind, address string) *devicePayload {
	return &devicePayload{
		kind:       kind,
		address:    address,
		mechanisms: externalMechanismTable(kind),
	}
}

// login verifies pin via bcrypt and, on success, feeds 32 bytes of the device's own
// randomness into the system device's entropy pool.
func (d *devicePayload) login(pin string, sys *devicePayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.kind == DeviceSystem {
		return errArgument(LocusDevice, "the system device does not support login")
	}
	if len(pin) < 4 || len(pin) > 32 {
		return errArgument(LocusDevice, "PIN length out of range")
	}
	if d.pinHash == nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
		if err != nil {
			return wrapErr(StatusFailed, LocusDevice, "provisioning PIN failed", err)
		}
		d.pinHash = hash
	}
	if err := bcrypt.CompareHashAndPassword(d.pinHash, []byte(pin)); err != nil {
		return errPermission(LocusDevice, "PIN does not match")
	}
	d.loggedIn = true

	if sys != nil && sys.rng != nil {
		feed := make([]byte, 32)
		if _, err := rand.Read(feed); err == nil {
			sys.rng.addRandomQuality(feed, qualityUnspecified)
		}
	}
	return nil
}

func (d *devicePayload) logout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loggedIn = false
}

// triggerDeviceLogin is the set-attribute trigger for the internal-only
// PIN attribute: setting it is the login operation.
func triggerDeviceLogin(k *Kernel, obj *object, value any) error {
	pin, ok := asBytes(value)
	if !ok {
		return errArgument(LocusDevice, "expected a PIN string")
	}
	dp, ok2 := obj.payload.(*devicePayload)
	if !ok2 {
		return errArgument(LocusDevice, "object has no device payload")
	}
	sys, err := k.systemDevicePayload()
	if err != nil {
		return err
	}
	return dp.login(string(pin), sys)
}

// getDeviceAttr: devices expose no readable payload attributes beyond
// the generic ones; the PIN is write-only by design.
func getDeviceAttr(obj *object, p *devicePayload, id AttrID) (any, error) {
	return nil, errNotFound(LocusAttribute, "attribute has no value on this device")
}

// --- mechanism tables ----------------------------------------------------

const (
	MechPBKDF2  = "pbkdf2"
	MechHKDF    = "hkdf"
	MechPKCS1v15 = "pkcs1v15"
)

func systemMechanismTable() map[mechanismKey]mechanismFunc {
	return map[mechanismKey]mechanismFunc{
		{mechKDF, MechPBKDF2}: func(k *Kernel, dev *devicePayload, a mechanismArgs) (mechanismResult, error) {
			if len(a.Key) == 0 || a.Length <= 0 {
				return mechanismResult{}, errArgument(LocusMechanism, "key and length are required")
			}
			derived := pbkdf2.Key(a.Key, a.Salt, 100_000, a.Length, newSHA256Func())
			return mechanismResult{Bytes: derived}, nil
		},
		{mechDerive, MechHKDF}: func(k *Kernel, dev *devicePayload, a mechanismArgs) (mechanismResult, error) {
			if len(a.Key) == 0 || a.Length <= 0 {
				return mechanismResult{}, errArgument(LocusMechanism, "key and length are required")
			}
			r := hkdf.New(newSHA256Func(), a.Key, a.Salt, []byte(a.Info))
			out := make([]byte, a.Length)
			if _, err := readFull(r, out); err != nil {
				return mechanismResult{}, wrapErr(StatusFailed, LocusMechanism, "HKDF expand failed", err)
			}
			return mechanismResult{Bytes: out}, nil
		},
		// PKCS#1 v1.5 key-wrap: the system device is the sole
		// implementer.
		{mechWrapKey, MechPKCS1v15}: func(k *Kernel, dev *devicePayload, a mechanismArgs) (mechanismResult, error) {
			return wrapPKCS1v15(k, a)
		},
		{mechUnwrapKey, MechPKCS1v15}: func(k *Kernel, dev *devicePayload, a mechanismArgs) (mechanismResult, error) {
			return unwrapPKCS1v15(k, a)
		},
	}
}

// externalMechanismTable deliberately omits PKCS#1 v1.5 wrap/unwrap so
// that the device-fallback path has something real to exercise:
// an external device here supports a raw-derive mechanism but not
// wire-format-sensitive key wrapping.
func externalMechanismTable(kind DeviceKind) map[mechanismKey]mechanismFunc {
	return map[mechanismKey]mechanismFunc{
		{mechKDF, MechPBKDF2}: func(k *Kernel, dev *devicePayload, a mechanismArgs) (mechanismResult, error) {
			derived := pbkdf2.Key(a.Key, a.Salt, 10_000, a.Length, newSHA256Func())
			return mechanismResult{Bytes: derived}, nil
		},
	}
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			return n, fmt.Errorf("short read")
		}
	}
	return n, nil
}

// --- system RNG ------------------------------------------------------------

// entropyQuality is the caller's estimate of how good fed-in entropy
// is; device-sourced entropy of unknown provenance is unspecified.
type entropyQuality int

const (
	qualityUnspecified entropyQuality = iota
	qualityGood
)

// systemRNG implements the system device's canonical RNG, including the
// FIPS-140 continuous test and the non-zero-byte source used for
// padding. A golang.org/x/time/rate limiter paces redraws after a
// continuous-test rejection so a persistently failing entropy source
// can't spin the CPU.
type systemRNG struct {
	mu        sync.Mutex
	lastBlock [8]byte
	haveLast  bool
	bitsSeen  int
	limiter   *rate.Limiter
	pool      []byte

	// entropy is the raw source, crypto/rand in production; tests
	// substitute a deterministic source to exercise the continuous
	// test's rejection path.
	entropy func([]byte) (int, error)
}

const fipsContinuousTestThresholdBits = 64
const fipsRetryCap = 8

func newSystemRNG() *systemRNG {
	return &systemRNG{
		limiter: rate.NewLimiter(rate.Limit(1000), 1),
		entropy: rand.Read,
	}
}

// addRandomQuality mixes externally supplied entropy into the pool.
func (r *systemRNG) addRandomQuality(data []byte, _ entropyQuality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pool = append(r.pool, data...)
	if len(r.pool) > 4096 {
		r.pool = r.pool[len(r.pool)-4096:]
	}
}

// read fills buf with random bytes, applying the FIPS-140 continuous
// test once at least fipsContinuousTestThresholdBits of output have been
// produced: if an 8-byte block repeats immediately, it is discarded and
// redrawn, up to fipsRetryCap attempts, after which the call fails with
// StatusRandom.
func (r *systemRNG) read(buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := buf
	for len(out) > 0 {
		var block [8]byte
		if err := r.drawBlock(block[:]); err != nil {
			return err
		}
		n := copy(out, block[:])
		out = out[n:]
	}
	return nil
}

func (r *systemRNG) drawBlock(dst []byte) error {
	for attempt := 0; attempt < fipsRetryCap; attempt++ {
		if attempt > 0 {
			// Redraws after a continuous-test rejection are paced by the
			// limiter so a stuck entropy source cannot spin the CPU; Wait
			// blocks until a token is available.
			if err := r.limiter.Wait(context.Background()); err != nil {
				return wrapErr(StatusRandom, LocusNone, "entropy retry pacing failed", err)
			}
		}
		var block [8]byte
		if _, err := r.entropy(block[:]); err != nil {
			return wrapErr(StatusRandom, LocusNone, "entropy source failed", err)
		}

		r.bitsSeen += 64
		if r.bitsSeen >= fipsContinuousTestThresholdBits && r.haveLast && block == r.lastBlock {
			continue // reject: identical to the immediately previous block
		}
		r.lastBlock = block
		r.haveLast = true
		copy(dst, block[:])
		return nil
	}
	return newErr(StatusRandom, LocusNone, "continuous RNG test failed after maximum retries")
}

// nonzeroBytes draws n non-zero bytes, discarding zero bytes drawn in
// batches of 128 with a failsafe iteration cap.
func (r *systemRNG) nonzeroBytes(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	const batch = 128
	const maxIterations = 64
	for iter := 0; len(out) < n && iter < maxIterations; iter++ {
		buf := make([]byte, batch)
		if err := r.read(buf); err != nil {
			return nil, err
		}
		for _, b := range buf {
			if b != 0 {
				out = append(out, b)
				if len(out) == n {
					break
				}
			}
		}
	}
	if len(out) < n {
		return nil, newErr(StatusRandom, LocusNone, "failed to gather non-zero bytes within iteration cap")
	}
	return out, nil
}

// deviceRandom draws len(buf) random bytes from a device's RNG if it
// has one, writing directly into the caller's buffer so key generation
// needs no intermediate copy. Only the system device carries an RNG in
// this kernel.
func deviceRandom(deviceObj *object, buf []byte) error {
	dp, ok := deviceObj.payload.(*devicePayload)
	if !ok || dp.rng == nil {
		return errNotAvailable(LocusDevice, "device has no random number generator")
	}
	return dp.rng.read(buf)
}
