package kernel

import (
	"crypto/rand"
	"encoding/binary"
	"math"
)

// Handle is an opaque reference to a live object record. Zero names the
// system device (created before anything else, destroyed after
// everything else); negative values are never valid and are used as
// error sentinels by callers that prefer a single return value over
// (Handle, error).
type Handle int32

// NoHandle is the error-sentinel value returned alongside a non-nil error
// from any operation that would otherwise return a Handle.
const NoHandle Handle = -1

// SystemDeviceHandle names the system device, created first and
// destroyed last.
const SystemDeviceHandle Handle = 0

// handlePool allocates handles from a randomised range so that reuse
// after destruction is never immediate. It does not allocate the
// handle 0, which is reserved for the system device.
type handlePool struct {
	used map[Handle]struct{}
}

func newHandlePool() *handlePool {
	return &handlePool{used: make(map[Handle]struct{})}
}

// allocate returns a fresh handle not currently in use. It draws
// candidates from crypto/rand rather than a monotonic counter so that a
// destroyed handle's numeric value isn't immediately recycled to a new
// object, reducing the chance a caller holding a stale handle silently
// addresses an unrelated object.
func (p *handlePool) allocate() Handle {
	for {
		var buf [4]byte
		_, _ = rand.Read(buf[:])
		v := int32(binary.BigEndian.Uint32(buf[:]) & math.MaxInt32)
		h := Handle(v)
		if h <= SystemDeviceHandle {
			continue
		}
		if _, taken := p.used[h]; taken {
			continue
		}
		p.used[h] = struct{}{}
		return h
	}
}

func (p *handlePool) release(h Handle) {
	delete(p.used, h)
}
