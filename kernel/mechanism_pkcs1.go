package kernel

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"hash"
)

func newSHA256Func() func() hash.Hash { return sha256.New }

// wrapPKCS1v15 and unwrapPKCS1v15 back the system device's PKCS#1 v1.5
// key-wrap mechanism. a.Key carries an opaque key reference (see
// RegisterKeyReference) rather than encoded key material, which keeps
// DER/ASN.1 out of the mechanism boundary entirely; a.Data is the raw
// secret to wrap or the wrapped blob to unwrap.
func wrapPKCS1v15(k *Kernel, a mechanismArgs) (mechanismResult, error) {
	kp, ok := k.lookupKeyRef(string(a.Key))
	if !ok || kp.pub == nil {
		return mechanismResult{}, errArgument(LocusKey, "unknown RSA public key reference")
	}
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, kp.pub, a.Data)
	if err != nil {
		return mechanismResult{}, wrapErr(StatusFailed, LocusMechanism, "PKCS#1 wrap failed", err)
	}
	return mechanismResult{Bytes: ct}, nil
}

func unwrapPKCS1v15(k *Kernel, a mechanismArgs) (mechanismResult, error) {
	kp, ok := k.lookupKeyRef(string(a.Key))
	if !ok || kp.priv == nil {
		return mechanismResult{}, errArgument(LocusKey, "unknown RSA private key reference")
	}
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, kp.priv, a.Data)
	if err != nil {
		return mechanismResult{}, newErr(StatusBadData, LocusMechanism, "PKCS#1 unwrap failed")
	}
	return mechanismResult{Bytes: pt}, nil
}

// keyRef is one published key reference. The owner handle ties the
// entry's lifetime to the PKC context it came from: the reference is
// dropped when that context is destroyed, and at kernel shutdown.
type keyRef struct {
	owner Handle
	kp    *rsaKeyPair
}

// registerKeyRef publishes kp under ref on behalf of the owning context.
// The registry lives on the Kernel, never in package-global state, so a
// reference cannot outlive its kernel instance.
func (k *Kernel) registerKeyRef(ref string, owner Handle, kp *rsaKeyPair) {
	k.keyRefMu.Lock()
	defer k.keyRefMu.Unlock()
	if k.keyRefs == nil {
		return
	}
	k.keyRefs[ref] = &keyRef{owner: owner, kp: kp}
}

func (k *Kernel) lookupKeyRef(ref string) (*rsaKeyPair, bool) {
	k.keyRefMu.Lock()
	defer k.keyRefMu.Unlock()
	entry, ok := k.keyRefs[ref]
	if !ok {
		return nil, false
	}
	return entry.kp, true
}

// dropKeyRefs removes every reference owned by handle. The key pair
// itself is zeroised by the owning context's destructor, which runs in
// the same teardown; dropping the map entry here guarantees no path can
// reach the dying key afterwards.
func (k *Kernel) dropKeyRefs(owner Handle) {
	k.keyRefMu.Lock()
	defer k.keyRefMu.Unlock()
	for ref, entry := range k.keyRefs {
		if entry.owner == owner {
			delete(k.keyRefs, ref)
		}
	}
}

// dropAllKeyRefs zeroises and empties the registry at shutdown, after
// the object sweep; any entry still present belongs to an object that
// did not tear down cleanly, and its key material must not survive.
func (k *Kernel) dropAllKeyRefs() {
	k.keyRefMu.Lock()
	defer k.keyRefMu.Unlock()
	for ref, entry := range k.keyRefs {
		entry.kp.destroy()
		delete(k.keyRefs, ref)
	}
	k.keyRefs = nil
}
