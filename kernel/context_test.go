package kernel

import (
	"bytes"
	"context"
	"crypto/sha256"
	"testing"
)

func repeatByte(b byte, n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// newCBCContext builds a fixed-parameter context: AES, CBC mode, key of
// 0x01 bytes, IV of 0x02 bytes.
func newCBCContext(t *testing.T, k *Kernel) Handle {
	t.Helper()
	ctx := context.Background()
	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if err := k.SetAttr(ctx, h, AttrMode, int64(ModeCBC)); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	if err := k.SetAttrString(ctx, h, AttrKey, repeatByte(0x01, 16)); err != nil {
		t.Fatalf("load key: %v", err)
	}
	if err := k.SetAttrString(ctx, h, AttrIV, repeatByte(0x02, 16)); err != nil {
		t.Fatalf("set IV: %v", err)
	}
	return h
}

func TestSymmetricRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	enc := newCBCContext(t, k)
	buf := make([]byte, 32) // two blocks of 0x00
	if err := k.Encrypt(ctx, enc, buf); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(buf, make([]byte, 32)) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec := newCBCContext(t, k)
	if err := k.Decrypt(ctx, dec, buf); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, 32)) {
		t.Fatal("round trip did not restore the plaintext")
	}
}

func TestEncryptRejectsPartialBlock(t *testing.T) {
	k := newTestKernel(t)
	h := newCBCContext(t, k)
	err := k.Encrypt(context.Background(), h, make([]byte, 15))
	if !IsStatus(err, StatusArgumentValue) {
		t.Fatalf("expected argument error for partial block, got %v", err)
	}
}

func TestStateMachineEnforcement(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoRSA)
	if err != nil {
		t.Fatal(err)
	}

	// Sign without a key: not-initialised, no side effect.
	_, err = k.Sign(ctx, h, []byte("digest"))
	if !IsStatus(err, StatusNotInitialised) {
		t.Fatalf("expected not-initialised, got %v", err)
	}

	if err := k.SetAttr(ctx, h, AttrKeySize, 256); err != nil {
		t.Fatal(err)
	}
	if err := k.GenerateKey(ctx, h); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// Loading a second key is denied: the low→high transition happened
	// exactly once and is one-way.
	err = k.SetAttrString(ctx, h, AttrKey, repeatByte(0xAA, 32))
	if !IsStatus(err, StatusPermissionDenied) && !IsStatus(err, StatusNotInitialised) {
		t.Fatalf("expected denial of second key load, got %v", err)
	}

	// Deleting the key is denied outright.
	err = k.DeleteAttr(ctx, h, AttrKey)
	if !IsStatus(err, StatusPermissionDenied) {
		t.Fatalf("expected permission denied for delete-attr(KEY), got %v", err)
	}
}

func TestUsageCountExhaustion(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h := newCBCContext(t, k)
	if err := k.SetAttr(ctx, h, AttrUsageCount, 2); err != nil {
		t.Fatal(err)
	}

	block := make([]byte, 16)
	if err := k.Encrypt(ctx, h, block); err != nil {
		t.Fatalf("first encrypt: %v", err)
	}
	if err := k.Encrypt(ctx, h, block); err != nil {
		t.Fatalf("second encrypt: %v", err)
	}
	err := k.Encrypt(ctx, h, block)
	if !IsStatus(err, StatusPermissionDenied) {
		t.Fatalf("expected permission denied on exhausted usage count, got %v", err)
	}

	// Exhausted but still destroyable.
	if err := k.DestroyObject(ctx, h); err != nil {
		t.Fatalf("destroy after exhaustion: %v", err)
	}
}

func TestLockImmutability(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoRSA)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttr(ctx, h, AttrForwardCount, 5); err != nil {
		t.Fatalf("set forward-count: %v", err)
	}
	if err := k.SetAttr(ctx, h, AttrHighSecurity, 1); err != nil {
		t.Fatalf("set high-security: %v", err)
	}

	if _, err := k.GetAttr(ctx, h, AttrForwardCount); !IsStatus(err, StatusPermissionDenied) {
		t.Fatalf("expected read of forward-count denied once locked, got %v", err)
	}
	if err := k.SetAttr(ctx, h, AttrForwardCount, 6); !IsStatus(err, StatusPermissionDenied) {
		t.Fatalf("expected write of forward-count denied once locked, got %v", err)
	}

	// The lock is one-way for the object's lifetime.
	if v, err := k.GetAttr(ctx, h, AttrLocked); err != nil || v != 1 {
		t.Fatalf("expected locked=1, got %d, %v", v, err)
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoRSA)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.GenerateKey(ctx, h); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	digest := sha256.Sum256([]byte("message"))
	sig, err := k.Sign(ctx, h, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := k.CheckSignature(ctx, h, digest[:], sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// A single flipped bit must fail verification.
	bad := append([]byte(nil), digest[:]...)
	bad[0] ^= 0x80
	if err := k.CheckSignature(ctx, h, bad, sig); !IsStatus(err, StatusSignature) {
		t.Fatalf("expected signature failure on altered digest, got %v", err)
	}
}

func TestSideChannelProtectionFlags(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoRSA)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttr(ctx, h, AttrSideChannelProtection, 1); err != nil {
		t.Fatal(err)
	}
	if err := k.GenerateKey(ctx, h); err != nil {
		t.Fatal(err)
	}

	obj, err := k.table.acquire(h)
	if err != nil {
		t.Fatal(err)
	}
	cp := obj.payload.(*contextPayload)
	kp := cp.pkc.keyPair.(*rsaKeyPair)
	flags := kp.ConstantTimeCRT
	k.table.release(obj)

	// Both CRT exponents carry the constant-time flag after generation
	// with protection enabled.
	if !flags[0] || !flags[1] {
		t.Fatalf("expected both constant-time flags set, got %v", flags)
	}
}

func TestHashContext(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Hash(ctx, h, []byte("hello ")); err != nil {
		t.Fatal(err)
	}
	if err := k.Hash(ctx, h, []byte("world")); err != nil {
		t.Fatal(err)
	}
	digest, err := k.HashFinal(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256([]byte("hello world"))
	if !bytes.Equal(digest, want[:]) {
		t.Fatal("digest mismatch")
	}

	// Finalised hashes reject further writes.
	if err := k.Hash(ctx, h, []byte("more")); !IsStatus(err, StatusPermissionDenied) {
		t.Fatalf("expected permission denied after finalise, got %v", err)
	}

	// Compare matches the finalised digest in constant time.
	if err := k.sendNotifier(ctx, &message{target: h, typ: MsgCompare, data: want[:]}); err != nil {
		t.Fatalf("compare should match: %v", err)
	}
}

func TestMACContext(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoHMACSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttrString(ctx, h, AttrKey, repeatByte(0x0B, 32)); err != nil {
		t.Fatalf("load MAC key: %v", err)
	}
	if err := k.Hash(ctx, h, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	mac1, err := k.HashFinal(ctx, h)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := k.CreateContext(ctx, AlgoHMACSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttrString(ctx, h2, AttrKey, repeatByte(0x0B, 32)); err != nil {
		t.Fatal(err)
	}
	if err := k.Hash(ctx, h2, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	mac2, err := k.HashFinal(ctx, h2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mac1, mac2) {
		t.Fatal("same key and payload must produce the same MAC")
	}
}

func TestGenerateConventionalKey(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttr(ctx, h, AttrMode, int64(ModeCFB)); err != nil {
		t.Fatal(err)
	}
	if err := k.GenerateKey(ctx, h); err != nil {
		t.Fatalf("generate key: %v", err)
	}

	buf := []byte("stream mode needs no padding")
	orig := append([]byte(nil), buf...)
	if err := k.Encrypt(ctx, h, buf); err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(buf, orig) {
		t.Fatal("ciphertext equals plaintext")
	}
}

func TestKeyAgreement(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	a, err := k.CreateContext(ctx, AlgoECDHP256)
	if err != nil {
		t.Fatal(err)
	}
	b, err := k.CreateContext(ctx, AlgoECDHP256)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.GenerateKey(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := k.GenerateKey(ctx, b); err != nil {
		t.Fatal(err)
	}

	pubA, err := k.GetAttrString(ctx, a, AttrKeyAgreePublicValue)
	if err != nil {
		t.Fatal(err)
	}
	pubB, err := k.GetAttrString(ctx, b, AttrKeyAgreePublicValue)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttrString(ctx, a, AttrKeyAgreePublicValue, pubB); err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttrString(ctx, b, AttrKeyAgreePublicValue, pubA); err != nil {
		t.Fatal(err)
	}

	objA, _ := k.table.acquire(a)
	secretA := append([]byte(nil), objA.payload.(*contextPayload).pkc.agreeSecret...)
	k.table.release(objA)
	objB, _ := k.table.acquire(b)
	secretB := append([]byte(nil), objB.payload.(*contextPayload).pkc.agreeSecret...)
	k.table.release(objB)

	if len(secretA) == 0 || !bytes.Equal(secretA, secretB) {
		t.Fatal("key agreement secrets do not match")
	}
}

func TestActionPermissionNarrowing(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h := newCBCContext(t, k)

	// Narrow encrypt to internal-only, then try to widen back: rejected.
	if err := k.SetAttr(ctx, h, AttrPermEncrypt, int64(PermitInternalOnly)); err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttr(ctx, h, AttrPermEncrypt, int64(PermitExternal)); !IsStatus(err, StatusPermissionDenied) {
		t.Fatalf("expected widening to be denied, got %v", err)
	}

	// Internal-only permission rejects an external encrypt.
	err := k.Encrypt(ctx, h, make([]byte, 16))
	if !IsStatus(err, StatusPermissionDenied) {
		t.Fatalf("expected external encrypt denied, got %v", err)
	}
	// But the internal path still works.
	if _, err := k.sendInternal(ctx, h, MsgCtxEncrypt, nil, make([]byte, 16)); err != nil {
		t.Fatalf("internal encrypt should pass: %v", err)
	}
}
