package kernel

import (
	"bytes"
	"context"
	"testing"
)

func TestKeysetAddGetRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	ks, err := k.OpenKeyset(ctx)
	if err != nil {
		t.Fatalf("open keyset: %v", err)
	}

	src := newCBCContext(t, k)
	if err := k.AddKey(ctx, ks, "alice", "secret", src); err != nil {
		t.Fatalf("add key: %v", err)
	}

	restored, err := k.GetKey(ctx, ks, "alice", "secret")
	if err != nil {
		t.Fatalf("get key: %v", err)
	}

	// The restored context must carry the same algorithm and mode and
	// be immediately usable.
	algo, err := k.GetAttr(ctx, restored, AttrAlgo)
	if err != nil || AlgorithmID(algo) != AlgoAES {
		t.Fatalf("restored algo = %d, %v", algo, err)
	}
	mode, err := k.GetAttr(ctx, restored, AttrMode)
	if err != nil || Mode(mode) != ModeCBC {
		t.Fatalf("restored mode = %d, %v", mode, err)
	}

	// Same key: encrypting the same block under the same IV matches.
	if err := k.SetAttrString(ctx, restored, AttrIV, repeatByte(0x02, 16)); err != nil {
		t.Fatal(err)
	}
	b := make([]byte, 16)
	src2 := newCBCContext(t, k)
	if err := k.Encrypt(ctx, src2, b); err != nil {
		t.Fatal(err)
	}
	c := make([]byte, 16)
	if err := k.Encrypt(ctx, restored, c); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, c) {
		t.Fatal("restored context does not encrypt like the original")
	}
}

func TestKeysetWrongPassword(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	ks, _ := k.OpenKeyset(ctx)
	src := newCBCContext(t, k)
	if err := k.AddKey(ctx, ks, "bob", "right", src); err != nil {
		t.Fatal(err)
	}
	_, err := k.GetKey(ctx, ks, "bob", "wrong")
	if !IsStatus(err, StatusWrongKey) {
		t.Fatalf("expected wrong-key, got %v", err)
	}
}

func TestKeysetDuplicateAndMissing(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	ks, _ := k.OpenKeyset(ctx)
	src := newCBCContext(t, k)
	if err := k.AddKey(ctx, ks, "carol", "pw", src); err != nil {
		t.Fatal(err)
	}
	if err := k.AddKey(ctx, ks, "carol", "pw", src); !IsStatus(err, StatusDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := k.GetKey(ctx, ks, "nobody", "pw"); !IsStatus(err, StatusNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := k.DeleteKey(ctx, ks, "nobody"); !IsStatus(err, StatusNotFound) {
		t.Fatalf("expected not-found on delete, got %v", err)
	}
	if err := k.DeleteKey(ctx, ks, "carol"); err != nil {
		t.Fatal(err)
	}
	if n, _ := k.KeyCount(ctx, ks); n != 0 {
		t.Fatalf("expected empty keyset, got %d entries", n)
	}
}

func TestKeysetIteration(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	ks, _ := k.OpenKeyset(ctx)
	for _, id := range []string{"k1", "k2", "k3"} {
		src := newCBCContext(t, k)
		if err := k.AddKey(ctx, ks, id, "", src); err != nil {
			t.Fatal(err)
		}
	}

	first, err := k.GetFirstKey(ctx, ks)
	if err != nil || first != "k1" {
		t.Fatalf("first = %q, %v", first, err)
	}
	second, err := k.GetNextKey(ctx, ks)
	if err != nil || second != "k2" {
		t.Fatalf("second = %q, %v", second, err)
	}
	third, err := k.GetNextKey(ctx, ks)
	if err != nil || third != "k3" {
		t.Fatalf("third = %q, %v", third, err)
	}
	if _, err := k.GetNextKey(ctx, ks); !IsStatus(err, StatusNotFound) {
		t.Fatalf("expected not-found at end, got %v", err)
	}
}

func TestKeysetCursorAttribute(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	ks, _ := k.OpenKeyset(ctx)
	for _, id := range []string{"a", "b", "c"} {
		src := newCBCContext(t, k)
		if err := k.AddKey(ctx, ks, id, "", src); err != nil {
			t.Fatal(err)
		}
	}

	// Cursor codes move relative, the positive band is absolute.
	if err := k.SetAttr(ctx, ks, AttrKeysetCursor, CursorLast); err != nil {
		t.Fatal(err)
	}
	if v, _ := k.GetAttr(ctx, ks, AttrKeysetCursor); v != 3 {
		t.Fatalf("expected cursor at 3, got %d", v)
	}
	if err := k.SetAttr(ctx, ks, AttrKeysetCursor, CursorPrevious); err != nil {
		t.Fatal(err)
	}
	if v, _ := k.GetAttr(ctx, ks, AttrKeysetCursor); v != 2 {
		t.Fatalf("expected cursor at 2, got %d", v)
	}
	if err := k.SetAttr(ctx, ks, AttrKeysetCursor, 1); err != nil {
		t.Fatal(err)
	}
	if err := k.SetAttr(ctx, ks, AttrKeysetCursor, CursorPrevious); !IsStatus(err, StatusNotFound) {
		t.Fatalf("expected not-found before the first entry, got %v", err)
	}

	// Out-of-range cursor values never reach the keyset; the attribute
	// ACL's composite range rejects them first.
	if err := k.SetAttr(ctx, ks, AttrKeysetCursor, -9); !IsStatus(err, StatusArgumentValue) {
		t.Fatalf("expected argument error for unknown cursor code, got %v", err)
	}
}

func TestKeysetRejectsEmptyID(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()
	ks, _ := k.OpenKeyset(ctx)
	src := newCBCContext(t, k)
	if err := k.AddKey(ctx, ks, "", "", src); !IsStatus(err, StatusArgumentValue) {
		t.Fatalf("expected argument error for empty id, got %v", err)
	}
}
