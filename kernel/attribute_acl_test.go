package kernel

import (
	"context"
	"testing"
)

func TestAttributeTableConsistency(t *testing.T) {
	// The source runs this scan in debug builds; here it is a permanent
	// unit test.
	if err := checkAttributeACLConsistency(); err != nil {
		t.Fatal(err)
	}
}

func TestMessageTableConsistency(t *testing.T) {
	if err := checkMessageACLConsistency(); err != nil {
		t.Fatal(err)
	}
}

// TestNumericBoundaries checks the fence-posts for numeric
// attributes: reject bound−1 and bound+1, accept the bounds themselves.
func TestNumericBoundaries(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}

	// AttrUsageCount is declared [0, 1<<30].
	cases := []struct {
		value int64
		ok    bool
	}{
		{-1, false},
		{0, true},
		{1 << 30, true},
		{1<<30 + 1, false},
	}
	for _, tc := range cases {
		err := k.SetAttr(ctx, h, AttrUsageCount, tc.value)
		if tc.ok && err != nil {
			t.Errorf("value %d should be accepted: %v", tc.value, err)
		}
		if !tc.ok && !IsStatus(err, StatusArgumentValue) {
			t.Errorf("value %d should be rejected with argument error, got %v", tc.value, err)
		}
	}
}

// TestStringBoundaries checks the length fence-posts for string attributes.
func TestStringBoundaries(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}

	// AttrLabel is declared [0, 64].
	if err := k.SetAttrString(ctx, h, AttrLabel, []byte{}); err != nil {
		t.Errorf("min-length label should be accepted: %v", err)
	}
	if err := k.SetAttrString(ctx, h, AttrLabel, repeatByte('a', 64)); err != nil {
		t.Errorf("max-length label should be accepted: %v", err)
	}
	if err := k.SetAttrString(ctx, h, AttrLabel, repeatByte('a', 65)); !IsStatus(err, StatusArgumentValue) {
		t.Errorf("over-length label should be rejected, got %v", err)
	}

	// AttrKey on AES is bounded by the algorithm's key sizes at load
	// time; 15 bytes passes the generic length check but fails the
	// capability range check.
	if err := k.SetAttrString(ctx, h, AttrKey, repeatByte(0x01, 15)); !IsStatus(err, StatusArgumentValue) {
		t.Errorf("15-byte AES key should be rejected, got %v", err)
	}
}

func TestGetSetRoundTripLaw(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}

	// get(set(O, A, v)) = v for in-range writable attributes.
	if err := k.SetAttr(ctx, h, AttrKeySize, 24); err != nil {
		t.Fatal(err)
	}
	if v, err := k.GetAttr(ctx, h, AttrKeySize); err != nil || v != 24 {
		t.Errorf("keysize round trip: got %d, %v", v, err)
	}

	if err := k.SetAttrString(ctx, h, AttrLabel, []byte("my-context")); err != nil {
		t.Fatal(err)
	}
	if b, err := k.GetAttrString(ctx, h, AttrLabel); err != nil || string(b) != "my-context" {
		t.Errorf("label round trip: got %q, %v", b, err)
	}
}

func TestAttributeTypeMismatchRejected(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	// Context attributes do not apply to keysets.
	ks, err := k.OpenKeyset(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = k.GetAttr(ctx, ks, AttrMode)
	if !IsStatus(err, StatusArgumentObject) {
		t.Fatalf("expected object-argument error for wrong object type, got %v", err)
	}
}

func TestUnknownAttributeRejected(t *testing.T) {
	k := newTestKernel(t)
	h, err := k.CreateContext(context.Background(), AlgoAES)
	if err != nil {
		t.Fatal(err)
	}
	_, err = k.GetAttr(context.Background(), h, AttrID(9999))
	if !IsStatus(err, StatusArgumentValue) {
		t.Fatalf("expected argument error for unknown attribute, got %v", err)
	}
}

func TestErrorHistoryPreserved(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}

	// Provoke a failure, then succeed; the error pair must survive the
	// success.
	_ = k.SetAttr(ctx, h, AttrUsageCount, -1)
	if err := k.SetAttr(ctx, h, AttrUsageCount, 5); err != nil {
		t.Fatal(err)
	}
	v, err := k.GetAttr(ctx, h, AttrErrorType)
	if err != nil {
		t.Fatal(err)
	}
	if Status(v) != StatusArgumentValue {
		t.Errorf("expected recorded argument error, got %s", Status(v))
	}
}

func TestBooleanCanonicalisation(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoRSA)
	if err != nil {
		t.Fatal(err)
	}
	// Booleans accept any integer, canonicalised to {false, true}.
	if err := k.SetAttr(ctx, h, AttrSideChannelProtection, 7); err != nil {
		t.Fatal(err)
	}
	if v, _ := k.GetAttr(ctx, h, AttrSideChannelProtection); v != 1 {
		t.Errorf("expected canonical true, got %d", v)
	}
	if err := k.SetAttr(ctx, h, AttrSideChannelProtection, 0); err != nil {
		t.Fatal(err)
	}
	if v, _ := k.GetAttr(ctx, h, AttrSideChannelProtection); v != 0 {
		t.Errorf("expected canonical false, got %d", v)
	}
}
