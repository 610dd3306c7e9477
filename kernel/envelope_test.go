package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newEnvelopeWithKey(t *testing.T, k *Kernel) (env, keyCtx Handle) {
	t.Helper()
	ctx := context.Background()

	keyCtx, err := k.CreateContext(ctx, AlgoAES)
	require.NoError(t, err)
	require.NoError(t, k.SetAttrString(ctx, keyCtx, AttrKey, repeatByte(0x55, 32)))

	env, err = k.CreateEnvelope(ctx, keyCtx, "backup")
	require.NoError(t, err)
	return env, keyCtx
}

func TestEnvelopeSealOpenRoundTrip(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	env, _ := newEnvelopeWithKey(t, k)
	plaintext := []byte("the quick brown fox")

	sealed, err := k.EnvelopeSeal(ctx, env, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)
	require.Equal(t, "v1:", string(sealed[:3]))

	opened, err := k.EnvelopeOpen(ctx, env, sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestEnvelopeTamperDetection(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	env, _ := newEnvelopeWithKey(t, k)
	sealed, err := k.EnvelopeSeal(ctx, env, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = k.EnvelopeOpen(ctx, env, tampered)
	require.Error(t, err)
	// Either the base64 breaks or the AEAD tag fails; both are data
	// integrity failures, never a silent wrong-plaintext.
	st := StatusOf(err)
	require.Contains(t, []Status{StatusSignature, StatusBadData}, st)
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	env, _ := newEnvelopeWithKey(t, k)
	sealed, err := k.EnvelopeSeal(ctx, env, nil)
	require.NoError(t, err)
	require.Nil(t, sealed)
}

func TestEnvelopeRequires32ByteKey(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	keyCtx, err := k.CreateContext(ctx, AlgoAES)
	require.NoError(t, err)
	require.NoError(t, k.SetAttrString(ctx, keyCtx, AttrKey, repeatByte(0x55, 16)))

	_, err = k.CreateEnvelope(ctx, keyCtx, "backup")
	require.Error(t, err)
	require.Equal(t, StatusArgumentValue, StatusOf(err))
}

func TestEnvelopeKeepsKeyContextAlive(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	env, keyCtx := newEnvelopeWithKey(t, k)

	// The envelope holds a counted reference; destroying the context
	// only drops the caller's reference.
	require.NoError(t, k.DestroyObject(ctx, keyCtx))
	if _, err := k.GetAttr(ctx, keyCtx, AttrAlgo); err != nil {
		t.Fatalf("key context should be kept alive by the envelope: %v", err)
	}

	// Destroying the envelope releases the last reference.
	require.NoError(t, k.DestroyObject(ctx, env))
	if _, err := k.GetAttr(ctx, keyCtx, AttrAlgo); err == nil {
		t.Fatal("key context should be gone once the envelope is destroyed")
	}
}

func TestEnvelopeUsageCountApplies(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	env, _ := newEnvelopeWithKey(t, k)
	obj, err := k.table.acquire(env)
	require.NoError(t, err)
	one := 1
	obj.usage = &one
	k.table.release(obj)

	_, err = k.EnvelopeSeal(ctx, env, []byte("first"))
	require.NoError(t, err)
	_, err = k.EnvelopeSeal(ctx, env, []byte("second"))
	require.Equal(t, StatusPermissionDenied, StatusOf(err))
}
