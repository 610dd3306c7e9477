package kernel

import (
	"context"
	"testing"
	"time"
)

// slowSigner is a signer capability whose key generation blocks until
// the test releases it, making the busy/abort sequence
// deterministic.
type slowSigner struct {
	proceed chan struct{}
	result  pkcKeyPair
}

type stubKeyPair struct{}

func (stubKeyPair) isPKCKeyPair() {}

func (s *slowSigner) MinKeySize() int { return 128 }

func (s *slowSigner) GenerateKey(bits int) (pkcKeyPair, error) {
	<-s.proceed
	return s.result, nil
}

func (s *slowSigner) Sign(priv pkcKeyPair, digest []byte, blind bool) ([]byte, error) {
	return append([]byte(nil), digest...), nil
}

func (s *slowSigner) Verify(pub pkcKeyPair, digest, sig []byte) error { return nil }

const algoSlowTest AlgorithmID = 1000

func registerSlowSigner(t *testing.T, k *Kernel) *slowSigner {
	t.Helper()
	signer := &slowSigner{proceed: make(chan struct{}), result: stubKeyPair{}}
	err := k.caps.register(&capabilityDescriptor{
		info:     CapabilityInfo{Algo: algoSlowTest, Name: "slow-test-signer"},
		family:   familyPKC,
		signer:   signer,
		selfTest: func() error { return nil },
	})
	if err != nil {
		t.Fatalf("register slow signer: %v", err)
	}
	return signer
}

func newSlowPKCContext(t *testing.T, k *Kernel) Handle {
	t.Helper()
	res, err := k.sendInternal(context.Background(), SystemDeviceHandle, MsgDevCreateObject,
		createObjectArgs{typ: ObjectTypeContext, algo: algoSlowTest}, nil)
	if err != nil {
		t.Fatalf("create slow context: %v", err)
	}
	return res.(Handle)
}

func waitAsyncStatus(t *testing.T, k *Kernel, h Handle, want AsyncStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		v, err := k.GetAttr(context.Background(), h, AttrAsyncStatus)
		if err != nil {
			t.Fatalf("get async status: %v", err)
		}
		if AsyncStatus(v) == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("async status never reached %d", want)
}

func TestAsyncKeyGenCompletes(t *testing.T) {
	k := newTestKernel(t)
	signer := registerSlowSigner(t, k)
	h := newSlowPKCContext(t, k)
	ctx := context.Background()

	if err := k.GenerateKeyAsync(ctx, h); err != nil {
		t.Fatalf("start async: %v", err)
	}

	// The context is busy: any mutating message times out immediately,
	// while pure queries still pass.
	if err := k.SetAttr(ctx, h, AttrForwardCount, 1); !IsStatus(err, StatusTimeout) {
		t.Fatalf("expected timeout on busy object, got %v", err)
	}
	if v, err := k.GetAttr(ctx, h, AttrAsyncStatus); err != nil || AsyncStatus(v) != AsyncInProgress {
		t.Fatalf("expected in-progress status, got %d, %v", v, err)
	}

	close(signer.proceed)
	if err := k.WaitAsync(ctx, h); err != nil {
		t.Fatalf("wait async: %v", err)
	}
	waitAsyncStatus(t, k, h, AsyncDone)

	// The worker performed the low→high transition.
	obj, err := k.table.acquire(h)
	if err != nil {
		t.Fatal(err)
	}
	state := obj.state
	k.table.release(obj)
	if state != StateHigh {
		t.Fatal("context should be high after async generation")
	}
}

func TestAsyncKeyGenAbort(t *testing.T) {
	k := newTestKernel(t)
	signer := registerSlowSigner(t, k)
	h := newSlowPKCContext(t, k)
	ctx := context.Background()

	if err := k.GenerateKeyAsync(ctx, h); err != nil {
		t.Fatal(err)
	}

	// Abort must be deliverable while the object is busy.
	if err := k.AbortAsyncOperation(ctx, h); err != nil {
		t.Fatalf("abort: %v", err)
	}
	close(signer.proceed)
	if err := k.WaitAsync(ctx, h); err != nil {
		t.Fatal(err)
	}
	waitAsyncStatus(t, k, h, AsyncAborted)

	// The abort left the context low and safely destroyable.
	obj, err := k.table.acquire(h)
	if err != nil {
		t.Fatal(err)
	}
	state := obj.state
	k.table.release(obj)
	if state != StateLow {
		t.Fatal("aborted generation must not transition the context")
	}
	if err := k.DestroyObject(ctx, h); err != nil {
		t.Fatalf("destroy after abort: %v", err)
	}
}

func TestWaitAsyncHonoursContext(t *testing.T) {
	k := newTestKernel(t)
	signer := registerSlowSigner(t, k)
	h := newSlowPKCContext(t, k)

	if err := k.GenerateKeyAsync(context.Background(), h); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := k.WaitAsync(ctx, h); !IsStatus(err, StatusTimeout) {
		t.Fatalf("expected timeout from expired wait, got %v", err)
	}

	close(signer.proceed)
	if err := k.WaitAsync(context.Background(), h); err != nil {
		t.Fatal(err)
	}
}
