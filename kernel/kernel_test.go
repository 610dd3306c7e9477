package kernel

import (
	"context"
	"testing"
)

// newTestKernel brings up a kernel with self-tests disabled (the
// capability tests exercise those separately) and tears it down with the
// test.
func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	k := New(WithSelfTest(false))
	if err := k.Init(context.Background()); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return k
}

func TestInitCreatesSystemDeviceAndUser(t *testing.T) {
	k := newTestKernel(t)

	// Handle 0 is the system device, created before any other object.
	obj, err := k.table.acquire(SystemDeviceHandle)
	if err != nil {
		t.Fatalf("system device not reachable: %v", err)
	}
	if obj.typ != ObjectTypeDevice || obj.subtype != SubtypeDeviceSystem {
		t.Errorf("handle 0 is %s/%d, want system device", obj.typ, obj.subtype)
	}
	k.table.release(obj)

	if k.DefaultUser() == NoHandle {
		t.Error("expected a default user")
	}
	if k.ObjectCount() != 2 {
		t.Errorf("expected 2 objects after init, got %d", k.ObjectCount())
	}
}

func TestDoubleInitRejected(t *testing.T) {
	k := newTestKernel(t)
	err := k.Init(context.Background())
	if !IsStatus(err, StatusInited) {
		t.Fatalf("expected StatusInited, got %v", err)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	k := New(WithSelfTest(false))
	if err := k.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := k.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := k.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown should be a no-op: %v", err)
	}
}

func TestShutdownDestroysAllObjects(t *testing.T) {
	k := New(WithSelfTest(false))
	ctx := context.Background()
	if err := k.Init(ctx); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := k.CreateContext(ctx, AlgoAES); err != nil {
			t.Fatalf("create context: %v", err)
		}
	}
	if err := k.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if n := k.ObjectCount(); n != 0 {
		t.Errorf("expected 0 objects after shutdown, got %d", n)
	}
}

func TestMessagesRejectedAfterShutdown(t *testing.T) {
	k := New(WithSelfTest(false))
	ctx := context.Background()
	if err := k.Init(ctx); err != nil {
		t.Fatal(err)
	}
	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = k.GetAttr(ctx, h, AttrAlgo)
	if !IsStatus(err, StatusNotInitialised) {
		t.Fatalf("expected not-initialised after shutdown, got %v", err)
	}
}

func TestSystemDeviceCannotBeDestroyedExternally(t *testing.T) {
	k := newTestKernel(t)
	err := k.DestroyObject(context.Background(), SystemDeviceHandle)
	if !IsStatus(err, StatusPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestDestroyDecrementsDeviceRefCount(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	before := k.ObjectCount()
	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}
	if k.ObjectCount() != before+1 {
		t.Fatalf("expected %d objects, got %d", before+1, k.ObjectCount())
	}

	if err := k.DestroyObject(ctx, h); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if k.ObjectCount() != before {
		t.Errorf("expected %d objects after destroy, got %d", before, k.ObjectCount())
	}

	// The handle is gone; a second destroy must fail cleanly.
	err = k.DestroyObject(ctx, h)
	if !IsStatus(err, StatusArgumentValue) {
		t.Fatalf("expected argument error for dead handle, got %v", err)
	}
}

func TestRefCountKeepsObjectAlive(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.sendNotifier(ctx, &message{target: h, typ: MsgIncRef}); err != nil {
		t.Fatal(err)
	}
	if err := k.DestroyObject(ctx, h); err != nil {
		t.Fatalf("first destroy (decref): %v", err)
	}
	// Still alive: the extra reference holds it.
	if _, err := k.GetAttr(ctx, h, AttrAlgo); err != nil {
		t.Fatalf("object should still be alive: %v", err)
	}
	if err := k.DestroyObject(ctx, h); err != nil {
		t.Fatalf("final destroy: %v", err)
	}
	if _, err := k.GetAttr(ctx, h, AttrAlgo); err == nil {
		t.Fatal("object should be gone")
	}
}

func TestZeroisationOnDestroy(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	h, err := k.CreateContext(ctx, AlgoAES)
	if err != nil {
		t.Fatal(err)
	}
	key := make([]byte, 16)
	for i := range key {
		key[i] = 0x01
	}
	if err := k.SetAttrString(ctx, h, AttrKey, key); err != nil {
		t.Fatal(err)
	}

	// Grab the payload pointer before destruction, then verify the key
	// bytes were wiped.
	obj, err := k.table.acquire(h)
	if err != nil {
		t.Fatal(err)
	}
	cp := obj.payload.(*contextPayload)
	keyRef := cp.conv.key
	k.table.release(obj)

	if err := k.DestroyObject(ctx, h); err != nil {
		t.Fatal(err)
	}
	for i, b := range keyRef {
		if b != 0 {
			t.Fatalf("key byte %d not zeroised", i)
		}
	}
}

func TestModuleOrderRespectsDependencies(t *testing.T) {
	order, err := resolveModuleOrder(kernelModules)
	if err != nil {
		t.Fatal(err)
	}
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	for _, m := range kernelModules {
		for _, dep := range m.deps {
			if pos[dep] >= pos[m.name] {
				t.Errorf("module %s ordered before its dependency %s", m.name, dep)
			}
		}
	}
}

func TestContextDeadlineSurfacesAsTimeout(t *testing.T) {
	k := newTestKernel(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h, err := k.CreateContext(context.Background(), AlgoAES)
	if err != nil {
		t.Fatal(err)
	}
	// Hold the object's lock so the dispatch has to wait, then let the
	// cancelled context expire the wait.
	obj, err := k.table.acquire(h)
	if err != nil {
		t.Fatal(err)
	}
	_, err = k.GetAttr(ctx, h, AttrAlgo)
	k.table.release(obj)
	if !IsStatus(err, StatusTimeout) {
		t.Fatalf("expected timeout for cancelled context, got %v", err)
	}
}
