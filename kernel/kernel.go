package kernel

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cryptlib-go/cryptlib/infrastructure/logging"
)

// Shutdown levels. The level only ever increases during a
// shutdown and is read without locking by workers.
const (
	shutdownNone int32 = iota
	shutdownThreadsExiting
	shutdownMessagesClosed
	shutdownMutexesGone
)

// Kernel is the mediator every object operation passes through. It
// owns the object table, the capability registry, and the init mutex
// that guards bring-up and tear-down.
type Kernel struct {
	initMu      sync.Mutex
	initialised atomic.Bool
	shutdown    atomic.Int32

	table   *table
	caps    *capabilityRegistry
	health  *healthMonitor
	metrics *kernelMetrics
	log     *logging.Logger

	// keyRefs is the registry of published mechanism key references
	// (RegisterKeyReference); entries die with their owning context and
	// at shutdown, so key material never outlives the kernel data.
	keyRefMu sync.Mutex
	keyRefs  map[string]*keyRef

	opts options

	defaultUser Handle
	moduleOrder []string
}

// kernelModules is the sub-module bring-up graph. Nodes
// declare what they require and Init computes a valid order, so adding a
// sub-module means adding a node, not editing a hand-maintained list.
var kernelModules = []moduleDep{
	{name: "allocation"},
	{name: "attribute-acls", deps: []string{"allocation"}},
	{name: "certmgmt-acls", deps: []string{"attribute-acls"}},
	{name: "internal-messages", deps: []string{"allocation"}},
	{name: "keyset-acls", deps: []string{"attribute-acls"}},
	{name: "mechanism-acls", deps: []string{"attribute-acls"}},
	{name: "message-acls", deps: []string{"attribute-acls"}},
	{name: "object-table", deps: []string{"allocation", "message-acls"}},
	{name: "object-alt-access", deps: []string{"object-table"}},
	{name: "semaphores", deps: []string{"allocation"}},
	{name: "send-message", deps: []string{"object-table", "message-acls", "internal-messages"}},
}

// New constructs an unstarted kernel. Nothing is usable until Init.
func New(opts...Option) *Kernel {
	k := &Kernel{opts: defaultOptions()}
	for _, o := range opts {
		o(k)
	}
	if k.opts.logger == nil {
		k.opts.logger = logging.New("kernel", "info", "text")
	}
	k.log = k.opts.logger
	return k
}

// Init brings the kernel up under the init mutex: sub-modules in
// dependency order, capability registration, the system device
// (handle 0, created before any other object), the default user, and
// the optional self-test.
func (k *Kernel) Init(ctx context.Context) error {
	k.initMu.Lock()
	defer k.initMu.Unlock()

	if k.initialised.Load() {
		return newErr(StatusInited, LocusNone, "")
	}
	k.shutdown.Store(shutdownNone)

	order, err := resolveModuleOrder(kernelModules)
	if err != nil {
		return err
	}
	k.moduleOrder = order
	for _, name := range order {
		if err := k.initModule(name); err != nil {
			k.log.WithField("module", name).WithError(err).Error("kernel sub-module failed to initialise")
			return err
		}
	}

	k.caps = newCapabilityRegistry()
	if err := registerStandardCapabilities(k.caps); err != nil {
		return wrapErr(StatusFailed, LocusAlgorithm, "capability registration failed", err)
	}
	for _, d := range k.opts.capabilities {
		if err := k.caps.register(d); err != nil {
			return err
		}
	}
	k.health = newHealthMonitor()
	k.metrics = newKernelMetrics(k.opts.metricsNamespace, k.opts.registerer)
	k.keyRefMu.Lock()
	k.keyRefs = make(map[string]*keyRef)
	k.keyRefMu.Unlock()

	k.initialised.Store(true)

	// System device, handle 0, created before any other object and born
	// usable. It stays pinned until the default user exists to own it.
	dev := k.table.create(ObjectTypeDevice, SubtypeDeviceSystem, NoHandle, true)
	dev.payload = newSystemDevice()
	dev.handler = deviceMessageHandler
	dev.label = "system"
	dev.state = StateHigh

	// The default user owns everything created without an explicit
	// owner; it owns itself.
	user := k.table.create(ObjectTypeUser, SubtypeUserDefault, NoHandle, false)
	user.owner = user.handle
	user.payload = &userPayload{}
	user.handler = userMessageHandler
	user.state = StateHigh
	k.defaultUser = user.handle
	k.table.release(user)
	k.recordObjectCreated(ObjectTypeUser)

	dev.owner = k.defaultUser
	k.table.release(dev)
	k.recordObjectCreated(ObjectTypeDevice)
	logging.LogObjectCreated(k.log, int(SystemDeviceHandle), "device")

	if k.opts.selfTestAtInit {
		k.health.runSelfTests(k.caps, k.log, k.metrics)
	}
	if k.opts.selfTestSchedule != "" {
		if err := k.health.startSchedule(k.opts.selfTestSchedule, k.caps, k.log, k.metrics); err != nil {
			return err
		}
	}

	k.log.Info("kernel initialised")
	return nil
}

func (k *Kernel) initModule(name string) error {
	switch name {
	case "attribute-acls":
		return checkAttributeACLConsistency()
	case "message-acls":
		return checkMessageACLConsistency()
	case "object-table":
		k.table = newTable()
	}
	// The remaining sub-modules carry no state to build; they exist so
	// the bring-up order (and its reverse, for shutdown) stays explicit
	// and auditable.
	k.log.WithField("module", name).Debug("kernel sub-module up")
	return nil
}

// Shutdown tears the kernel down: raise the shutdown level so
// workers unwind, destroy every live object in reverse creation order,
// shut sub-modules in reverse bring-up order, zero the kernel data.
// It is idempotent.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.initMu.Lock()
	defer k.initMu.Unlock()

	if !k.initialised.Load() {
		return nil
	}

	k.shutdown.Store(shutdownThreadsExiting)
	logging.LogShutdown(k.log, "threads-exiting")
	k.health.stopSchedule()

	// Reverse creation order guarantees dependents die before the
	// objects they reference. The system device is skipped in the sweep
	// and destroyed at the very end: created before any other object,
	// destroyed after all others. Handles already gone
	// from dependency cascades are not an error.
	for _, h := range k.table.reverseCreationOrder() {
		if h == SystemDeviceHandle {
			continue
		}
		k.destroyAtShutdown(ctx, h)
	}
	k.destroyAtShutdown(ctx, SystemDeviceHandle)

	k.dropAllKeyRefs()

	k.shutdown.Store(shutdownMessagesClosed)
	logging.LogShutdown(k.log, "messages-closed")

	for i := len(k.moduleOrder) - 1; i >= 0; i-- {
		k.log.WithField("module", k.moduleOrder[i]).Debug("kernel sub-module down")
	}
	k.shutdown.Store(shutdownMutexesGone)
	logging.LogShutdown(k.log, "mutexes-gone")

	k.table = nil
	k.caps = nil
	k.health = nil
	k.initialised.Store(false)
	return nil
}

// destroyAtShutdown sends the internal destroy; a handle that already
// vanished in a dependency cascade is not an error.
func (k *Kernel) destroyAtShutdown(ctx context.Context, h Handle) {
	err := k.sendNotifier(ctx, &message{target: h, typ: MsgDestroy, internal: true})
	if err != nil && !IsStatus(err, StatusArgumentValue) {
		k.log.WithField("handle", int(h)).WithError(err).Warn("object did not destroy cleanly at shutdown")
	}
}

func (k *Kernel) isInitialised() bool { return k.initialised.Load() }
func (k *Kernel) shutdownLevel() int32 { return k.shutdown.Load() }

// ObjectCount reports the number of live objects, for tests and
// monitoring.
func (k *Kernel) ObjectCount() int {
	if !k.isInitialised() {
		return 0
	}
	return k.table.count()
}
