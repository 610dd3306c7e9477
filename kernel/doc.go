// Package kernel implements the object kernel of a general-purpose
// cryptographic toolkit.
//
// # Architecture Overview
//
// The kernel acts as an operating system kernel for cryptographic objects.
// Every context, certificate, keyset, envelope, session, user, and device
// is a record in a single object table, reachable only through an opaque
// integer handle. Every operation on a record — encrypt a buffer, verify a
// certificate, wrap a key, open a session — is a message sent through one
// mediator, the Kernel, which enforces access control, lifecycle
// invariants, and inter-object dependencies before any type-specific code
// runs.
//
//	┌─────────────────────────────────────────────────────────────────┐
//	│                         Caller (external)                        │
//	├─────────────────────────────────────────────────────────────────┤
//	│                      Message Dispatcher (D)                      │
//	│   handle lookup → busy check → message ACL → attribute ACL (B)   │
//	├───────────────┬───────────────┬───────────────┬─────────────────┤
//	│ Object Table  │  Capability   │    Context     │ Device Mediator │
//	│     (C)       │  Registry (A) │ Lifecycle (E)  │      (F)        │
//	├───────────────┴───────────────┴───────────────┴─────────────────┤
//	│        Init/Shutdown (G)   Error Model (H)   Internal Msgs (I)   │
//	└─────────────────────────────────────────────────────────────────┘
//
// # Core Components
//
//   - Capability Registry (capability.go, capability_algorithms.go): per-
//     algorithm descriptors and the concrete standard-library-backed
//     function tables that satisfy them.
//   - Attribute ACL Engine (attribute.go, attribute_acl.go): declarative,
//     table-driven validation of every get/set/delete.
//   - Object Table (table.go): handle allocation, typed accessors,
//     acquire/release/suspend semantics.
//   - Message Dispatcher (dispatcher.go, message.go, message_acl.go): the
//     single entry point every operation passes through.
//   - Context Lifecycle (context.go): low→high state machine, key load,
//     sync/async key generation, RSA blinding bookkeeping.
//   - Device Mediator (device.go): the system device and external device
//     shape, mechanism-table fallback, entropy.
//   - Dependency graph (dependency.go): the creation-order DAG that makes
//     cycles unrepresentable.
//   - Health & self-test (health.go): capability self-test results, with
//     an optional periodic re-check.
//   - Error model (errors.go): locus/type pairs and the Status codebase.
//   - Kernel facade (kernel.go, options.go): wires the above into one
//     constructible, start/stoppable unit.
//
// # Usage
//
//	k := kernel.New(kernel.WithLogger(logging.New("kernel", "info", "json")))
//	if err := k.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer k.Shutdown(ctx)
//
//	h, err := k.CreateContext(ctx, kernel.AlgoAES)
//
// # Design Principles
//
//  1. One mediator: every cross-object call re-enters the dispatcher so
//     ACL, ref-count, and state checks apply uniformly.
//  2. ACL tables are data, not code.
//  3. State transitions are one-way and all-or-nothing.
//  4. No raw pointers escape the dispatcher; callers only ever hold a
//     Handle.
package kernel
