// Package coord defines the coordination service contract used by dSeq.
//
// The coordination service is treated as an opaque key-value store with
// leases. Every piece of state that is shared between nodes lives in it:
//
//   - the sequence counters (mutated only through CompareAndSwap)
//   - the leader and standby keys of every replication group (bound to leases)
//   - the membership registrations of every node (bound to liveness leases)
//   - the bootstrap counters used to assign nodes to groups
//
// Key Components:
//
//   - ICoordinator: the interface all backends implement. Revisions returned by
//     Get and List are the compare tokens for CompareAndSwap/CompareAndDelete.
//     A revision of 0 in CompareAndSwap means "the key must not exist", which is
//     the primitive behind exclusive lease acquisition.
//
//   - Key helpers (keys.go): the layout of the key space. All keys are relative;
//     backends prepend their configured namespace.
//
// Implementations:
//
//   - etcd: "github.com/ValentinKolb/dSeq/lib/coord/etcd", the production backend
//   - consul: "github.com/ValentinKolb/dSeq/lib/coord/consul", sessions act as leases
//   - memory: "github.com/ValentinKolb/dSeq/lib/coord/memory", in-process with an
//     injectable clock and fault switch, used by tests and single node mode
package coord
