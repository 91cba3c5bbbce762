/*
Package lease wraps the lease primitive of the coordination service.

A lease is a time bounded exclusive claim on a key. The Manager offers four
operations:

  - Acquire: conditional put of a key under a fresh lease. Succeeds only if
    the key is vacant, otherwise ErrBusy.
  - Refresh: renews the lease. Fails with ErrExpired when the coordinator no
    longer knows the lease or when the local deadline already passed.
  - Release: revokes the lease, which deletes every key bound to it.
  - Register: unconditional put under a fresh lease, used for liveness keys.

Keep runs the refresh loop of a handle. The refresh interval must be strictly
shorter than the ttl (e.g. 0.8 * ttl).

# Local Deadline

Every Handle tracks a local deadline: the start of the last successful
refresh plus the ttl. Since the coordinator measures the ttl from a point in
time after the start of the request, the local deadline always passes before
the coordinator expires the lease. Callers use Handle.Valid on the critical
path, so a node whose refresh task is starved stops acting as holder before
any other node can acquire the key:

	if !h.Valid(clock.Now()) {
		return ErrNotLeader
	}
*/
package lease
