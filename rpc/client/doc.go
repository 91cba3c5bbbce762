// Package client implements the client side of the dSeq RPC protocols.
//
// Key Components:
//
//   - KVClient: read, write and delete against a node. NewKVClient talks
//     to fixed endpoints; NewRoutedKVClient resolves the leader of the group
//     of each key through a router.Router backed by the membership
//     registry, keeps one transport per node address and retries requests
//     answered with "not leader" while the cached view converges. Reads go
//     to the primary first and fall back to the standby.
//
//   - Peer: replication.IPeer over the replication service of another
//     member. Error codes of the answers come back as the sentinels of the
//     replication and store packages (ErrStaleTerm, ErrCompacted, ...).
//
//   - CDCClient: cdc.ISource over the CDC service of a node, so that
//     cdc.Subscription works the same against a remote feed. Empty fetches
//     are polled.
//
// Usage:
//
//	c, err := client.NewKVClient(config, tcp.NewTCPClientTransport(), serializer.NewProtoSerializer())
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	seq, err := c.Put(ctx, "Deep", []byte("First write"))
package client
