// Package node wires the components of a dSeq process together: the
// coordinator client, the sequencer, the lease manager, the membership
// registry and router, and for the group of the node its store, replication
// engine, elector and change feed. All of them are served over one RPC
// server.
//
// A node joins exactly one group. The group is either configured or drawn
// at startup: a failover slot published by a leader whose group is short of
// members is claimed first, otherwise the node takes the next id of the id
// counter modulo the group count.
//
// Usage:
//
//	n, err := node.New(config)
//	if err != nil {
//		return err
//	}
//	if err := n.Start(ctx); err != nil {
//		return err
//	}
//	defer n.Shutdown(context.Background())
package node
