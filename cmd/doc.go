// Package cmd implements the command-line interface of dSeq. It provides a
// hierarchical command structure for running a node and for interacting
// with a deployment as a client.
//
// The package is organized into several subpackages:
//
//   - serve: starts a node (configuration from flags, DSEQ_* and the plain
//     LEASE_TTL, REFRESH_INTERVAL, ETCD, NODE and ADDRESS variables)
//   - kv: key-value operations (get, put, del) and the perf tool, which
//     checks that concurrent writers never receive the same sequence number
//   - cdc: tails the change feed of a group, optionally into NATS
//   - util: shared utilities for command-line processing and configuration (internal use)
//
// See dseq -help for a list of all commands.
package cmd
