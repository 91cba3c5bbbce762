// Package unix implements the Unix domain socket transport of the dSeq RPC
// layer, for clients running on the same machine as a node. Framing, pooling
// and reconnects come from the base package.
package unix
