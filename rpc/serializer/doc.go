// Package serializer converts the messages of the dSeq RPC protocols to and
// from bytes.
//
// Key Components:
//
//   - IRPCSerializer: the interface every format implements, one encode and
//     decode pair per message kind (client request, client response, peer
//     message).
//
//   - protoSerializerImpl: protobuf wire format written with protowire. Log
//     entries inside peer messages use the entry schema of the store package,
//     so a replicated entry is byte for byte the record a follower persists.
//     Unknown fields are skipped. Used in production.
//
//   - jsonSerializerImpl: JSON encoding, useful for debugging with curl
//     against the http transport.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s := serializer.NewProtoSerializer()
//	data, err := s.EncodeRequest(common.NewWriteRequest("Deep", []byte("First write")))
//	// ... send data ...
//	var resp common.Response
//	err = s.DecodeResponse(received, &resp)
package serializer
