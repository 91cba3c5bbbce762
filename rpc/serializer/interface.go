package serializer

import "github.com/ValentinKolb/dSeq/rpc/common"

// IRPCSerializer converts the messages of the client and peer protocols to
// and from bytes. Implementations are stateless and safe for concurrent use.
type IRPCSerializer interface {
	// EncodeRequest serializes a client request
	EncodeRequest(req common.Request) ([]byte, error)
	// DecodeRequest deserializes a client request into req
	DecodeRequest(b []byte, req *common.Request) error

	// EncodeResponse serializes a client response
	EncodeResponse(resp common.Response) ([]byte, error)
	// DecodeResponse deserializes a client response into resp
	DecodeResponse(b []byte, resp *common.Response) error

	// EncodePeer serializes a replication or CDC message
	EncodePeer(msg common.PeerMessage) ([]byte, error)
	// DecodePeer deserializes a replication or CDC message into msg
	DecodePeer(b []byte, msg *common.PeerMessage) error
}
