package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dSeq/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) EncodeRequest(req common.Request) ([]byte, error) {
	return json.Marshal(req)
}

func (j jsonSerializerImpl) DecodeRequest(b []byte, req *common.Request) error {
	return json.Unmarshal(b, req)
}

func (j jsonSerializerImpl) EncodeResponse(resp common.Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (j jsonSerializerImpl) DecodeResponse(b []byte, resp *common.Response) error {
	return json.Unmarshal(b, resp)
}

func (j jsonSerializerImpl) EncodePeer(msg common.PeerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) DecodePeer(b []byte, msg *common.PeerMessage) error {
	return json.Unmarshal(b, msg)
}
