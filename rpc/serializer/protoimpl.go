package serializer

import (
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"google.golang.org/protobuf/encoding/protowire"
)

// NewProtoSerializer creates a new serializer producing protobuf wire format.
// The messages follow this schema:
//
//	message Request  { string key = 1; Op op = 2; uint64 seq = 3; bytes payload = 4; }
//	message Response { string key = 1; Status status = 2; Op op = 3; uint64 seq = 4; bytes payload = 5; }
//	message PeerMessage {
//	  PeerMsgType msg_type = 1; uint64 group = 2; int64 term = 3; uint64 from = 4;
//	  uint64 max = 5; bool force_snapshot = 6; uint64 high_water = 7;
//	  repeated Entry entries = 8; bytes snapshot = 9; ErrCode code = 10; string err = 11;
//	}
//
// Entry is the log entry message of the store package.
func NewProtoSerializer() IRPCSerializer {
	return &protoSerializerImpl{}
}

// protoSerializerImpl implements IRPCSerializer with protowire
type protoSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (p protoSerializerImpl) EncodeRequest(req common.Request) ([]byte, error) {
	b := make([]byte, 0, len(req.Key)+len(req.Payload)+24)
	b = appendString(b, 1, req.Key)
	b = appendVarint(b, 2, uint64(req.Op))
	b = appendVarint(b, 3, req.Seq)
	b = appendBytes(b, 4, req.Payload)
	return b, nil
}

func (p protoSerializerImpl) DecodeRequest(b []byte, req *common.Request) error {
	*req = common.Request{}
	return walk(b, "request", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &req.Key), nil
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			n := consumeVarint(b, &v)
			req.Op = store.Op(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(b, &req.Seq), nil
		case num == 4 && typ == protowire.BytesType:
			return consumeBytes(b, &req.Payload), nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (p protoSerializerImpl) EncodeResponse(resp common.Response) ([]byte, error) {
	b := make([]byte, 0, len(resp.Key)+len(resp.Payload)+24)
	b = appendString(b, 1, resp.Key)
	b = appendVarint(b, 2, uint64(resp.Status))
	b = appendVarint(b, 3, uint64(resp.Op))
	b = appendVarint(b, 4, resp.Seq)
	b = appendBytes(b, 5, resp.Payload)
	return b, nil
}

func (p protoSerializerImpl) DecodeResponse(b []byte, resp *common.Response) error {
	*resp = common.Response{}
	return walk(b, "response", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &resp.Key), nil
		case num == 2 && typ == protowire.VarintType:
			n := consumeVarint(b, &v)
			resp.Status = common.Status(v)
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			n := consumeVarint(b, &v)
			resp.Op = store.Op(v)
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			return consumeVarint(b, &resp.Seq), nil
		case num == 5 && typ == protowire.BytesType:
			return consumeBytes(b, &resp.Payload), nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

func (p protoSerializerImpl) EncodePeer(msg common.PeerMessage) ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(msg.MsgType))
	b = appendVarint(b, 2, msg.Group)
	b = appendVarint(b, 3, uint64(msg.Term))
	b = appendVarint(b, 4, msg.From)
	b = appendVarint(b, 5, msg.Max)
	if msg.ForceSnapshot {
		b = appendVarint(b, 6, 1)
	}
	b = appendVarint(b, 7, msg.HighWater)
	for _, e := range msg.Entries {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, store.EncodeEntry(e))
	}
	b = appendBytes(b, 9, msg.Snapshot)
	b = appendVarint(b, 10, uint64(msg.Code))
	b = appendString(b, 11, msg.Err)
	return b, nil
}

func (p protoSerializerImpl) DecodePeer(b []byte, msg *common.PeerMessage) error {
	*msg = common.PeerMessage{}
	return walk(b, "peer message", func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		if typ == protowire.VarintType {
			n := consumeVarint(b, &v)
			switch num {
			case 1:
				msg.MsgType = common.PeerMsgType(v)
			case 2:
				msg.Group = v
			case 3:
				msg.Term = int64(v)
			case 4:
				msg.From = v
			case 5:
				msg.Max = v
			case 6:
				msg.ForceSnapshot = v != 0
			case 7:
				msg.HighWater = v
			case 10:
				msg.Code = common.ErrCode(v)
			}
			return n, nil
		}

		switch {
		case num == 8 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			e, err := store.DecodeEntry(raw)
			if err != nil {
				return 0, err
			}
			msg.Entries = append(msg.Entries, e)
			return n, nil
		case num == 9 && typ == protowire.BytesType:
			return consumeBytes(b, &msg.Snapshot), nil
		case num == 11 && typ == protowire.BytesType:
			return consumeString(b, &msg.Err), nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// walk calls fn for every field of the encoded message b. fn returns the
// number of bytes consumed from the field value (negative on malformed input).
func walk(b []byte, name string, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("serializer: decode %s: %w", name, protowire.ParseError(n))
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("serializer: decode %s field %d: %w", name, num, err)
		}
		if n < 0 {
			return fmt.Errorf("serializer: decode %s field %d: %w", name, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func consumeVarint(b []byte, dst *uint64) int {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeString(b []byte, dst *string) int {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(b []byte, dst *[]byte) int {
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}
