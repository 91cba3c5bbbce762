package serializer

import (
	"testing"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":  NewJSONSerializer,
	"Proto": NewProtoSerializer,
}

func testRequests() []common.Request {
	return []common.Request{
		{},
		common.NewReadRequest("Deep"),
		common.NewWriteRequest("Deep", []byte("First write")),
		common.NewDeleteRequest("Deep"),
		{Key: "k", Op: store.OpWrite, Seq: 42, Payload: make([]byte, 1024)},
	}
}

func testResponses() []common.Response {
	return []common.Response{
		{},
		common.NewOkResponse(common.NewWriteRequest("Deep", []byte("First write")), 7, nil),
		common.NewOkResponse(common.NewReadRequest("Deep"), 7, []byte("First write")),
		{Key: "", Status: common.StatusInvalidKey, Op: store.OpWrite, Payload: []byte("store: invalid key")},
		{Key: "x", Status: common.StatusServerError, Op: store.OpDelete, Payload: []byte("not leader")},
	}
}

func testPeerMessages() []common.PeerMessage {
	entries := []store.Entry{
		{Key: "a", Op: store.OpWrite, Seq: 3, Prev: 1, Payload: []byte("1"), TxnID: "t1", Timestamp: 100},
		{Key: "b", Op: store.OpDelete, Seq: 4, Prev: 3},
	}
	return []common.PeerMessage{
		{MsgType: common.MsgTHighWater, Group: 1},
		{MsgType: common.MsgTReplicate, Group: 2, Term: 17, Entries: entries},
		{MsgType: common.MsgTReplicate, Group: 2, HighWater: 4},
		{MsgType: common.MsgTCatchUp, Group: 0, From: 10, Max: 100, ForceSnapshot: true},
		{MsgType: common.MsgTCatchUp, HighWater: 99, Snapshot: []byte{0x28, 0xb5, 0x2f, 0xfd}},
		{MsgType: common.MsgTFetch, Group: 3, From: 5, Max: 256, HighWater: 6, Entries: entries[:1]},
		{MsgType: common.MsgTReplicate, Code: common.CodeStaleTerm, Err: "replication: stale term"},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()

			for i, req := range testRequests() {
				data, err := s.EncodeRequest(req)
				require.NoError(t, err)
				var got common.Request
				require.NoError(t, s.DecodeRequest(data, &got))
				assert.Equal(t, req, got, "request %d", i)
			}

			for i, resp := range testResponses() {
				data, err := s.EncodeResponse(resp)
				require.NoError(t, err)
				var got common.Response
				require.NoError(t, s.DecodeResponse(data, &got))
				assert.Equal(t, resp, got, "response %d", i)
			}

			for i, msg := range testPeerMessages() {
				data, err := s.EncodePeer(msg)
				require.NoError(t, err)
				var got common.PeerMessage
				require.NoError(t, s.DecodePeer(data, &got))
				assert.Equal(t, msg, got, "peer message %d", i)
			}
		})
	}
}

// TestDecodeResetsTarget checks that decoding into a used value leaves no
// stale fields behind
func TestDecodeResetsTarget(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()
			data, err := s.EncodeRequest(common.NewReadRequest("b"))
			require.NoError(t, err)

			req := common.NewWriteRequest("a", []byte("v"))
			require.NoError(t, s.DecodeRequest(data, &req))
			assert.Equal(t, common.NewReadRequest("b"), req)
		})
	}
}

// TestProtoFieldNumbers pins the wire layout of the client protocol
func TestProtoFieldNumbers(t *testing.T) {
	s := NewProtoSerializer()

	data, err := s.EncodeResponse(common.Response{Key: "k", Status: common.StatusInvalidOp, Op: store.OpDelete, Seq: 9, Payload: []byte("p")})
	require.NoError(t, err)

	var want []byte
	want = protowire.AppendTag(want, 1, protowire.BytesType)
	want = protowire.AppendString(want, "k")
	want = protowire.AppendTag(want, 2, protowire.VarintType)
	want = protowire.AppendVarint(want, 1)
	want = protowire.AppendTag(want, 3, protowire.VarintType)
	want = protowire.AppendVarint(want, 2)
	want = protowire.AppendTag(want, 4, protowire.VarintType)
	want = protowire.AppendVarint(want, 9)
	want = protowire.AppendTag(want, 5, protowire.BytesType)
	want = protowire.AppendBytes(want, []byte("p"))
	assert.Equal(t, want, data)
}

// TestProtoSkipsUnknownFields tests forward compatibility with newer peers
func TestProtoSkipsUnknownFields(t *testing.T) {
	s := NewProtoSerializer()
	data, err := s.EncodeRequest(common.NewWriteRequest("k", []byte("v")))
	require.NoError(t, err)
	data = protowire.AppendTag(data, 15, protowire.BytesType)
	data = protowire.AppendString(data, "future")

	var req common.Request
	require.NoError(t, s.DecodeRequest(data, &req))
	assert.Equal(t, common.NewWriteRequest("k", []byte("v")), req)
}

// TestInvalidProtoData tests how the proto serializer handles corrupt data
func TestInvalidProtoData(t *testing.T) {
	s := NewProtoSerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{name: "Empty data", data: []byte{}, expectError: false},
		{name: "Truncated tag", data: []byte{0xff}, expectError: true},
		{name: "Key length beyond data", data: []byte{0x0a, 5, 'a', 'b', 'c'}, expectError: true},
		{name: "Truncated varint", data: []byte{0x10, 0x80}, expectError: true},
		{name: "Corrupt entry", data: []byte{0x42, 1, 0xff}, expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var req common.Request
			errReq := s.DecodeRequest(tc.data, &req)
			var msg common.PeerMessage
			errPeer := s.DecodePeer(tc.data, &msg)

			if tc.expectError {
				assert.True(t, errReq != nil || errPeer != nil)
			} else {
				assert.NoError(t, errReq)
				assert.NoError(t, errPeer)
			}
		})
	}
}

// TestStatusJSON tests the named json encoding of the response status
func TestStatusJSON(t *testing.T) {
	s := NewJSONSerializer()
	data, err := s.EncodeResponse(common.Response{Key: "k", Status: common.StatusInvalidKey})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"Invalid_Key"`)

	var resp common.Response
	assert.Error(t, s.DecodeResponse([]byte(`{"status":"Nope"}`), &resp))
}
