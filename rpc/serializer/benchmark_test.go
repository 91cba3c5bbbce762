package serializer

import (
	"testing"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/rpc/common"
)

// benchmarkRequests returns a set of requests for targeted benchmarking
func benchmarkRequests() map[string]common.Request {
	return map[string]common.Request{
		"SmallKeyOnly":   common.NewReadRequest("k"),
		"LargeKeyOnly":   common.NewReadRequest("this-is-a-very-large-key-that-could-be-used-for-storing-data-or-as-a-document-id-in-some-cases"),
		"SmallValue":     common.NewWriteRequest("key", []byte("v")),
		"LargeValue":     common.NewWriteRequest("key", make([]byte, 1024)),
		"VeryLargeValue": common.NewWriteRequest("key", make([]byte, 1024*16)),
	}
}

// benchmarkBatch returns a replicate message carrying n entries
func benchmarkBatch(n int) common.PeerMessage {
	entries := make([]store.Entry, n)
	for i := range entries {
		entries[i] = store.Entry{Key: "key", Op: store.OpWrite, Seq: uint64(i + 2), Prev: uint64(i + 1), Payload: make([]byte, 128), TxnID: "0b0f5f8e-6b9d-4f4e-a3c2-5d1e0e7f6a11"}
	}
	return common.PeerMessage{MsgType: common.MsgTReplicate, Group: 1, Term: 42, Entries: entries}
}

// BenchmarkEncodeRequest benchmarks request serialization for all implementations
func BenchmarkEncodeRequest(b *testing.B) {
	for name, factory := range testSerializers {
		for msgName, req := range benchmarkRequests() {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					if _, err := serializer.EncodeRequest(req); err != nil {
						b.Fatalf("Failed to serialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkDecodeRequest benchmarks request deserialization for all implementations
func BenchmarkDecodeRequest(b *testing.B) {
	for name, factory := range testSerializers {
		for msgName, req := range benchmarkRequests() {
			b.Run(name+"_"+msgName, func(b *testing.B) {
				serializer := factory()
				data, err := serializer.EncodeRequest(req)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}
				b.ResetTimer()

				for i := 0; i < b.N; i++ {
					var got common.Request
					if err := serializer.DecodeRequest(data, &got); err != nil {
						b.Fatalf("Failed to deserialize: %v", err)
					}
				}
			})
		}
	}
}

// BenchmarkReplicateBatch benchmarks a full replicate round trip
func BenchmarkReplicateBatch(b *testing.B) {
	msg := benchmarkBatch(256)
	for name, factory := range testSerializers {
		b.Run(name, func(b *testing.B) {
			serializer := factory()
			for i := 0; i < b.N; i++ {
				data, err := serializer.EncodePeer(msg)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}
				var got common.PeerMessage
				if err := serializer.DecodePeer(data, &got); err != nil {
					b.Fatalf("Failed to deserialize: %v", err)
				}
				b.ReportMetric(float64(len(data)), "bytes")
			}
		})
	}
}
