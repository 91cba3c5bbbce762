package replication

import (
	"fmt"
	"sync"

	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/klauspost/compress/zstd"
)

var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil)
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
)

// EncodeSnapshot returns the zstd compressed protobuf encoding of s as sent
// in CatchUpResponse.Snapshot.
func EncodeSnapshot(s store.Snapshot) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(store.EncodeSnapshot(s), nil)
}

// DecodeSnapshot reverses EncodeSnapshot.
func DecodeSnapshot(b []byte) (store.Snapshot, error) {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("replication: decompress snapshot: %w", err)
	}
	return store.DecodeSnapshot(raw)
}
