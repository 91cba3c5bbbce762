package store

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Entries and snapshots are encoded as protobuf messages so that the log
// format and the wire format share one schema:
//
//	message Entry {
//	  string key = 1; Op op = 2; uint64 seq = 3; uint64 prev = 4;
//	  bytes payload = 5; string txn_id = 6; int64 timestamp = 7;
//	}
//	message Snapshot { uint64 high_water = 1; repeated Pair data = 2; }
//	message Pair { string key = 1; bytes value = 2; }

// AppendEntry appends the encoding of e to b.
func AppendEntry(b []byte, e Entry) []byte {
	if e.Key != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, e.Key)
	}
	if e.Op != 0 {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Op))
	}
	if e.Seq != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Seq)
	}
	if e.Prev != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, e.Prev)
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.TxnID != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, e.TxnID)
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, 7, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Timestamp))
	}
	return b
}

// EncodeEntry returns the encoding of e.
func EncodeEntry(e Entry) []byte {
	return AppendEntry(nil, e)
}

// DecodeEntry parses an encoded entry. Unknown fields are skipped.
func DecodeEntry(b []byte) (Entry, error) {
	var e Entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Entry{}, fmt.Errorf("store: decode entry: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			e.Key, n = protowire.ConsumeString(b)
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.Op = Op(v)
		case num == 3 && typ == protowire.VarintType:
			e.Seq, n = protowire.ConsumeVarint(b)
		case num == 4 && typ == protowire.VarintType:
			e.Prev, n = protowire.ConsumeVarint(b)
		case num == 5 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			e.Payload = append([]byte(nil), v...)
		case num == 6 && typ == protowire.BytesType:
			e.TxnID, n = protowire.ConsumeString(b)
		case num == 7 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.Timestamp = int64(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Entry{}, fmt.Errorf("store: decode entry field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return e, nil
}

// EncodeSnapshot returns the encoding of s with keys in sorted order.
func EncodeSnapshot(s Snapshot) []byte {
	var b []byte
	if s.HighWater != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, s.HighWater)
	}

	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pair []byte
	for _, k := range keys {
		pair = pair[:0]
		pair = protowire.AppendTag(pair, 1, protowire.BytesType)
		pair = protowire.AppendString(pair, k)
		pair = protowire.AppendTag(pair, 2, protowire.BytesType)
		pair = protowire.AppendBytes(pair, s.Data[k])

		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, pair)
	}
	return b
}

// DecodeSnapshot parses an encoded snapshot.
func DecodeSnapshot(b []byte) (Snapshot, error) {
	s := Snapshot{Data: make(map[string][]byte)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Snapshot{}, fmt.Errorf("store: decode snapshot: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			s.HighWater, n = protowire.ConsumeVarint(b)
		case num == 2 && typ == protowire.BytesType:
			var pair []byte
			pair, n = protowire.ConsumeBytes(b)
			if n >= 0 {
				k, v, err := decodePair(pair)
				if err != nil {
					return Snapshot{}, err
				}
				s.Data[k] = v
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Snapshot{}, fmt.Errorf("store: decode snapshot field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return s, nil
}

func decodePair(b []byte) (string, []byte, error) {
	var (
		key   string
		value = []byte{}
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("store: decode pair: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			key, n = protowire.ConsumeString(b)
		case num == 2 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			value = append([]byte(nil), v...)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return "", nil, fmt.Errorf("store: decode pair field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return key, value, nil
}
