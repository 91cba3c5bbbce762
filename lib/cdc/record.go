package cdc

import (
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/store"
	"google.golang.org/protobuf/encoding/protowire"
)

// Record is the CDC projection of an applied entry. Seq is the dedup key for
// consumers that resume after a disconnect.
type Record struct {
	Group     uint64   `json:"group"`
	Seq       uint64   `json:"seq"`
	Key       string   `json:"key"`
	Op        store.Op `json:"op"`
	Payload   []byte   `json:"payload,omitempty"`
	TxnID     string   `json:"txn_id,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// FromEntry projects an applied entry of a group.
func FromEntry(group uint64, e store.Entry) Record {
	return Record{
		Group:     group,
		Seq:       e.Seq,
		Key:       e.Key,
		Op:        e.Op,
		Payload:   e.Payload,
		TxnID:     e.TxnID,
		Timestamp: e.Timestamp,
	}
}

// fieldGroup extends the entry message of the store codec.
const fieldGroup protowire.Number = 8

// EncodeRecord encodes r with the entry schema of the store package plus the
// group as field 8.
func EncodeRecord(r Record) []byte {
	b := store.AppendEntry(nil, store.Entry{
		Key:       r.Key,
		Op:        r.Op,
		Seq:       r.Seq,
		Payload:   r.Payload,
		TxnID:     r.TxnID,
		Timestamp: r.Timestamp,
	})
	if r.Group != 0 {
		b = protowire.AppendTag(b, fieldGroup, protowire.VarintType)
		b = protowire.AppendVarint(b, r.Group)
	}
	return b
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(b []byte) (Record, error) {
	e, err := store.DecodeEntry(b)
	if err != nil {
		return Record{}, err
	}
	r := FromEntry(0, e)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Record{}, fmt.Errorf("cdc: decode record: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldGroup && typ == protowire.VarintType {
			r.Group, n = protowire.ConsumeVarint(b)
		} else {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Record{}, fmt.Errorf("cdc: decode record field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return r, nil
}
