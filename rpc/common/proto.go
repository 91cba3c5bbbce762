package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSeq/lib/cdc"
	"github.com/ValentinKolb/dSeq/lib/replication"
	"github.com/ValentinKolb/dSeq/lib/store"
)

// --------------------------------------------------------------------------
// Services
// --------------------------------------------------------------------------

// Service identifies the handler a frame is dispatched to. It is carried in
// the frame header of every transport.
type Service = uint64

const (
	ServiceKV          Service = 1 // client requests (Request / Response)
	ServiceReplication Service = 2 // leader <-> follower traffic (PeerMessage)
	ServiceCDC         Service = 3 // change feed fetches (PeerMessage)
)

// --------------------------------------------------------------------------
// Client protocol
// --------------------------------------------------------------------------

// Request is a client operation on a single key. Seq is ignored for requests
// and only present to keep the field layout symmetric with Response.
type Request struct {
	Key     string   `json:"key"`
	Op      store.Op `json:"op"`
	Seq     uint64   `json:"seq,omitempty"`
	Payload []byte   `json:"payload,omitempty"`
}

// Response answers a Request. Seq is the sequence assigned to a write or
// delete, or the high-water mark of the serving node for reads. On
// Server_Error the payload holds the error message.
type Response struct {
	Key     string   `json:"key"`
	Status  Status   `json:"status"`
	Op      store.Op `json:"op"`
	Seq     uint64   `json:"seq,omitempty"`
	Payload []byte   `json:"payload,omitempty"`
}

// NewReadRequest creates a read request
func NewReadRequest(key string) Request {
	return Request{Key: key, Op: store.OpRead}
}

// NewWriteRequest creates a write request
func NewWriteRequest(key string, payload []byte) Request {
	return Request{Key: key, Op: store.OpWrite, Payload: payload}
}

// NewDeleteRequest creates a delete request
func NewDeleteRequest(key string) Request {
	return Request{Key: key, Op: store.OpDelete}
}

// NewOkResponse creates a successful response to req
func NewOkResponse(req Request, seq uint64, payload []byte) Response {
	return Response{Key: req.Key, Status: StatusOk, Op: req.Op, Seq: seq, Payload: payload}
}

// NewErrorResponse creates a failed response to req with the message of err
// as payload.
func NewErrorResponse(req Request, status Status, err error) Response {
	resp := Response{Key: req.Key, Status: status, Op: req.Op}
	if err != nil {
		resp.Payload = []byte(err.Error())
	}
	return resp
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// Status is the outcome of a client request.
type Status uint8

const (
	StatusOk Status = iota
	StatusInvalidOp
	StatusInvalidKey
	StatusServerError
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusInvalidOp:
		return "Invalid_Op"
	case StatusInvalidKey:
		return "Invalid_Key"
	case StatusServerError:
		return "Server_Error"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// MarshalJSON encodes the status by name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a status name.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for c := StatusOk; c <= StatusServerError; c++ {
		if c.String() == name {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown status: %s", name)
}

// --------------------------------------------------------------------------
// Peer protocol
// --------------------------------------------------------------------------

// PeerMessage is the request and response envelope of the replication and
// CDC services. Which fields are used depends on MsgType.
type PeerMessage struct {
	MsgType PeerMsgType `json:"msg_type"`
	Group   uint64      `json:"group"`

	Term          int64  `json:"term,omitempty"`           // Replicate
	From          uint64 `json:"from,omitempty"`           // CatchUp, Fetch
	Max           uint64 `json:"max,omitempty"`            // CatchUp, Fetch
	ForceSnapshot bool   `json:"force_snapshot,omitempty"` // CatchUp

	HighWater uint64        `json:"high_water,omitempty"` // all responses
	Entries   []store.Entry `json:"entries,omitempty"`    // Replicate, CatchUp, Fetch
	Snapshot  []byte        `json:"snapshot,omitempty"`   // CatchUp response

	Code ErrCode `json:"code,omitempty"`
	Err  string  `json:"err,omitempty"`
}

// PeerMsgType is the operation of a PeerMessage.
type PeerMsgType uint8

const (
	MsgTUnknown PeerMsgType = iota
	MsgTReplicate
	MsgTCatchUp
	MsgTHighWater
	MsgTFetch
)

// String returns the string representation of a PeerMsgType.
func (t PeerMsgType) String() string {
	switch t {
	case MsgTReplicate:
		return "replicate"
	case MsgTCatchUp:
		return "catchUp"
	case MsgTHighWater:
		return "highWater"
	case MsgTFetch:
		return "fetch"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for PeerMsgType.
func (t PeerMsgType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for PeerMsgType.
func (t *PeerMsgType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "replicate":
		*t = MsgTReplicate
	case "catchUp":
		*t = MsgTCatchUp
	case "highWater":
		*t = MsgTHighWater
	case "fetch":
		*t = MsgTFetch
	case "unknown":
		*t = MsgTUnknown
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}
	return nil
}

// --------------------------------------------------------------------------
// Error codes
// --------------------------------------------------------------------------

// ErrCode carries the sentinel errors callers match on across the wire.
type ErrCode uint8

const (
	CodeNone ErrCode = iota
	CodeInternal
	CodeStaleTerm
	CodeCompacted
	CodeClosed
	CodeWrongGroup
)

// ErrWrongGroup is returned by a node for peer messages of a group it does
// not serve.
var ErrWrongGroup = errors.New("wrong group")

// SetError stores err in the message.
func (m *PeerMessage) SetError(err error) {
	if err == nil {
		return
	}
	m.Err = err.Error()
	switch {
	case errors.Is(err, replication.ErrStaleTerm):
		m.Code = CodeStaleTerm
	case errors.Is(err, store.ErrCompacted):
		m.Code = CodeCompacted
	case errors.Is(err, replication.ErrClosed), errors.Is(err, cdc.ErrClosed):
		m.Code = CodeClosed
	case errors.Is(err, ErrWrongGroup):
		m.Code = CodeWrongGroup
	default:
		m.Code = CodeInternal
	}
}

// Error returns the error stored in the message (nil if none). Known codes
// wrap the matching sentinel so that errors.Is works on the caller side.
func (m *PeerMessage) Error() error {
	if m.Code == CodeNone && m.Err == "" {
		return nil
	}
	var sentinel error
	switch m.Code {
	case CodeStaleTerm:
		sentinel = replication.ErrStaleTerm
	case CodeCompacted:
		sentinel = store.ErrCompacted
	case CodeClosed:
		sentinel = replication.ErrClosed
	case CodeWrongGroup:
		sentinel = ErrWrongGroup
	default:
		return errors.New(m.Err)
	}
	return fmt.Errorf("%w: %s", sentinel, m.Err)
}
