package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
)

// NewKVServerAdapter returns the adapter of the client service
func NewKVServerAdapter(handler IKVHandler) IRPCServerAdapter {
	return &kvServerAdapter{handler: handler}
}

type kvServerAdapter struct {
	handler IKVHandler
}

func (a *kvServerAdapter) Handle(ctx context.Context, data []byte, s serializer.IRPCSerializer) []byte {
	var req common.Request
	var resp common.Response

	if err := s.DecodeRequest(data, &req); err != nil {
		resp = common.NewErrorResponse(req, common.StatusServerError, fmt.Errorf("failed to deserialize request: %w", err))
	} else {
		resp = a.handler.HandleKV(ctx, req)
	}
	return encodeResponse(s, resp)
}

// encodeResponse falls back to a payload-free error response if resp itself
// cannot be encoded
func encodeResponse(s serializer.IRPCSerializer, resp common.Response) []byte {
	b, err := s.EncodeResponse(resp)
	if err == nil {
		return b
	}
	Logger.Errorf("failed to serialize response for key %q: %v", resp.Key, err)
	b, _ = s.EncodeResponse(common.Response{
		Key:     resp.Key,
		Status:  common.StatusServerError,
		Op:      resp.Op,
		Payload: []byte(fmt.Sprintf("failed to serialize response: %v", err)),
	})
	return b
}
