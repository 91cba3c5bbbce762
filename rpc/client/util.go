package client

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/ValentinKolb/dSeq/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter stores everything a client needs to talk to one set of
// endpoints. Used by the KV, peer and CDC clients via composition.
type rpcClientAdapter struct {
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// invokeRequest sends a client request and decodes the response. Status
// codes other than Ok are not errors at this level.
func invokeRequest(ctx context.Context, t transport.IRPCClientTransport, s serializer.IRPCSerializer, req common.Request) (common.Response, error) {
	reqBytes, err := s.EncodeRequest(req)
	if err != nil {
		return common.Response{}, err
	}

	respBytes, err := t.Send(ctx, common.ServiceKV, reqBytes)
	if err != nil {
		return common.Response{}, err
	}

	var resp common.Response
	if err := s.DecodeResponse(respBytes, &resp); err != nil {
		return common.Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}

// invokePeer sends a peer message to a service and returns the answer. Error
// codes of the answer are returned as errors matching the sentinels of the
// replication, store and common packages.
func invokePeer(ctx context.Context, t transport.IRPCClientTransport, s serializer.IRPCSerializer, service common.Service, req common.PeerMessage) (common.PeerMessage, error) {
	reqBytes, err := s.EncodePeer(req)
	if err != nil {
		return common.PeerMessage{}, err
	}

	respBytes, err := t.Send(ctx, service, reqBytes)
	if err != nil {
		return common.PeerMessage{}, err
	}

	var resp common.PeerMessage
	if err := s.DecodePeer(respBytes, &resp); err != nil {
		return common.PeerMessage{}, fmt.Errorf("failed to decode %s response: %w", req.MsgType, err)
	}
	if err := resp.Error(); err != nil {
		return resp, err
	}
	if resp.MsgType != req.MsgType {
		return resp, fmt.Errorf("unexpected message type %s, expected %s", resp.MsgType, req.MsgType)
	}
	return resp, nil
}
