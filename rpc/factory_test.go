package rpc

import (
	"testing"

	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSerializer(t *testing.T) {
	for _, name := range []string{"", common.SerializerProto, common.SerializerJSON} {
		s, err := NewSerializer(name)
		require.NoError(t, err, name)
		assert.NotNil(t, s)
	}
	_, err := NewSerializer("gob")
	assert.Error(t, err)
}

func TestTransports(t *testing.T) {
	for _, kind := range []string{"", common.TransportTCP, common.TransportUnix, common.TransportHTTP} {
		newClient, err := ClientTransportFactory(kind)
		require.NoError(t, err, kind)
		assert.NotNil(t, newClient())

		srv, err := NewServerTransport(kind)
		require.NoError(t, err, kind)
		assert.NotNil(t, srv)
	}

	_, err := ClientTransportFactory("udp")
	assert.Error(t, err)
	_, err = NewServerTransport("udp")
	assert.Error(t, err)
}
