package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func validConfig() NodeConfig {
	return NodeConfig{
		Node:            "n1",
		Coordinator:     CoordinatorMemory,
		Sequencer:       SequencerCAS,
		SequenceDomain:  DomainGroup,
		Groups:          2,
		Group:           -1,
		LeaseTTL:        10 * time.Second,
		RefreshInterval: 3 * time.Second,
		Server: ServerConfig{
			Transport: TransportConfig{Endpoint: "localhost:8080"},
		},
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, "localhost:8080", c.Address)
	assert.Equal(t, TransportTCP, c.TransportType)
	assert.Equal(t, SerializerProto, c.Serializer)
	assert.Equal(t, 1, c.GroupSize)
	assert.Equal(t, "dseq/", c.Namespace)
}

func TestValidateListensOnAddress(t *testing.T) {
	c := validConfig()
	c.Server.Transport.Endpoint = ""
	c.Address = "10.0.0.1:9000"
	require.NoError(t, c.Validate())
	assert.Equal(t, "10.0.0.1:9000", c.Server.Transport.Endpoint)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *NodeConfig)
	}{
		{"missing node", func(c *NodeConfig) { c.Node = "" }},
		{"missing address", func(c *NodeConfig) { c.Server.Transport.Endpoint = "" }},
		{"zero ttl", func(c *NodeConfig) { c.LeaseTTL = 0 }},
		{"refresh equals ttl", func(c *NodeConfig) { c.RefreshInterval = c.LeaseTTL }},
		{"refresh longer than ttl", func(c *NodeConfig) { c.RefreshInterval = 2 * c.LeaseTTL }},
		{"zero refresh", func(c *NodeConfig) { c.RefreshInterval = 0 }},
		{"etcd without endpoints", func(c *NodeConfig) { c.Coordinator = CoordinatorEtcd }},
		{"consul without address", func(c *NodeConfig) { c.Coordinator = CoordinatorConsul }},
		{"unknown coordinator", func(c *NodeConfig) { c.Coordinator = "zookeeper" }},
		{"redis without address", func(c *NodeConfig) { c.Sequencer = SequencerRedis }},
		{"unknown sequencer", func(c *NodeConfig) { c.Sequencer = "clock" }},
		{"unknown domain", func(c *NodeConfig) { c.SequenceDomain = "node" }},
		{"no groups", func(c *NodeConfig) { c.Groups = 0 }},
		{"group out of range", func(c *NodeConfig) { c.Group = 2 }},
		{"unknown transport", func(c *NodeConfig) { c.TransportType = "udp" }},
		{"unknown serializer", func(c *NodeConfig) { c.Serializer = "gob" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	c := validConfig()
	c.Node = ""
	c.LeaseTTL = time.Second
	c.RefreshInterval = time.Second
	c.Coordinator = "zookeeper"

	err := c.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
}

func TestStringNamesSettings(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())

	s := c.String()
	assert.Contains(t, s, "n1")
	assert.Contains(t, s, "(assigned)")
	assert.Contains(t, s, "(in memory)")
	assert.Contains(t, s, "(keep all)")
	assert.Contains(t, s, SerializerProto)
}

func TestParseLogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		_, err := ParseLogLevel(level)
		assert.NoError(t, err, level)
	}
	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
}
