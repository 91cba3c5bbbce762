package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// --------------------------------------------------------------------------
// Transport configuration
// --------------------------------------------------------------------------

// TransportConfig holds the socket settings shared by the tcp, unix and http
// transports. Zero values keep the operating system defaults.
type TransportConfig struct {
	// Endpoint is the listen address of a server (host:port or socket path)
	Endpoint string

	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
	WriteBufferSize int
	ReadBufferSize  int

	// BufferSize is the size of the pooled read buffers of the server
	BufferSize int
	// WorkersPerConn bounds the requests handled concurrently per connection
	WorkersPerConn int
}

// ServerConfig configures an RPC server.
type ServerConfig struct {
	Transport     TransportConfig
	TimeoutSecond int64
	LogLevel      string
}

// --------------------------------------------------------------------------
// Node configuration
// --------------------------------------------------------------------------

// Coordinator backends
const (
	CoordinatorEtcd   = "etcd"
	CoordinatorConsul = "consul"
	CoordinatorMemory = "memory"
)

// Sequencer backends
const (
	SequencerCAS   = "cas"
	SequencerRedis = "redis"
)

// Sequence domains
const (
	DomainGroup  = "group"
	DomainGlobal = "global"
)

// RPC transports
const (
	TransportTCP  = "tcp"
	TransportUnix = "unix"
	TransportHTTP = "http"
)

// RPC serializers
const (
	SerializerProto = "proto"
	SerializerJSON  = "json"
)

// NodeConfig holds every setting of a dSeq node.
type NodeConfig struct {
	// Identity
	Node    string
	Address string

	// Coordination
	Coordinator string
	Etcd        []string
	Consul      string
	Namespace   string

	// Sequencing
	Sequencer      string
	Redis          string
	SequenceDomain string

	// Groups
	Groups    uint64
	GroupSize int
	// Group is the explicit group of the node, -1 draws one from the id
	// counter or a failover slot.
	Group int64

	// Leases
	LeaseTTL        time.Duration
	RefreshInterval time.Duration

	// Storage
	DataDir      string
	LogRetention uint64

	// Change feed and metrics
	NATS    string
	Metrics string

	// RPC
	TransportType string
	Serializer    string
	Server        ServerConfig
}

// Validate checks the configuration and fills in defaults.
func (c *NodeConfig) Validate() error {
	var errs error
	if c.Node == "" {
		errs = multierr.Append(errs, errors.New("node id (NODE) must be set"))
	}
	if c.Address == "" {
		c.Address = c.Server.Transport.Endpoint
	}
	if c.Address == "" {
		errs = multierr.Append(errs, errors.New("address (ADDRESS) must be set"))
	}
	if c.Server.Transport.Endpoint == "" {
		c.Server.Transport.Endpoint = c.Address
	}
	if c.LeaseTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("lease ttl (LEASE_TTL) must be positive, got %s", c.LeaseTTL))
	}
	if c.RefreshInterval <= 0 || c.RefreshInterval >= c.LeaseTTL {
		errs = multierr.Append(errs, fmt.Errorf("refresh interval (REFRESH_INTERVAL) %s must be positive and shorter than the lease ttl %s", c.RefreshInterval, c.LeaseTTL))
	}
	switch c.Coordinator {
	case CoordinatorEtcd:
		if len(c.Etcd) == 0 {
			errs = multierr.Append(errs, errors.New("etcd endpoints (ETCD) must be set"))
		}
	case CoordinatorConsul:
		if c.Consul == "" {
			errs = multierr.Append(errs, errors.New("consul address must be set"))
		}
	case CoordinatorMemory:
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown coordinator %q", c.Coordinator))
	}
	switch c.Sequencer {
	case SequencerCAS:
	case SequencerRedis:
		if c.Redis == "" {
			errs = multierr.Append(errs, errors.New("redis address must be set for the redis sequencer"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown sequencer %q", c.Sequencer))
	}
	if c.SequenceDomain != DomainGroup && c.SequenceDomain != DomainGlobal {
		errs = multierr.Append(errs, fmt.Errorf("unknown sequence domain %q", c.SequenceDomain))
	}
	if c.Groups == 0 {
		errs = multierr.Append(errs, errors.New("groups must be at least 1"))
	}
	if c.Group >= 0 && uint64(c.Group) >= c.Groups {
		errs = multierr.Append(errs, fmt.Errorf("group %d out of range [0, %d)", c.Group, c.Groups))
	}
	switch c.TransportType {
	case TransportTCP, TransportUnix, TransportHTTP:
	case "":
		c.TransportType = TransportTCP
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown transport %q", c.TransportType))
	}
	switch c.Serializer {
	case SerializerProto, SerializerJSON:
	case "":
		c.Serializer = SerializerProto
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown serializer %q", c.Serializer))
	}
	if c.GroupSize < 1 {
		c.GroupSize = 1
	}
	if c.Namespace == "" {
		c.Namespace = "dseq/"
	}
	return errs
}

// String returns a formatted string representation of the configuration
func (c *NodeConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	orNone := func(s string) string {
		if s == "" {
			return "(disabled)"
		}
		return s
	}

	addSection("Node Identity")
	addField("Node", c.Node)
	addField("Address", c.Address)
	if c.Group >= 0 {
		addField("Group", strconv.FormatInt(c.Group, 10))
	} else {
		addField("Group", "(assigned)")
	}

	addSection("Coordination")
	addField("Coordinator", c.Coordinator)
	switch c.Coordinator {
	case CoordinatorEtcd:
		addField("Etcd", strings.Join(c.Etcd, ","))
	case CoordinatorConsul:
		addField("Consul", c.Consul)
	}
	addField("Namespace", c.Namespace)
	addField("Lease TTL", c.LeaseTTL.String())
	addField("Refresh Interval", c.RefreshInterval.String())

	addSection("Sequencing")
	addField("Sequencer", c.Sequencer)
	if c.Sequencer == SequencerRedis {
		addField("Redis", c.Redis)
	}
	addField("Domain", c.SequenceDomain)
	addField("Groups", strconv.FormatUint(c.Groups, 10))
	addField("Group Size", strconv.Itoa(c.GroupSize))

	addSection("Storage")
	if c.DataDir == "" {
		addField("Data Directory", "(in memory)")
	} else {
		addField("Data Directory", c.DataDir)
	}
	if c.LogRetention == 0 {
		addField("Log Retention", "(keep all)")
	} else {
		addField("Log Retention", strconv.FormatUint(c.LogRetention, 10))
	}

	addSection("RPC Server")
	addField("Transport", c.TransportType)
	addField("Serializer", c.Serializer)
	addField("Endpoint", c.Server.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.Server.TimeoutSecond))

	addSection("Change Feed")
	addField("NATS", orNone(c.NATS))

	addSection("Observability")
	addField("Metrics", orNone(c.Metrics))
	addField("Log Level", c.Server.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
	TCPNoDelay             bool
}

// Timeout returns the request timeout (0 = none).
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.ConnectionsPerEndpoint)))

	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
