package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dSeq/cmd/util"
	"github.com/ValentinKolb/dSeq/lib/node"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.NodeConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start a dSeq node",
		Long: `Start a dSeq node with the specified configuration. The configuration can be set via command line flags or environment variables.
The format of the environment variables is DSEQ_<flag> (e.g. DSEQ_GROUP_SIZE=3). LEASE_TTL, REFRESH_INTERVAL, ETCD, NODE and ADDRESS are also read without prefix.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "node"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Unique id of this node (env NODE)"))

	key = "address"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address under which other nodes and clients reach this node, published to the registry (env ADDRESS). Defaults to the endpoint"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the RPC server will listen (e.g. localhost:8080, /tmp/dseq.sock, ...)"))

	key = "coordinator"
	ServeCmd.PersistentFlags().String(key, common.CoordinatorEtcd, cmdUtil.WrapString("Coordination service (etcd, consul, memory). memory runs a single node without any external service"))

	key = "etcd"
	ServeCmd.PersistentFlags().String(key, "localhost:2379", cmdUtil.WrapString("Comma-separated etcd endpoints (env ETCD)"))

	key = "consul"
	ServeCmd.PersistentFlags().String(key, "localhost:8500", cmdUtil.WrapString("Address of the consul agent"))

	key = "namespace"
	ServeCmd.PersistentFlags().String(key, "dseq/", cmdUtil.WrapString("Key prefix of the deployment in the coordinator"))

	key = "lease-ttl"
	ServeCmd.PersistentFlags().Float64(key, 10, cmdUtil.WrapString("Lease duration in seconds (env LEASE_TTL)"))

	key = "refresh-interval"
	ServeCmd.PersistentFlags().Float64(key, 3, cmdUtil.WrapString("Lease refresh interval in seconds, must be shorter than the lease ttl (env REFRESH_INTERVAL)"))

	key = "sequencer"
	ServeCmd.PersistentFlags().String(key, common.SequencerCAS, cmdUtil.WrapString("Sequence authority (cas: counter key in the coordinator, redis: INCR on a redis server)"))

	key = "redis"
	ServeCmd.PersistentFlags().String(key, "localhost:6379", cmdUtil.WrapString("Address of the redis server of the redis sequencer"))

	key = "sequence-domain"
	ServeCmd.PersistentFlags().String(key, common.DomainGroup, cmdUtil.WrapString("group: one counter per group (total order per group), global: one counter for the deployment (total order across groups)"))

	key = "groups"
	ServeCmd.PersistentFlags().Uint64(key, 1, cmdUtil.WrapString("Number of replication groups of the deployment"))

	key = "group-size"
	ServeCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("Desired number of members per group. Leaders publish failover slots for missing members"))

	key = "group"
	ServeCmd.PersistentFlags().Int64(key, -1, cmdUtil.WrapString("Group of this node. -1 claims a failover slot or draws the next node id"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Directory of the bbolt store. Empty keeps the log in memory"))

	key = "log-retention"
	ServeCmd.PersistentFlags().Uint64(key, 0, cmdUtil.WrapString("Number of log entries kept before the log is compacted (0 keeps everything). Followers further behind receive a snapshot"))

	key = "nats"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("NATS url the leader republishes the change feed of its group to (empty disables)"))

	key = "metrics"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Listen address of the prometheus metrics endpoint (empty disables)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds of RPC requests"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 64, cmdUtil.WrapString("Requests handled concurrently per connection"))

	key = "tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (tcp transport only)"))

	key = "tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval in seconds (tcp transport only, 0 keeps the default)"))

	key = "tcp-linger"
	ServeCmd.PersistentFlags().Int(key, -1, cmdUtil.WrapString("The linger time in seconds (tcp transport only, -1 keeps the default)"))

	key = "write-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket write buffer (in KB)"))

	key = "read-buffer"
	ServeCmd.PersistentFlags().Int(key, 512, cmdUtil.WrapString("The size of the socket read buffer (in KB)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the node configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := cmdUtil.InitLogging("info"); err != nil {
		return err
	}

	var etcd []string
	for _, endpoint := range strings.Split(viper.GetString("etcd"), ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			etcd = append(etcd, endpoint)
		}
	}

	*serveCmdConfig = common.NodeConfig{
		Node:            viper.GetString("node"),
		Address:         viper.GetString("address"),
		Coordinator:     viper.GetString("coordinator"),
		Etcd:            etcd,
		Consul:          viper.GetString("consul"),
		Namespace:       viper.GetString("namespace"),
		Sequencer:       viper.GetString("sequencer"),
		Redis:           viper.GetString("redis"),
		SequenceDomain:  viper.GetString("sequence-domain"),
		Groups:          viper.GetUint64("groups"),
		GroupSize:       viper.GetInt("group-size"),
		Group:           viper.GetInt64("group"),
		LeaseTTL:        cmdUtil.GetDuration("lease-ttl"),
		RefreshInterval: cmdUtil.GetDuration("refresh-interval"),
		DataDir:         viper.GetString("data-dir"),
		LogRetention:    viper.GetUint64("log-retention"),
		NATS:            viper.GetString("nats"),
		Metrics:         viper.GetString("metrics"),
		TransportType:   viper.GetString("transport"),
		Serializer:      viper.GetString("serializer"),
		Server: common.ServerConfig{
			Transport: common.TransportConfig{
				Endpoint:        viper.GetString("endpoint"),
				TCPNoDelay:      viper.GetBool("tcp-nodelay"),
				TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("tcp-linger"),
				WriteBufferSize: viper.GetInt("write-buffer") * 1024,
				ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
				BufferSize:      64 * 1024,
				WorkersPerConn:  viper.GetInt("workers-per-conn"),
			},
			TimeoutSecond: viper.GetInt64("timeout"),
			LogLevel:      viper.GetString("log-level"),
		},
	}
	if serveCmdConfig.Server.LogLevel == "" {
		serveCmdConfig.Server.LogLevel = "info"
	}

	return serveCmdConfig.Validate()
}

// run starts the node and blocks until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	fmt.Println(serveCmdConfig.String())

	n, err := node.New(*serveCmdConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	// the leader lease has to be released before the process exits
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveCmdConfig.LeaseTTL)
	defer cancel()
	return n.Shutdown(shutdownCtx)
}
