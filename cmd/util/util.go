package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dSeq/lib/coord"
	"github.com/ValentinKolb/dSeq/lib/coord/consul"
	"github.com/ValentinKolb/dSeq/lib/coord/etcd"
	"github.com/ValentinKolb/dSeq/lib/lease"
	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/ValentinKolb/dSeq/lib/router"
	"github.com/ValentinKolb/dSeq/rpc"
	"github.com/ValentinKolb/dSeq/rpc/client"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/ValentinKolb/dSeq/rpc/serializer"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// unprefixedEnv maps flags to the plain environment variables of existing
// deployments, which carry no DSEQ_ prefix
var unprefixedEnv = map[string]string{
	"lease-ttl":        "LEASE_TTL",
	"refresh-interval": "REFRESH_INTERVAL",
	"etcd":             "ETCD",
	"node":             "NODE",
	"address":          "ADDRESS",
}

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}
		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// InitConfig loads the env files and initializes viper. Flags are read from
// DSEQ_<FLAG> (e.g. DSEQ_GROUP_SIZE=3), the names in unprefixedEnv also
// from their plain variable.
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("dseq")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for key, env := range unprefixedEnv {
		_ = viper.BindEnv(key, "DSEQ_"+strings.ToUpper(strings.ReplaceAll(key, "-", "_")), env)
	}
}

// InitLogging sets the level of all package loggers from the log-level flag,
// falling back to fallback if the flag is empty
func InitLogging(fallback string) error {
	level := viper.GetString("log-level")
	if level == "" {
		level = fallback
	}
	return common.InitLoggers(level)
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetDuration reads a duration given in (fractional) seconds
func GetDuration(key string) time.Duration {
	return time.Duration(viper.GetFloat64(key) * float64(time.Second))
}

// GetSerializer creates the serializer selected by the serializer flag
func GetSerializer() (serializer.IRPCSerializer, error) {
	return rpc.NewSerializer(viper.GetString("serializer"))
}

// GetTransportFactory returns the client transport constructor selected by
// the transport flag
func GetTransportFactory() (client.TransportFactory, error) {
	return rpc.ClientTransportFactory(viper.GetString("transport"))
}

// --------------------------------------------------------------------------
// Client flags
// --------------------------------------------------------------------------

// SetupRPCClientFlags adds common RPC connection flags to a command
func SetupRPCClientFlags(cmd *cobra.Command) {
	key := "timeout"
	cmd.PersistentFlags().Int(key, 10, WrapString("The timeout in seconds of the client"))

	key = "endpoints"
	cmd.PersistentFlags().String(key, "localhost:8080", WrapString("Comma-separated addresses of dSeq nodes. Used when no coordinator is configured; requests for keys of another group are not re-routed"))

	key = "conn-per-endpoint"
	cmd.PersistentFlags().Int(key, 1, WrapString("Simultaneous connections per endpoint"))

	key = "retries"
	cmd.PersistentFlags().Int(key, 5, WrapString("How many times to retry a request (also while the leader of a group changes)"))

	key = "tcp-nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY (tcp transport only)"))

	key = "coordinator"
	cmd.PersistentFlags().String(key, "", WrapString("Coordinator to route requests with (etcd, consul). Empty sends every request to the fixed endpoints"))

	key = "etcd"
	cmd.PersistentFlags().String(key, "localhost:2379", WrapString("Comma-separated etcd endpoints (env ETCD)"))

	key = "consul"
	cmd.PersistentFlags().String(key, "localhost:8500", WrapString("Address of the consul agent"))

	key = "namespace"
	cmd.PersistentFlags().String(key, "dseq/", WrapString("Key prefix of the deployment in the coordinator"))

	key = "groups"
	cmd.PersistentFlags().Uint64(key, 1, WrapString("Number of replication groups of the deployment"))
}

// GetClientConfig reads client configuration from viper
func GetClientConfig() common.ClientConfig {
	return common.ClientConfig{
		Endpoints:              splitList(viper.GetString("endpoints")),
		TimeoutSecond:          viper.GetInt("timeout"),
		RetryCount:             viper.GetInt("retries"),
		ConnectionsPerEndpoint: viper.GetInt("conn-per-endpoint"),
		TCPNoDelay:             viper.GetBool("tcp-nodelay"),
	}
}

// Connect opens the coordinator selected by the coordinator flag
func Connect(ctx context.Context) (coord.ICoordinator, error) {
	switch kind := viper.GetString("coordinator"); kind {
	case common.CoordinatorEtcd:
		return etcd.New(ctx, etcd.Config{
			Endpoints: splitList(viper.GetString("etcd")),
			Namespace: viper.GetString("namespace"),
		})
	case common.CoordinatorConsul:
		return consul.New(ctx, consul.Config{
			Address:   viper.GetString("consul"),
			Namespace: viper.GetString("namespace"),
		})
	default:
		return nil, fmt.Errorf("coordinator %q cannot be used by clients (use %s or %s)", kind, common.CoordinatorEtcd, common.CoordinatorConsul)
	}
}

// NewKVClient creates the KV client configured by the flags. With a
// coordinator the client follows the leaders of all groups through a
// watched registry; the returned close function stops the watch and closes
// every connection.
func NewKVClient(ctx context.Context) (*client.KVClient, func() error, error) {
	config := GetClientConfig()
	s, err := GetSerializer()
	if err != nil {
		return nil, nil, err
	}
	newTransport, err := GetTransportFactory()
	if err != nil {
		return nil, nil, err
	}

	if viper.GetString("coordinator") == "" {
		kv, err := client.NewKVClient(config, newTransport(), s)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	}

	c, err := Connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	registry := membership.NewRegistry(c, lease.NewManager(c, nil), membership.Config{Groups: viper.GetUint64("groups")})
	if err := registry.Refresh(ctx); err != nil {
		c.Close()
		return nil, nil, err
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = registry.Watch(watchCtx) }()

	kv := client.NewRoutedKVClient(config, router.New(registry), newTransport, s)
	closeFn := func() error {
		cancel()
		return multierr.Combine(kv.Close(), c.Close())
	}
	return kv, closeFn, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
