package cdc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSeq/cmd/util"
	"github.com/ValentinKolb/dSeq/lib/cdc"
	"github.com/ValentinKolb/dSeq/lib/lease"
	"github.com/ValentinKolb/dSeq/lib/membership"
	"github.com/ValentinKolb/dSeq/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// CDCCommands represents the change feed command group
	CDCCommands = &cobra.Command{
		Use:   "cdc",
		Short: "Read the change feed of a group",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := util.BindCommandFlags(cmd); err != nil {
				return err
			}
			return util.InitLogging("warn")
		},
	}

	tailCmd = &cobra.Command{
		Use:   "tail",
		Short: "Print (or republish to NATS) every change of a group after a sequence number",
		Long: `Follows the change feed of one group, starting after --from. The feed is read from the leader of the group when
a coordinator is configured, otherwise from the first endpoint. With --nats the records are republished to
<subject-prefix>.<group> instead of being printed.`,
		Args: cobra.NoArgs,
		RunE: tail,
	}
)

func init() {
	util.SetupRPCClientFlags(CDCCommands)

	key := "from"
	tailCmd.Flags().Uint64(key, 0, util.WrapString("Sequence number after which the feed starts (0 replays the retained log)"))
	key = "group"
	tailCmd.Flags().Uint64(key, 0, util.WrapString("Group whose feed is read"))
	key = "poll"
	tailCmd.Flags().Float64(key, client.DefaultPollInterval.Seconds(), util.WrapString("Seconds between two fetches once the feed is caught up"))
	key = "nats"
	tailCmd.Flags().String(key, "", util.WrapString("NATS url to republish the records to"))
	key = "subject-prefix"
	tailCmd.Flags().String(key, "dseq.cdc", util.WrapString("Subject prefix of the republished records"))

	CDCCommands.AddCommand(tailCmd)
}

func tail(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group := viper.GetUint64("group")
	src, err := dialGroup(ctx, group)
	if err != nil {
		return err
	}
	defer src.Close()

	from := viper.GetUint64("from")
	if url := viper.GetString("nats"); url != "" {
		sink, err := cdc.NewNATSSink(cdc.NATSConfig{
			URL:    url,
			Prefix: viper.GetString("subject-prefix"),
			Name:   "dseq-cdc-tail",
		})
		if err != nil {
			return err
		}
		defer sink.Close()

		fmt.Fprintf(cmd.ErrOrStderr(), "republishing group %d after seq %d to %s\n", group, from, sink.Subject(group))
		err = sink.Run(ctx, from, src.Subscribe)
		fmt.Fprintf(cmd.ErrOrStderr(), "last published seq %d\n", sink.LastSeq())
		return err
	}

	sub := src.Subscribe(from)
	defer sub.Close()
	for {
		r, err := sub.Next(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("after seq %d: %w", sub.Cursor(), err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), format(r))
	}
}

// dialGroup connects to the leader of group, or to the first endpoint if no
// coordinator is configured
func dialGroup(ctx context.Context, group uint64) (*client.CDCClient, error) {
	config := util.GetClientConfig()
	s, err := util.GetSerializer()
	if err != nil {
		return nil, err
	}
	newTransport, err := util.GetTransportFactory()
	if err != nil {
		return nil, err
	}

	if viper.GetString("coordinator") != "" {
		c, err := util.Connect(ctx)
		if err != nil {
			return nil, err
		}
		defer c.Close()

		registry := membership.NewRegistry(c, lease.NewManager(c, nil), membership.Config{Groups: viper.GetUint64("groups")})
		if err := registry.Refresh(ctx); err != nil {
			return nil, err
		}
		leader, ok := registry.Leader(group)
		if !ok {
			return nil, fmt.Errorf("group %d has no leader", group)
		}
		config.Endpoints = []string{leader.Address}
	}
	if len(config.Endpoints) == 0 {
		return nil, errors.New("no endpoint to read the feed from")
	}
	config.Endpoints = config.Endpoints[:1]

	poll := time.Duration(viper.GetFloat64("poll") * float64(time.Second))
	return client.NewCDCClient(group, poll, config, newTransport(), s)
}

func format(r cdc.Record) string {
	ts := ""
	if r.Timestamp != 0 {
		ts = time.Unix(0, r.Timestamp).UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%d\t%d\t%s\t%s\t%q\t%s\t%s", r.Group, r.Seq, r.Op, r.Key, r.Payload, r.TxnID, ts)
}
