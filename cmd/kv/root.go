package kv

import (
	"context"

	"github.com/ValentinKolb/dSeq/cmd/util"
	"github.com/ValentinKolb/dSeq/rpc/client"
	"github.com/spf13/cobra"
)

var (
	kvClient *client.KVClient
	closeKV  func() error

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:   "kv",
		Short: "Read, write and delete keys",
		Long: `Send requests to a dSeq deployment. With --coordinator every request is routed to the leader of the group of its key,
otherwise it is sent to the fixed --endpoints.`,
		PersistentPreRunE:  setupKVClient,
		PersistentPostRunE: closeKVClient,
	}
)

func init() {
	// Add common RPC flags to the KV command
	util.SetupRPCClientFlags(KeyValueCommands)

	// Add subcommands
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupKVClient initializes the KV client
func setupKVClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging("warn"); err != nil {
		return err
	}

	var err error
	kvClient, closeKV, err = util.NewKVClient(context.Background())
	return err
}

func closeKVClient(_ *cobra.Command, _ []string) error {
	if closeKV == nil {
		return nil
	}
	return closeKV()
}
