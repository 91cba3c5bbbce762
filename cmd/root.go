package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSeq/cmd/cdc"
	"github.com/ValentinKolb/dSeq/cmd/kv"
	"github.com/ValentinKolb/dSeq/cmd/serve"
	"github.com/ValentinKolb/dSeq/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dseq",
		Short: "sequenced, replicated key-value store",
		Long: fmt.Sprintf(`dSeq (v%s)

A distributed key-value store that orders every write of a replication
group with a coordinator backed sequence number, replicates the log from
the group leader to its followers and exposes it as a change feed.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSeq",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSeq v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(cdc.CDCCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "proto", util.WrapString("serializer to use (proto, json)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix, http)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("level at which logs are written (debug, info, warn, error). Defaults to info for serve and warn for client commands"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
