package kv

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dSeq/cmd/util"
	"github.com/ValentinKolb/dSeq/lib/store"
	"github.com/ValentinKolb/dSeq/rpc/common"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Gets the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return do(cmd.Context(), common.NewReadRequest(args[0]))
		},
	}
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value of a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return do(cmd.Context(), common.NewWriteRequest(args[0], []byte(args[1])))
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return do(cmd.Context(), common.NewDeleteRequest(args[0]))
		},
	}
)

// do sends req and prints the response. Statuses other than Ok are printed
// and returned as error so the exit code reflects them.
func do(ctx context.Context, req common.Request) error {
	if ctx == nil {
		ctx = context.Background()
	}
	config := util.GetClientConfig()
	if timeout := config.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := kvClient.Do(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("%-8s: %s\n", "status", resp.Status)
	fmt.Printf("%-8s: %s\n", "op", resp.Op)
	fmt.Printf("%-8s: %d\n", "seq", resp.Seq)
	if resp.Status != common.StatusOk {
		return fmt.Errorf("%s: %s", resp.Status, resp.Payload)
	}
	if resp.Op == store.OpRead {
		fmt.Printf("%-8s: %s\n", "value", resp.Payload)
	}
	return nil
}
