package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

var networkCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "network",
		Short: "Show the network configuration snapshot (JSON)",
		RunE:  runNetwork,
	}
	cmd.AddCommand(networkInitCmd)
	return cmd
}()

var networkInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the shared bridge and NAT rules",
	RunE:  runNetworkInit,
}

func runNetwork(cmd *cobra.Command, _ []string) error {
	_, _, nm, err := initOperator()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(nm.Config())
	return nil
}

func runNetworkInit(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	_, _, nm, err := initOperator()
	if err != nil {
		return err
	}
	if err := nm.EnsureBridge(ctx); err != nil {
		return fmt.Errorf("network init: %w", err)
	}
	log.WithFunc("cmd.network").Infof(ctx, "bridge %s ready", conf.BridgeName)
	return nil
}
