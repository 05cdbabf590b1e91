package cmd

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
)

var observeCmd = &cobra.Command{
	Use:   "observe",
	Short: "Run the coherence observer until interrupted",
	RunE:  runObserve,
}

func runObserve(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	st, err := initStore()
	if err != nil {
		return err
	}
	obs := initObserver(st)

	if err := obs.Start(ctx); err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	<-ctx.Done()

	logger := log.WithFunc("cmd.observe")
	logger.Infof(ctx, "shutting down observer")
	if err := obs.Stop(ctx); err != nil {
		logger.Warnf(ctx, "observer stop: %v", err)
	}
	return nil
}
