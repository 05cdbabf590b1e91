package cmd

import (
	"context"
	"fmt"
	"runtime"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blawesom/vm-manager/config"
)

var (
	cfgFile string
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vman",
		Short: "vman - single-host VM manager",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "storage root directory")
	cmd.PersistentFlags().Bool("dry-run", false, "simulate side effects, mutate state only")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("dry_run", cmd.PersistentFlags().Lookup("dry-run"))

	viper.SetEnvPrefix("VMAN")
	viper.AutomaticEnv()

	cmd.AddCommand(
		templateCmd,
		createCmd,
		startCmd,
		stopCmd,
		rmCmd,
		psCmd,
		inspectCmd,
		diskCmd,
		consoleCmd,
		networkCmd,
		observeCmd,
		coherenceCmd,
		versionCmd,
	)

	return cmd
}()

func initConfig() error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	_ = viper.ReadInConfig() // optional; missing file is OK

	if err := viper.Unmarshal(conf); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}

	return log.SetupLog(context.Background(), &conf.Log, "")
}

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := newCommandContext()
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
