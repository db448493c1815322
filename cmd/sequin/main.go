package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abc3/sequin/internal/app"
	"github.com/abc3/sequin/internal/cli"
	"github.com/abc3/sequin/internal/config"
	"github.com/abc3/sequin/internal/logging"
	"github.com/abc3/sequin/internal/slot"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const cliVersion = "0.0.0-dev"

var viperConfig = cli.ViperConfig{
	EnvPrefix:        "SEQUIN",
	ConfigEnvVar:     "SEQUIN_CONFIG",
	ConfigName:       "sequin",
	ConfigType:       "yaml",
	ConfigSearchPath: []string{"/etc/sequin"},
}

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	command := newRootCommand()
	parsedArgs := []string{}
	if len(args) > 1 {
		parsedArgs = args[1:]
	}
	command.SetArgs(parsedArgs)
	return command.Execute()
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:          "sequin",
		Short:        "Stream Postgres changes to sinks",
		Version:      cliVersion,
		SilenceUsage: true,
	}
	command.PersistentFlags().String("config", "", "path to sequin config file")
	command.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return cli.InitViperFromCommand(cmd, viperConfig)
	}
	command.AddCommand(newRunCommand(), newValidateCommand())
	return command
}

func newRunCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "run",
		Short: "start every configured slot and serve the ops endpoints",
		Args:  cobra.NoArgs,
		RunE:  runService,
	}
	command.Flags().StringSlice("backfill", nil, "schema.table to backfill once the slot is streaming (repeatable)")
	command.Flags().String("backfill-slot", "", "slot that receives --backfill tables (default: first configured slot)")
	command.Flags().Bool("watch", true, "reload consumers when the config file changes")
	return command
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d slot(s), %d consumer(s)\n", len(cfg.Slots), len(cfg.Consumers))
			return nil
		},
	}
}

func runService(cmd *cobra.Command, _ []string) error {
	v := viper.GetViper()
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logging.Setup(os.Stderr, cfg.Log.Level, cfg.Log.Format, map[string]string{
		"service": cfg.Telemetry.ServiceName,
		"env":     cfg.Environment,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	service, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	if cli.ResolveBoolFlag(cmd, "watch") && v.ConfigFileUsed() != "" {
		config.Watch(v, func(next *config.Config) {
			if err := service.Reload(ctx, next); err != nil {
				log.Error().Err(err).Msg("apply config reload")
			}
		})
	}

	tables, err := cmd.Flags().GetStringSlice("backfill")
	if err != nil {
		return err
	}
	if len(tables) > 0 {
		slotName := cli.ResolveStringFlag(cmd, "backfill-slot")
		if slotName == "" {
			if len(cfg.Slots) == 0 {
				return errors.New("--backfill needs a configured slot")
			}
			slotName = cfg.Slots[0].Name
		}
		go backfillWhenStreaming(ctx, service, slotName, tables)
	}

	return service.Run(ctx)
}

// backfillWhenStreaming waits for the slot's processor to come up, then
// starts the copy.
func backfillWhenStreaming(ctx context.Context, service *app.App, slotName string, tables []string) {
	for {
		if proc, ok := service.Supervisor().Processor(slotName); ok && proc.State() == slot.StateStreaming {
			if err := service.StartBackfill(slotName, tables); err != nil {
				log.Error().Err(err).Str("slot", slotName).Msg("start backfill")
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
	}
}
