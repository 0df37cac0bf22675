package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:           "offmsg-loadtest",
		Short:         "Drive an offmsg server with simulated users",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.clients < 1 {
				return fmt.Errorf("--clients must be at least 1")
			}
			if opts.maxDelay < opts.minDelay {
				return fmt.Errorf("--max-delay must not be below --min-delay")
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()

			log.Info().Str("server", opts.server).Int("clients", opts.clients).Dur("duration", opts.duration).Msg("starting load test")
			stats := runLoadTest(cmd.Context(), opts, log)
			logResults(stats, opts, log)
			return nil
		},
	}
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	f := cmd.Flags()
	f.StringVarP(&opts.server, "server", "s", "localhost:6470", "server address")
	f.IntVarP(&opts.clients, "clients", "n", 10, "number of concurrent clients")
	f.DurationVarP(&opts.duration, "duration", "d", time.Minute, "test duration")
	f.DurationVar(&opts.minDelay, "min-delay", 100*time.Millisecond, "minimum delay between messages")
	f.DurationVar(&opts.maxDelay, "max-delay", time.Second, "maximum delay between messages")
	f.DurationVar(&opts.rampUp, "ramp-up", 5*time.Second, "spread client connections over this long")
	f.StringVar(&opts.prefix, "prefix", "bot", "username prefix")

	return cmd
}
