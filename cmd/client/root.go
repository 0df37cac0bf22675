package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aeolun/offmsg/pkg/client"
	"github.com/aeolun/offmsg/pkg/client/ui"
)

const defaultServer = "localhost:6470"

type rootConfig struct {
	server    string
	statePath string
	logPath   string
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}
	cmd := &cobra.Command{
		Use:   "offmsg",
		Short: "Terminal client for the offline messenger",
		Long: "Connects to an offmsg server over TCP (host[:port]) or WebSocket (ws://host[:port]/ws).\n" +
			"Without --server the last server used is reconnected.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), cfg)
		},
	}
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})

	f := cmd.Flags()
	f.StringVarP(&cfg.server, "server", "s", "", "server address (default: last used, then "+defaultServer+")")
	f.StringVar(&cfg.statePath, "state", "", "client state database (default ~/.offmsg/client.db)")
	f.StringVar(&cfg.logPath, "log", "", "write a debug log to this file")

	return cmd
}

func runClient(ctx context.Context, cfg *rootConfig) error {
	statePath := cfg.statePath
	if statePath == "" {
		var err error
		if statePath, err = client.DefaultStatePath(); err != nil {
			return err
		}
	}
	state, err := client.OpenState(statePath)
	if err != nil {
		return err
	}
	defer state.Close()

	logger, closeLog, err := openLogger(cfg.logPath)
	if err != nil {
		return err
	}
	defer closeLog()

	addr := resolveServer(cfg.server, state)
	c, err := client.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Info().Str("server", c.ServerAddress()).Msg("connected")

	if err := state.SetLastServer(addr); err != nil {
		logger.Warn().Err(err).Msg("failed to save last server")
	}

	p := tea.NewProgram(ui.NewModel(c, state, logger), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("ui: %w", err)
	}
	return nil
}

// resolveServer picks the flag, then the last server used, then the default
func resolveServer(flag string, state client.StateInterface) string {
	if flag != "" {
		return flag
	}
	if last := state.GetLastServer(); last != "" {
		return last
	}
	return defaultServer
}

// openLogger returns a file logger, or a disabled one when path is empty.
// The terminal belongs to the UI, so nothing is logged to stderr.
func openLogger(path string) (zerolog.Logger, func(), error) {
	if path == "" {
		return zerolog.Nop(), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger := zerolog.New(f).With().Timestamp().Logger()
	return logger, func() { f.Close() }, nil
}
