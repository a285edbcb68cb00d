package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/curator-chat/internal/config"
	"github.com/MegaGrindStone/curator-chat/internal/services"
	"github.com/MegaGrindStone/curator-chat/internal/session"
	"github.com/MegaGrindStone/curator-chat/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "curator-tui",
		Short: "A terminal chat with the Community Curator assistant",
		Long: `A terminal user interface built with bubbletea for chatting with the
Community Curator assistant endpoint.

Settings are read from the config file, then the .env file, then the
environment. Flags override all of them.`,
		SilenceUsage: true,
		RunE:         run,
	}

	rootCmd.Flags().String("config", "", "path of the configuration file")
	rootCmd.Flags().String("endpoint", config.DefaultEndpoint, "URL of the assistant endpoint")
	rootCmd.Flags().String("framing", string(services.FramingRaw), "framing of the assistant reply (raw or sse)")
	rootCmd.Flags().Duration("timeout", 0, "timeout of a whole reply, zero means no timeout")
	rootCmd.Flags().String("log-file", "", "file receiving the logs, defaults to tui.log in the config directory")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfgDir, err := config.Dir()
	if err != nil {
		return err
	}

	cfgPath, _ := cmd.Flags().GetString("config")
	if cfgPath == "" {
		cfgPath = filepath.Join(cfgDir, "config.yaml")
	}

	cfg := config.DefaultClient()
	if err := config.Load(cfgPath, &cfg); err != nil {
		return err
	}

	// Flags win over the file and the environment, but only when they were given.
	if cmd.Flags().Changed("endpoint") {
		cfg.Assistant.Endpoint, _ = cmd.Flags().GetString("endpoint")
	}
	if cmd.Flags().Changed("framing") {
		framing, _ := cmd.Flags().GetString("framing")
		cfg.Assistant.Framing = framing
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Assistant.Timeout, _ = cmd.Flags().GetDuration("timeout")
	}
	framing, err := services.ParseFraming(cfg.Assistant.Framing)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-file") {
		cfg.Log.File, _ = cmd.Flags().GetString("log-file")
	}
	// The terminal belongs to the UI, logs never go to stderr.
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfgDir, "tui.log")
	}

	logOut, err := config.OpenLogFile(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logOut.Close()

	logger, err := config.NewLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}

	assistant := services.NewAssistant(cfg.Assistant.Endpoint, framing, cfg.Assistant.Timeout, logger)
	ctrl := session.NewController(services.NewTranscript(), assistant, cfg.ErrorNotice, logger)

	model := tui.New(ctrl)
	defer model.Close()

	logger.Info("Terminal chat starting", slog.String("assistant", cfg.Assistant.Endpoint))

	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("error running terminal chat: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ctrl.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown session", slog.String("err", err.Error()))
	}

	return nil
}
