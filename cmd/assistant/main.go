package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/MegaGrindStone/curator-chat/internal/config"
	"github.com/MegaGrindStone/curator-chat/internal/handlers"
	"github.com/MegaGrindStone/curator-chat/internal/services"
	"github.com/MegaGrindStone/go-mcp"
)

func main() {
	cfgDir, err := config.Dir()
	if err != nil {
		log.Fatal(err)
	}

	cfgFilePath := flag.String("config", filepath.Join(cfgDir, "assistant.yaml"), "path of the configuration file")
	flag.Parse()

	cfg, err := loadAssistantConfig(*cfgFilePath)
	if err != nil {
		log.Fatal(err)
	}

	logOut, err := config.OpenLogFile(cfg.Log, os.Stderr)
	if err != nil {
		log.Fatal(err)
	}
	defer logOut.Close()

	logger, err := config.NewLogger(cfg.Log, logOut)
	if err != nil {
		log.Fatal(err)
	}

	llm, err := cfg.LLM.llm(cfg.SystemPrompt, cfg.Parameters, logger)
	if err != nil {
		log.Fatal(err)
	}

	mcpClientInfo := mcp.Info{
		Name:    "curator-assistant",
		Version: "0.1.0",
	}

	mcpClients, stdIOCmds, err := populateMCPClients(cfg, mcpClientInfo)
	if err != nil {
		log.Fatal(err)
	}

	var mcpCancels []context.CancelFunc
	toolClients := make([]services.MCPClient, 0, len(mcpClients))
	for i, cli := range mcpClients {
		logger.Info("Connecting to MCP server", slog.Int("index", i))

		connectCtx, connectCancel := context.WithCancel(context.Background())
		mcpCancels = append(mcpCancels, connectCancel)

		ready := make(chan struct{})
		errs := make(chan error, 1)

		go func() {
			if err := cli.Connect(connectCtx, ready); err != nil {
				errs <- err
			}
		}()

		select {
		case err := <-errs:
			log.Fatal(fmt.Errorf("error connecting to MCP server at index %d: %w", i, err))
		case <-ready:
		}

		toolClients = append(toolClients, cli)

		logger.Info("Connected to MCP server", slog.String("name", cli.ServerInfo().Name))
	}

	var toolbox handlers.Toolbox
	if len(toolClients) > 0 {
		toolbox = services.NewMCPToolbox(context.Background(), toolClients, logger)
	}

	endpoint := handlers.NewAssistantEndpoint(llm, toolbox, cfg.AllowedOrigins, cfg.HistoryLimit, logger)

	mux := http.NewServeMux()
	mux.Handle("/flavia/chat/", endpoint.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		for _, cancel := range mcpCancels {
			cancel()
		}
		for _, stdIOCmd := range stdIOCmds {
			if err := stdIOCmd.Wait(); err != nil {
				logger.Error("Failed to wait for stdIO command", slog.String("err", err.Error()))
			}
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Assistant starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String("err", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}

// populateMCPClients creates a client per configured MCP server, starting the stdio servers. Servers
// are taken in name order.
func populateMCPClients(cfg assistantConfig, mcpClientInfo mcp.Info) ([]*mcp.Client, []*exec.Cmd, error) {
	var mcpClients []*mcp.Client

	for _, name := range slices.Sorted(maps.Keys(cfg.MCPSSEServers)) {
		sseClient := mcp.NewSSEClient(cfg.MCPSSEServers[name].URL, nil)
		cli := mcp.NewClient(mcpClientInfo, sseClient)
		mcpClients = append(mcpClients, cli)
	}

	var stdIOCmds []*exec.Cmd
	for _, name := range slices.Sorted(maps.Keys(cfg.MCPStdIOServers)) {
		serverCfg := cfg.MCPStdIOServers[name]
		cmd := exec.Command(serverCfg.Command, serverCfg.Args...)

		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("error creating stdin of MCP server %s: %w", name, err)
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, nil, fmt.Errorf("error creating stdout of MCP server %s: %w", name, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, nil, fmt.Errorf("error starting MCP server %s: %w", name, err)
		}
		stdIOCmds = append(stdIOCmds, cmd)

		cliStdIO := mcp.NewStdIO(out, in)

		cli := mcp.NewClient(mcpClientInfo, cliStdIO)
		mcpClients = append(mcpClients, cli)
	}

	return mcpClients, stdIOCmds, nil
}
