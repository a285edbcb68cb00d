package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	curatorchat "github.com/MegaGrindStone/curator-chat"
	"github.com/MegaGrindStone/curator-chat/internal/config"
	"github.com/MegaGrindStone/curator-chat/internal/handlers"
	"github.com/MegaGrindStone/curator-chat/internal/services"
	"github.com/MegaGrindStone/curator-chat/internal/session"
)

func main() {
	cfgDir, err := config.Dir()
	if err != nil {
		log.Fatal(err)
	}

	cfgFilePath := flag.String("config", filepath.Join(cfgDir, "config.yaml"), "path of the configuration file")
	flag.Parse()

	cfg := config.DefaultClient()
	if err := config.Load(*cfgFilePath, &cfg); err != nil {
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

	framing, err := services.ParseFraming(cfg.Assistant.Framing)
	if err != nil {
		log.Fatal(err)
	}

	assistant := services.NewAssistant(cfg.Assistant.Endpoint, framing, cfg.Assistant.Timeout, logger)
	ctrl := session.NewController(services.NewTranscript(), assistant, cfg.ErrorNotice, logger)

	m, err := handlers.NewMain(ctrl, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(curatorchat.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/reset", m.HandleReset)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/sse", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("assistant", cfg.Assistant.Endpoint))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", slog.String("err", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}

		// The in-flight reply, if any, is abandoned with the session.
		if err := ctrl.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown session", slog.String("err", err.Error()))
		}
	}
}
