package main

import (
	"context"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	scoutwebui "github.com/MegaGrindStone/scout-web-ui"
	appconfig "github.com/MegaGrindStone/scout-web-ui/internal/config"
	"github.com/MegaGrindStone/scout-web-ui/internal/handlers"
	"github.com/MegaGrindStone/scout-web-ui/internal/services"
)

func main() {
	cfg := defaultConfig()
	if err := appconfig.Load("server", &cfg, &cfg); err != nil {
		log.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		log.Fatal(err)
	}

	logger, err := appconfig.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}

	scout := services.NewScout(cfg.AgentURL, &http.Client{}, logger)

	m, err := handlers.NewMain(scout, logger, handlers.WithSessionIdleTimeout(cfg.SessionIdleTimeout))
	if err != nil {
		panic(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(scoutwebui.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("GET /{$}", m.HandleHome)
	mux.HandleFunc("POST /chats", m.HandleChats)
	mux.HandleFunc("POST /chats/cancel", m.HandleCancel)
	mux.HandleFunc("GET /sse", m.HandleSSE)
	mux.HandleFunc("GET /charts/{name}", m.HandleChart)

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

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("agentURL", cfg.AgentURL))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

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
