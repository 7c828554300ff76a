package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	appconfig "github.com/MegaGrindStone/scout-web-ui/internal/config"
	"github.com/MegaGrindStone/scout-web-ui/internal/proxy"
	"github.com/MegaGrindStone/scout-web-ui/internal/services"
)

func main() {
	cfg := defaultConfig()
	if err := appconfig.Load("proxy", &cfg, &cfg.settings); err != nil {
		log.Fatal(err)
	}

	logger, err := appconfig.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}

	dbPath := cfg.DBPath
	if dbPath == "" {
		dir, err := appconfig.Dir()
		if err != nil {
			log.Fatal(err)
		}
		dbPath = filepath.Join(dir, "store.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		log.Fatal(err)
	}
	defer boltDB.Close()

	opts := []proxy.Option{
		proxy.WithCharts(proxy.NewChartDir(cfg.OutputDir)),
		proxy.WithAllowedOrigins(cfg.AllowedOrigins...),
	}

	var llm proxy.LLM
	if cfg.LLM == nil {
		logger.Warn("No llm provider configured, chat requests will be refused")
	} else {
		llm, err = cfg.LLM.llm(cfg.SystemPrompt, logger)
		if err != nil {
			log.Fatal(err)
		}
		titleGen, err := cfg.LLM.titleGen(logger)
		if err != nil {
			log.Fatal(err)
		}
		opts = append(opts, proxy.WithTitleGenerator(titleGen))
	}

	p := proxy.NewServer(llm, boltDB, logger, opts...)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Agent API starting",
			slog.String("port", cfg.Port),
			slog.String("outputDir", cfg.OutputDir),
			slog.Bool("agentReady", llm != nil))
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
		if err := p.Shutdown(ctx); err != nil {
			logger.Error("Title generation did not finish", slog.String("err", err.Error()))
		}
	}
}
