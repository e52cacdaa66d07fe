package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/ingest-pipeline/api/routes"
	"github.com/feichai0017/ingest-pipeline/config"
	"github.com/feichai0017/ingest-pipeline/internal/app"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel(cfg.Logging.Level),
		logger.WithEncoding(cfg.Logging.Encoding),
		logger.WithOutputPaths(cfg.Logging.OutputPaths),
		logger.WithErrorPaths(cfg.Logging.ErrorPaths),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// memory queue mode advances documents in this process
	inProcess := cfg.Worker.Queue == "memory"
	a, err := app.New(ctx, cfg, log, app.Options{Extraction: inProcess})
	if err != nil {
		log.Fatal("Failed to initialize application", logger.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("Failed to release resources", logger.Error(err))
		}
	}()

	if inProcess {
		a.StartMemoryWorkers(ctx)
		go a.RunRecovery(ctx, cfg.Pipeline.StallTimeout/2)
		log.Info("In-process workers started", logger.Int("concurrency", cfg.Worker.Concurrency))
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = cfg.Server.MaxMultipartMemory
	routes.SetupRoutes(r, a.Handlers(), log, routes.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Ready:       a.Pingers(),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}
