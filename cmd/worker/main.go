package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/feichai0017/ingest-pipeline/config"
	"github.com/feichai0017/ingest-pipeline/internal/app"
	"github.com/feichai0017/ingest-pipeline/pkg/logger"
	"github.com/feichai0017/ingest-pipeline/pkg/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

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

	if cfg.Worker.Queue != "asynq" {
		log.Fatal("The worker consumes the asynq queue; memory mode runs inside the server",
			logger.String("queue", cfg.Worker.Queue))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log, app.Options{Extraction: true})
	if err != nil {
		log.Error("Failed to initialize application", logger.Error(err))
		os.Exit(1)
	}
	defer a.Close()

	pipelineWorker := worker.NewPipelineWorker(&worker.Config{
		RedisAddr:     cfg.Redis.Addr,
		RedisDB:       cfg.Redis.DB,
		RedisPassword: cfg.Redis.Password,
		Concurrency:   cfg.Worker.Concurrency,
		Queues:        cfg.Worker.Queues,
	}, a.Tracker, log)

	if err := pipelineWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	hs, err := a.NewHealthServer(cfg.Worker.HealthAddr)
	if err != nil {
		log.Error("Failed to listen for health checks", logger.Error(err))
		os.Exit(1)
	}
	go func() {
		if err := hs.Serve(); err != nil {
			log.Error("Health server stopped", logger.Error(err))
		}
	}()
	go a.Watch(ctx, hs, 15*time.Second)
	go a.RunRecovery(ctx, cfg.Pipeline.StallTimeout/2)
	log.Info("Worker started",
		logger.Int("concurrency", cfg.Worker.Concurrency),
		logger.String("health_addr", cfg.Worker.HealthAddr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down worker...")
	cancel()
	hs.Stop()
	pipelineWorker.Stop()
	log.Info("Worker stopped")
}
