package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"pixvault/internal/auth"
	"pixvault/internal/blob"
	"pixvault/internal/cache"
	"pixvault/internal/models"
	"pixvault/internal/queue"
	"pixvault/internal/resolver"
	"pixvault/internal/server"
	"pixvault/internal/storage"
)

const tokenReapInterval = 5 * time.Minute

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	cfg, err := models.LoadConfig("config.yaml")
	if err != nil {
		log.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	db, err := storage.NewStorage(cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to init storage", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var blobs blob.Gateway
	switch cfg.BlobMode {
	case "http":
		blobs = blob.NewHTTPGateway(cfg.GatewayURL, cfg.BlobTimeout)
	default:
		blobs, err = blob.NewFSStore(cfg.BlobRoot, cfg.PublicURL, cfg.BlobCompress)
		if err != nil {
			log.Error("failed to init blob store", "err", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Touch events go through kafka when a broker is configured, else a
	// goroutine applies them directly.
	var toucher queue.Toucher
	var producer *kafka.Writer
	if cfg.KafkaBroker != "" {
		producer = kafka.NewWriter(kafka.WriterConfig{
			Brokers: []string{cfg.KafkaBroker},
			Topic:   cfg.KafkaTopic,
		})
		toucher = queue.NewKafkaToucher(producer, log)

		go queue.RunTouchConsumer(ctx, cfg.KafkaBroker, cfg.KafkaTopic, db, log)
	} else {
		toucher = queue.NewDirectToucher(db, log)
	}

	c := cache.New()
	authSvc := auth.NewService(db, db, c, log)
	res := resolver.NewService(db, c, blobs, toucher, cfg.BlobTimeout, cfg.TranscodeTimeout, log)

	go authSvc.RunReaper(ctx, tokenReapInterval)

	srv := server.NewServer(cfg, authSvc, res, db, blobs, log)

	go func() {
		log.Info("server listening", "addr", cfg.ServerAddr)
		if err := srv.Start(); err != nil {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}

	if producer != nil {
		producer.Close()
	}
}
