package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jupark12/ocr-supervisor/config"
	"github.com/jupark12/ocr-supervisor/pipeline"
	"github.com/jupark12/ocr-supervisor/pool"
	"github.com/jupark12/ocr-supervisor/server"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pool.New(pool.Config{
		WorkerCount:        cfg.WorkerCount,
		WorkerBin:          cfg.OCRWorkerBin,
		QueueMaxSize:       cfg.QueueMaxSize,
		OCRTimeout:         cfg.OCRTimeout,
		WorkerReadyTimeout: cfg.WorkerReadyTimeout,
		CrashCooldown:      config.CrashCooldown,
	}, log)

	initCtx, cancelInit := context.WithTimeout(ctx, cfg.WorkerReadyTimeout)
	err = p.Init(initCtx)
	cancelInit()
	if err != nil {
		log.Fatalf("pool failed to reach readiness: %v", err)
	}
	log.Infow("pool initialized", "worker_count", cfg.WorkerCount)

	pl := pipeline.New(p, log)
	srv := server.New(cfg.MaxFileSizeBytes, pl, p, log)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	go func() {
		log.Infow("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http server shutdown: %v", err)
	}

	p.Shutdown()
	log.Info("stopped.")
}
