package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethoseg/segmentation-service/internal/infra/worker"
	"github.com/ethoseg/segmentation-service/pkg/logger"
	"go.uber.org/zap"
)

// stubworker speaks the inference worker protocol on stdin/stdout backed by
// a deterministic fake model. It stands in for the real model process in
// development and CI. Logs go to stderr; stdout carries protocol frames.
func main() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	log, err := logger.New(level)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	var opts []worker.StubOption
	if raw := os.Getenv("STUB_LOAD_DELAY"); raw != "" {
		d, err := time.ParseDuration(raw)
		fatalOnErr(err, "parse STUB_LOAD_DELAY")
		opts = append(opts, worker.WithLoadDelay(d))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := worker.Serve(ctx, os.Stdin, os.Stdout, worker.NewStub(opts...), log); err != nil {
		log.Error("worker exited", zap.Error(err))
		os.Exit(1)
	}
	log.Info("worker exited")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
