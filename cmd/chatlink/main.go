package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"chatlink/config"
	"chatlink/logger"
	"chatlink/service/chat"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to the yaml config file")
		userID  = flag.String("user", "", "id of the signed-in user")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Errorf("[main] load config: %v", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)
	defer logger.Sync()

	if *userID == "" {
		logger.Error("[main] -user is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := chat.New(cfg, *userID)
	if err := client.Open(ctx); err != nil {
		logger.Errorf("[main] open: %v", err)
		os.Exit(1)
	}
	if err := client.SetOnline(ctx, true); err != nil {
		logger.Warnf("[main] publish online status: %v", err)
	}

	<-ctx.Done()

	if err := client.SetOnline(context.Background(), false); err != nil {
		logger.Warnf("[main] publish offline status: %v", err)
	}
	if err := client.Close(); err != nil {
		logger.Warnf("[main] close: %v", err)
	}
	logger.Info("[main] shutdown complete")
}
