package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/Dmitriy6778/FactoryIQ-sub000"
)

func main() {
	flow, err := factoryiq.Conf("../../configs/factoryiq.example.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := flow.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("collector exited: %v", err)
	}
}
