package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000"
)

func main() {
	flow, err := factoryiq.Conf("../../configs/factoryiq.example.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, batches, closeBatches := factoryiq.NewChannelStore("fanout", 32)

	done := make(chan struct{})
	go func() {
		defer close(done)
		fanoutWorker("ingest", batches)
	}()

	err = flow.Run(ctx, factoryiq.StreamOutStore(store))
	closeBatches()
	<-done
	if err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []factoryiq.Sample) {
	for batch := range batches {
		fmt.Printf("[%s] %d samples committed at %s\n", name, len(batch), time.Now().Format(time.RFC3339))
	}
}
