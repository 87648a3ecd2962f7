package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dmitriy6778/FactoryIQ-sub000/pkg/factoryiq"
)

func main() {
	flow, err := factoryiq.Conf("../../configs/factoryiq.example.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(_ context.Context, batch []factoryiq.Sample) error {
		for _, sample := range batch {
			fmt.Printf("%s tag=%d value=%g quality=0x%08X\n",
				sample.Timestamp.Format(time.RFC3339Nano),
				sample.TagID,
				sample.Value,
				sample.Quality,
			)
		}
		return nil
	}

	if err := flow.Run(ctx, factoryiq.StreamOutCallback("stdout", callback)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
