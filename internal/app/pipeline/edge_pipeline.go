package pipeline

import (
	"context"

	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/app/supervisor"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/domain"
	"github.com/Dmitriy6778/FactoryIQ-sub000/internal/ports"
)

// LivenessByTag routes a delivered sample to the liveness clock of the
// server it came from. Tag IDs are unique across servers.
type LivenessByTag map[int64]*supervisor.Liveness

// RunDelivery moves samples from the session channel into the dedup queue.
// Every sample proves its server alive, including ones the queue suppresses.
// Once ctx is done, whatever is already buffered in the channel is still
// delivered before it returns; stop the producers first.
func RunDelivery(ctx context.Context, in <-chan *domain.Sample, q ports.PendingQueue, live LivenessByTag, obs ports.Observability) error {
	for {
		select {
		case <-ctx.Done():
			drainBuffered(in, q, live, obs)
			return nil
		case s, ok := <-in:
			if !ok {
				return nil
			}
			deliver(s, q, live, obs)
		}
	}
}

func drainBuffered(in <-chan *domain.Sample, q ports.PendingQueue, live LivenessByTag, obs ports.Observability) {
	for {
		select {
		case s, ok := <-in:
			if !ok {
				return
			}
			deliver(s, q, live, obs)
		default:
			return
		}
	}
}

func deliver(s *domain.Sample, q ports.PendingQueue, live LivenessByTag, obs ports.Observability) {
	if s == nil {
		return
	}
	if l, ok := live[s.TagID]; ok {
		l.Touch()
	}
	obs.IncCounter(ports.MetricSamplesReceived, 1)
	if !q.Insert(s) {
		obs.IncCounter(ports.MetricSamplesSuppressed, 1)
	}
}
