package factoryiq

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelStoreClosed is returned when a channel store is written to after being closed.
var ErrChannelStoreClosed = errors.New("factoryiq: channel store closed")

// SampleBatchFunc receives each chunk the writer commits. Returning an error
// sends the chunk down the retry and spool path like a failed transaction.
type SampleBatchFunc func(ctx context.Context, batch []Sample) error

// NewCallbackStore adapts a SampleBatchFunc into a Store so callers can plug
// arbitrary functions without defining structs.
func NewCallbackStore(name string, fn SampleBatchFunc) Store {
	if name == "" {
		name = "callback"
	}
	return &callbackStore{name: name, fn: fn}
}

// NewChannelStore exposes committed chunks via a channel; it returns the
// store, the read-only channel, and a close function that the caller should
// invoke after the runtime stopped. A chunk counts as committed once the
// channel accepted it.
func NewChannelStore(name string, buffer int) (Store, <-chan []Sample, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Sample, buffer)
	s := &channelStore{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackStore struct {
	name string
	fn   SampleBatchFunc
}

func (s *callbackStore) WriteChunk(ctx context.Context, samples []*Sample) error {
	if s.fn == nil {
		return fmt.Errorf("callback store %q: nil handler", s.name)
	}
	if len(samples) == 0 {
		return nil
	}
	return s.fn(ctx, copyBatch(samples))
}

func (s *callbackStore) Name() string { return s.name }

type channelStore struct {
	name   string
	ch     chan []Sample
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex
}

func (s *channelStore) WriteChunk(ctx context.Context, samples []*Sample) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.closed:
		return ErrChannelStoreClosed
	default:
	}

	if len(samples) == 0 {
		return nil
	}

	select {
	case <-s.closed:
		return ErrChannelStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- copyBatch(samples):
		return nil
	}
}

func (s *channelStore) Name() string { return s.name }

func (s *channelStore) close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		close(s.ch)
		s.mu.Unlock()
	})
}

// copyBatch detaches the chunk from the writer's pointers.
func copyBatch(samples []*Sample) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		out = append(out, *s)
	}
	return out
}
