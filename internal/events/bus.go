package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sixmans/internal/constants"
)

type Handler func(Event)

// Bus fans events out to registered handlers from a single dispatcher
// goroutine, so every subscriber observes events in publish order. The
// buffer absorbs bursts; when it is full the event is dropped rather than
// blocking the caller.
type Bus struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers []Handler

	ch   chan Event
	quit chan struct{}
	done chan struct{}
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger,
		ch:     make(chan Event, constants.EventBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *Bus) Publish(t Type, payload any) {
	ev := Event{Type: t, Payload: payload, OccurredAt: time.Now().UTC()}
	select {
	case b.ch <- ev:
	default:
		b.logger.Warn().Str("event_type", string(t)).Msg("event buffer full, dropping event")
	}
}

func (b *Bus) Start() {
	go b.run()
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		select {
		case ev := <-b.ch:
			b.dispatch(ev)
		case <-b.quit:
			// drain whatever was published before the stop
			for {
				select {
				case ev := <-b.ch:
					b.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (b *Bus) Stop(ctx context.Context) error {
	close(b.quit)
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
