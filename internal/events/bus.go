package events

import (
	"errors"
	"log/slog"
	"sync"
)

// DefaultBufferSize is the Bus queue length when none is configured.
const DefaultBufferSize = 256

// ErrBusClosed is returned when emitting after Drain.
var ErrBusClosed = errors.New("event bus closed")

type item struct {
	event  *Event
	metric *Metric
}

// Bus forwards to a sink through a bounded queue. Emitting blocks only
// when the queue is full. Drain closes the queue and waits until the sink
// has seen every item.
type Bus struct {
	sink   Sink
	logger *slog.Logger
	queue  chan item
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	errOnce sync.Once
	err     error
}

var _ Sink = (*Bus)(nil)

// NewBus starts a Bus in front of sink.
func NewBus(sink Sink, size int, logger *slog.Logger) *Bus {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		sink:   sink,
		logger: logger,
		queue:  make(chan item, size),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for it := range b.queue {
		var err error
		if it.event != nil {
			err = b.sink.Event(*it.event)
		} else {
			err = b.sink.Metric(*it.metric)
		}
		if err != nil {
			b.errOnce.Do(func() { b.err = err })
			b.logger.Warn("event sink failed", "error", err)
		}
	}
}

// Event implements Sink.
func (b *Bus) Event(e Event) error {
	return b.send(item{event: &e})
}

// Metric implements Sink.
func (b *Bus) Metric(m Metric) error {
	return b.send(item{metric: &m})
}

func (b *Bus) send(it item) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	b.queue <- it
	return nil
}

// Drain stops accepting items, waits for the queue to empty and returns
// the first sink error. Safe to call more than once.
func (b *Bus) Drain() error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
	return b.err
}
