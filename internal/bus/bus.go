package bus

import (
	"log/slog"
	"sync"

	"pabot/internal/domain"
)

// Bus is a Go-channel based fan-out for announcements. Each subscriber gets
// its own buffered channel; a full (slow) subscriber drops the announcement
// with a warning instead of stalling the publishing poller. Ordering within
// one source is preserved because each poller publishes from a single
// goroutine and channels are FIFO.
type Bus struct {
	mu     sync.RWMutex
	sinks  []sink
	closed bool
	logger *slog.Logger
}

type sink struct {
	name string
	ch   chan domain.Announcement
}

// New creates an empty announcement bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a named sink and returns its receive channel. The
// channel is closed when the bus closes. bufferSize bounds how far the sink
// may lag before announcements are dropped for it.
func (b *Bus) Subscribe(name string, bufferSize int) <-chan domain.Announcement {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	ch := make(chan domain.Announcement, bufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.sinks = append(b.sinks, sink{name: name, ch: ch})
	return ch
}

// Publish delivers an announcement to every sink without blocking.
func (b *Bus) Publish(a domain.Announcement) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus", "source", a.Source)
		return
	}

	for _, s := range b.sinks {
		select {
		case s.ch <- a:
		default:
			b.logger.Warn("sink full, dropping announcement",
				"sink", s.name,
				"source", a.Source,
				"title", a.Title,
			)
		}
	}
}

// Close closes all sink channels. Publish becomes a logged no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.sinks {
		close(s.ch)
	}
	b.sinks = nil
}
