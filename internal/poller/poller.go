package poller

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"pabot/internal/domain"
)

// minInterval bounds how hard a misconfigured poller can hit a source.
const minInterval = 5 * time.Second

// Poller drives one source on a fixed interval. Each cycle loads the cursor,
// fetches the delta, emits new items in ascending position order, and
// persists the new cursor — even when nothing was emitted, because the
// observed maximum must still advance past unchanged history. A failing
// cycle is logged and skipped; it never crashes the loop or touches the
// cursor. Stop is cooperative: cancelling the context takes effect between
// cycles, and Start returns only once the loop has fully exited.
type Poller struct {
	source   domain.Source
	cursors  domain.CursorStore
	bus      domain.AnnouncementBus
	interval time.Duration
	logger   *slog.Logger
}

type Config struct {
	Source   domain.Source
	Cursors  domain.CursorStore
	Bus      domain.AnnouncementBus
	Interval time.Duration
	Logger   *slog.Logger
}

func New(cfg Config) *Poller {
	if cfg.Interval < minInterval {
		cfg.Interval = minInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Poller{
		source:   cfg.Source,
		cursors:  cfg.Cursors,
		bus:      cfg.Bus,
		interval: cfg.Interval,
		logger:   cfg.Logger,
	}
}

// Start runs the poll loop. It polls once immediately, then on every tick,
// and blocks until ctx is cancelled. Run it in its own goroutine and track
// completion with a WaitGroup.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("poller started",
		"source", p.source.ID(),
		"interval", p.interval,
	)

	p.pollOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", "source", p.source.ID())
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce executes a single cycle. Panics are confined to the cycle.
func (p *Poller) pollOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll cycle panic", "source", p.source.ID(), "panic", r)
		}
	}()

	sourceID := p.source.ID()

	cursor, haveCursor, err := p.cursors.Load(ctx, sourceID)
	if err != nil {
		p.logger.Error("cannot load cursor, skipping cycle", "source", sourceID, "err", err)
		return
	}

	items, newPos, err := p.source.FetchDelta(ctx, cursor, haveCursor)
	if err != nil {
		p.logger.Warn("poll cycle failed", "source", sourceID, "err", err)
		return
	}

	// Emit in ascending position order so the cursor never races past an
	// item that has not been published yet.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Position < items[j].Position
	})
	for _, a := range items {
		p.bus.Publish(a)
	}

	if !haveCursor || newPos > cursor {
		if err := p.cursors.Save(ctx, sourceID, newPos); err != nil {
			p.logger.Error("cannot save cursor", "source", sourceID, "err", err)
			return
		}
	}

	if len(items) > 0 {
		p.logger.Info("new announcements",
			"source", sourceID,
			"count", len(items),
			"cursor", float64(newPos),
		)
	} else if !haveCursor {
		p.logger.Info("baseline established", "source", sourceID, "cursor", float64(newPos))
	}
}
