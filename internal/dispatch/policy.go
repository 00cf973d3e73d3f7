// Package dispatch decides which announcements are spoken aloud and drives
// the voice session with them.
package dispatch

import (
	"context"
	"log/slog"
	"sync/atomic"

	"pabot/internal/domain"
)

// Policy gates the spoken path. Nothing is spoken until backfill completes
// (the voice session has settled and the pollers have started), and after
// that only while the auto-broadcast toggle is on. Items arriving while the
// gate is shut are dropped for speech, not queued; they still reach the
// other sinks.
type Policy struct {
	backfillDone atomic.Bool
	auto         atomic.Bool
}

func NewPolicy(autoBroadcast bool) *Policy {
	p := &Policy{}
	p.auto.Store(autoBroadcast)
	return p
}

// MarkBackfillComplete opens the backfill gate. One-way.
func (p *Policy) MarkBackfillComplete() { p.backfillDone.Store(true) }

func (p *Policy) SetAutoBroadcast(on bool) { p.auto.Store(on) }

func (p *Policy) AutoBroadcast() bool { return p.auto.Load() }

// ShouldSpeak reports whether an announcement arriving now gets spoken.
func (p *Policy) ShouldSpeak() bool {
	return p.backfillDone.Load() && p.auto.Load()
}

// Formatter renders an announcement into spoken text.
type Formatter interface {
	Format(a domain.Announcement) string
}

// Dispatcher consumes the spoken-path sink and forwards eligible
// announcements to the speaker. Speak failures are logged and do not stop
// the loop.
type Dispatcher struct {
	policy    *Policy
	speaker   domain.Speaker
	formatter Formatter
	logger    *slog.Logger
}

type DispatcherConfig struct {
	Policy    *Policy
	Speaker   domain.Speaker
	Formatter Formatter
	Logger    *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		policy:    cfg.Policy,
		speaker:   cfg.Speaker,
		formatter: cfg.Formatter,
		logger:    cfg.Logger,
	}
}

func (d *Dispatcher) Run(ctx context.Context, in <-chan domain.Announcement) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-in:
			if !ok {
				return
			}
			if !d.policy.ShouldSpeak() {
				d.logger.Debug("announcement not spoken",
					"title", a.Title,
					"backfill_done", d.policy.backfillDone.Load(),
					"auto_broadcast", d.policy.auto.Load(),
				)
				continue
			}
			text := d.formatter.Format(a)
			if err := d.speaker.Speak(ctx, text); err != nil {
				d.logger.Warn("speak failed", "title", a.Title, "err", err)
			}
		}
	}
}
