package domain

import (
	"context"
	"time"
)

// Position is a source-specific ordering value: a message UID for the
// mailbox, an epoch-seconds timestamp for the classroom feed. Positions
// only ever move forward for a given source.
type Position float64

// Announcement is one unit of new content detected from any source.
// Immutable once created; never persisted (only cursors survive a restart).
type Announcement struct {
	Title          string
	Source         string
	Timestamp      time.Time
	OriginalText   string
	TranslatedText string

	// Position orders the announcement within its source.
	Position Position
}

// Source fetches candidate items from one external system.
// FetchDelta returns the items strictly newer than cursor (ascending order is
// not required; the poller sorts) and the new cursor position. When haveCursor
// is false this is the first run for the source: implementations establish a
// baseline position and return zero items. A returned error means the cycle
// produced nothing trustworthy and the cursor must not advance.
type Source interface {
	ID() string
	FetchDelta(ctx context.Context, cursor Position, haveCursor bool) ([]Announcement, Position, error)
}

// CursorStore persists the last-seen position per source. Load distinguishes
// "no cursor stored yet" (ok=false) from "cursor at position zero".
type CursorStore interface {
	Load(ctx context.Context, sourceID string) (Position, bool, error)
	Save(ctx context.Context, sourceID string, pos Position) error
	Reset(ctx context.Context, sourceID string) error
}

// AnnouncementBus fans announcements out to registered sinks without
// blocking the publisher.
type AnnouncementBus interface {
	Publish(a Announcement)
}
