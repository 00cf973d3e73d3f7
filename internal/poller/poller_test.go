package poller

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"pabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// memCursors is an in-memory domain.CursorStore for tests.
type memCursors struct {
	mu  sync.Mutex
	pos map[string]domain.Position
}

func newMemCursors() *memCursors {
	return &memCursors{pos: make(map[string]domain.Position)}
}

func (m *memCursors) Load(_ context.Context, id string) (domain.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pos[id]
	return p, ok, nil
}

func (m *memCursors) Save(_ context.Context, id string, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.pos[id]; ok && cur > p {
		return nil
	}
	m.pos[id] = p
	return nil
}

func (m *memCursors) Reset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pos, id)
	return nil
}

// mailboxLike simulates a UID-ordered source the way the IMAP adapter
// behaves: first run returns the max UID with no items.
type mailboxLike struct {
	mu   sync.Mutex
	uids []int
}

func (s *mailboxLike) ID() string { return "mailbox" }

func (s *mailboxLike) FetchDelta(_ context.Context, cursor domain.Position, haveCursor bool) ([]domain.Announcement, domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	max := cursor
	var items []domain.Announcement
	for _, uid := range s.uids {
		p := domain.Position(uid)
		if p > max {
			max = p
		}
		if haveCursor && p > cursor {
			items = append(items, domain.Announcement{Source: "Email", Position: p})
		}
	}
	return items, max, nil
}

func (s *mailboxLike) add(uid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uids = append(s.uids, uid)
}

// collector records published announcements.
type collector struct {
	mu  sync.Mutex
	got []domain.Announcement
}

func (c *collector) Publish(a domain.Announcement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, a)
}

func (c *collector) all() []domain.Announcement {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Announcement, len(c.got))
	copy(out, c.got)
	return out
}

func newTestPoller(src domain.Source, cursors domain.CursorStore, sink domain.AnnouncementBus) *Poller {
	return New(Config{
		Source:  src,
		Cursors: cursors,
		Bus:     sink,
		Logger:  testLogger(),
	})
}

func TestFirstRunSuppression(t *testing.T) {
	src := &mailboxLike{uids: []int{101, 102, 103}}
	cursors := newMemCursors()
	sink := &collector{}
	p := newTestPoller(src, cursors, sink)

	p.pollOnce(context.Background())

	if n := len(sink.all()); n != 0 {
		t.Errorf("first poll emitted %d items, want 0", n)
	}
	pos, ok, _ := cursors.Load(context.Background(), "mailbox")
	if !ok || pos != 103 {
		t.Errorf("cursor = %v ok=%v, want 103", pos, ok)
	}
}

func TestIncrementalScenario(t *testing.T) {
	// Mailbox [101,102,103]: baseline, idle poll, then message 104 arrives.
	src := &mailboxLike{uids: []int{101, 102, 103}}
	cursors := newMemCursors()
	sink := &collector{}
	p := newTestPoller(src, cursors, sink)
	ctx := context.Background()

	p.pollOnce(ctx)
	if len(sink.all()) != 0 {
		t.Fatal("baseline poll should emit nothing")
	}

	p.pollOnce(ctx)
	if len(sink.all()) != 0 {
		t.Fatal("idle poll should emit nothing")
	}
	if pos, _, _ := cursors.Load(ctx, "mailbox"); pos != 103 {
		t.Fatalf("cursor moved without new mail: %v", pos)
	}

	src.add(104)
	p.pollOnce(ctx)

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("emitted %d items, want 1", len(got))
	}
	if got[0].Position != 104 {
		t.Errorf("emitted position %v, want 104", got[0].Position)
	}
	if pos, _, _ := cursors.Load(ctx, "mailbox"); pos != 104 {
		t.Errorf("cursor = %v, want 104", pos)
	}
}

func TestNoReemissionAtOrBelowCursor(t *testing.T) {
	src := &mailboxLike{uids: []int{101, 102, 103}}
	cursors := newMemCursors()
	sink := &collector{}
	p := newTestPoller(src, cursors, sink)
	ctx := context.Background()

	p.pollOnce(ctx) // baseline
	src.add(104)
	src.add(105)
	p.pollOnce(ctx)
	p.pollOnce(ctx) // nothing new

	got := sink.all()
	if len(got) != 2 {
		t.Fatalf("emitted %d items, want 2", len(got))
	}
	seen := map[domain.Position]int{}
	for _, a := range got {
		seen[a.Position]++
	}
	if seen[104] != 1 || seen[105] != 1 {
		t.Errorf("duplicate or missing emissions: %v", seen)
	}
}

// unorderedSource returns items out of order to verify the poller sorts.
type unorderedSource struct{}

func (unorderedSource) ID() string { return "unordered" }

func (unorderedSource) FetchDelta(_ context.Context, cursor domain.Position, haveCursor bool) ([]domain.Announcement, domain.Position, error) {
	if !haveCursor {
		return nil, 0, nil
	}
	return []domain.Announcement{
		{Position: 30}, {Position: 10}, {Position: 20},
	}, 30, nil
}

func TestEmitsInAscendingOrder(t *testing.T) {
	cursors := newMemCursors()
	cursors.Save(context.Background(), "unordered", 0)
	sink := &collector{}
	p := newTestPoller(unorderedSource{}, cursors, sink)

	p.pollOnce(context.Background())

	got := sink.all()
	if len(got) != 3 {
		t.Fatalf("emitted %d items", len(got))
	}
	for i, want := range []domain.Position{10, 20, 30} {
		if got[i].Position != want {
			t.Errorf("item %d at position %v, want %v", i, got[i].Position, want)
		}
	}
}

// failingSource always errors.
type failingSource struct{ calls int }

func (f *failingSource) ID() string { return "failing" }

func (f *failingSource) FetchDelta(context.Context, domain.Position, bool) ([]domain.Announcement, domain.Position, error) {
	f.calls++
	return nil, 0, context.DeadlineExceeded
}

func TestFetchErrorDoesNotAdvanceCursor(t *testing.T) {
	cursors := newMemCursors()
	cursors.Save(context.Background(), "failing", 50)
	src := &failingSource{}
	p := newTestPoller(src, cursors, &collector{})

	p.pollOnce(context.Background())

	pos, ok, _ := cursors.Load(context.Background(), "failing")
	if !ok || pos != 50 {
		t.Errorf("cursor changed after failed fetch: %v", pos)
	}
}

// panickySource panics mid-cycle.
type panickySource struct{}

func (panickySource) ID() string { return "panicky" }

func (panickySource) FetchDelta(context.Context, domain.Position, bool) ([]domain.Announcement, domain.Position, error) {
	panic("source blew up")
}

func TestCyclePanicIsContained(t *testing.T) {
	p := newTestPoller(panickySource{}, newMemCursors(), &collector{})
	// Must not propagate.
	p.pollOnce(context.Background())
}

func TestStartStopsOnCancel(t *testing.T) {
	src := &mailboxLike{uids: []int{1}}
	p := newTestPoller(src, newMemCursors(), &collector{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not exit after cancel")
	}
}

func TestMinimumIntervalEnforced(t *testing.T) {
	p := New(Config{
		Source:   &mailboxLike{},
		Cursors:  newMemCursors(),
		Bus:      &collector{},
		Interval: time.Millisecond,
		Logger:   testLogger(),
	})
	if p.interval < minInterval {
		t.Errorf("interval %v below enforced minimum", p.interval)
	}
}
