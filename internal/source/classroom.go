package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pabot/internal/domain"

	"golang.org/x/oauth2"
	"google.golang.org/api/classroom/v1"
	"google.golang.org/api/option"
)

// ClassroomSourceID keys the classroom cursor in the cursor store.
const ClassroomSourceID = "classroom"

// announcementPageSize bounds how much of each course feed is examined per
// cycle. New items land at the top of the updateTime-descending feed, so a
// small page is enough between polls.
const announcementPageSize = 10

// Course is one enrolled course.
type Course struct {
	ID   string
	Name string
}

// CourseAnnouncement is one raw feed entry. UpdateTime and CreationTime are
// the API's ISO-8601 strings.
type CourseAnnouncement struct {
	Text         string
	UpdateTime   string
	CreationTime string
}

// ClassroomAPI is the slice of the Classroom service the adapter needs.
type ClassroomAPI interface {
	ListCourses(ctx context.Context) ([]Course, error)
	ListAnnouncements(ctx context.Context, courseID string) ([]CourseAnnouncement, error)
}

// Classroom detects new announcements across all enrolled courses, ordered
// by a shared epoch-seconds timeline. A failing course is skipped for the
// cycle; the cursor is the max timestamp seen across the courses that
// answered, so one broken course never blocks the others.
type Classroom struct {
	api    ClassroomAPI
	logger *slog.Logger
}

func NewClassroom(api ClassroomAPI, logger *slog.Logger) *Classroom {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classroom{api: api, logger: logger}
}

func (c *Classroom) ID() string { return ClassroomSourceID }

func (c *Classroom) FetchDelta(ctx context.Context, cursor domain.Position, haveCursor bool) ([]domain.Announcement, domain.Position, error) {
	courses, err := c.api.ListCourses(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}

	newPos := cursor
	if !haveCursor {
		newPos = 0
	}

	var items []domain.Announcement
	observed := 0
	for _, course := range courses {
		anns, err := c.api.ListAnnouncements(ctx, course.ID)
		if err != nil {
			c.logger.Warn("course feed failed, skipping", "course", course.Name, "err", err)
			continue
		}
		observed++
		for _, ann := range anns {
			ts := isoToPosition(ann.UpdateTime)
			if ts > newPos {
				newPos = ts
			}
			if !haveCursor || ts <= cursor {
				continue
			}

			text := truncateRunes(ann.Text, displayLimit)
			items = append(items, domain.Announcement{
				Title:          "Classroom: " + course.Name,
				Source:         "Classroom",
				Timestamp:      announcedAt(ann),
				OriginalText:   text,
				TranslatedText: text,
				Position:       ts,
			})
		}
	}

	// A first run that observed no course feed at all must not persist a
	// zero baseline: the next healthy poll would treat all history as new.
	// Erroring here skips the cycle, so the next poll is still a first run.
	if !haveCursor && observed == 0 {
		return nil, 0, fmt.Errorf("no course feed observed, baseline not established")
	}

	return items, newPos, nil
}

// isoToPosition maps an ISO-8601 timestamp to epoch seconds. An unparsable
// value maps to 0: the entry sorts before any real cursor and is never
// re-announced.
func isoToPosition(iso string) domain.Position {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return 0
	}
	return domain.Position(float64(t.UnixNano()) / 1e9)
}

func announcedAt(ann CourseAnnouncement) time.Time {
	if t, err := time.Parse(time.RFC3339, ann.CreationTime); err == nil {
		return t
	}
	return time.Now()
}

// googleClassroomAPI backs ClassroomAPI with the real service.
type googleClassroomAPI struct {
	svc *classroom.Service
}

func NewGoogleClassroomAPI(ctx context.Context, ts oauth2.TokenSource) (ClassroomAPI, error) {
	svc, err := classroom.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("classroom service: %w", err)
	}
	return &googleClassroomAPI{svc: svc}, nil
}

func (g *googleClassroomAPI) ListCourses(ctx context.Context) ([]Course, error) {
	resp, err := g.svc.Courses.List().PageSize(100).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([]Course, 0, len(resp.Courses))
	for _, c := range resp.Courses {
		out = append(out, Course{ID: c.Id, Name: c.Name})
	}
	return out, nil
}

func (g *googleClassroomAPI) ListAnnouncements(ctx context.Context, courseID string) ([]CourseAnnouncement, error) {
	resp, err := g.svc.Courses.Announcements.List(courseID).
		OrderBy("updateTime desc").
		PageSize(announcementPageSize).
		Context(ctx).
		Do()
	if err != nil {
		return nil, err
	}
	out := make([]CourseAnnouncement, 0, len(resp.Announcements))
	for _, a := range resp.Announcements {
		out = append(out, CourseAnnouncement{
			Text:         a.Text,
			UpdateTime:   a.UpdateTime,
			CreationTime: a.CreationTime,
		})
	}
	return out, nil
}
