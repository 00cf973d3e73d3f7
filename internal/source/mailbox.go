package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"pabot/internal/domain"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
)

// MailboxSourceID keys the mailbox cursor in the cursor store.
const MailboxSourceID = "mailbox"

// MailMessage is one parsed message.
type MailMessage struct {
	Subject string
	From    string
	Body    string
}

// mailSession is one connected, INBOX-selected IMAP session.
type mailSession interface {
	// ListUIDs returns the UIDs of messages with UID > afterUID.
	// afterUID == 0 lists the whole mailbox.
	ListUIDs(afterUID uint32) ([]uint32, error)
	Fetch(uid uint32) (*MailMessage, error)
	Close() error
}

// Mailbox detects new mail by UID. On the first run it records the highest
// existing UID without fetching bodies, so historical mail never floods the
// feed. On later runs it fetches only messages above the cursor; a message
// whose fetch fails is skipped and the cursor still advances past it, so a
// bad message does not re-trigger on every poll.
type Mailbox struct {
	host     string
	username string
	password string
	dial     func() (mailSession, error)
	logger   *slog.Logger
}

type MailboxConfig struct {
	Host     string
	Username string
	Password string
	Logger   *slog.Logger
}

func NewMailbox(cfg MailboxConfig) *Mailbox {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Mailbox{
		host:     cfg.Host,
		username: cfg.Username,
		password: cfg.Password,
		logger:   cfg.Logger,
	}
	m.dial = func() (mailSession, error) {
		return dialIMAP(m.host, m.username, m.password)
	}
	return m
}

func (m *Mailbox) ID() string { return MailboxSourceID }

func (m *Mailbox) FetchDelta(ctx context.Context, cursor domain.Position, haveCursor bool) ([]domain.Announcement, domain.Position, error) {
	sess, err := m.dial()
	if err != nil {
		return nil, 0, fmt.Errorf("mailbox connect: %w", err)
	}
	defer sess.Close()

	if !haveCursor {
		// First run: baseline only, no bodies.
		uids, err := sess.ListUIDs(0)
		if err != nil {
			return nil, 0, fmt.Errorf("mailbox baseline scan: %w", err)
		}
		var max domain.Position
		for _, uid := range uids {
			if p := domain.Position(uid); p > max {
				max = p
			}
		}
		return nil, max, nil
	}

	uids, err := sess.ListUIDs(uint32(cursor))
	if err != nil {
		return nil, 0, fmt.Errorf("mailbox search: %w", err)
	}

	newPos := cursor
	var items []domain.Announcement
	for _, uid := range uids {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		p := domain.Position(uid)
		if p <= cursor {
			continue
		}
		if p > newPos {
			newPos = p
		}

		msg, err := sess.Fetch(uid)
		if err != nil {
			m.logger.Warn("cannot fetch message, skipping", "uid", uid, "err", err)
			continue
		}

		body := truncateRunes(msg.Body, displayLimit)
		items = append(items, domain.Announcement{
			Title:          msg.Subject,
			Source:         "Email",
			Timestamp:      time.Now(),
			OriginalText:   body,
			TranslatedText: body,
			Position:       p,
		})
	}

	return items, newPos, nil
}

// imapSession wraps a live go-imap client.
type imapSession struct {
	c *client.Client
}

func dialIMAP(host, username, password string) (mailSession, error) {
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":993"
	}

	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if err := c.Login(username, password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select("INBOX", true); err != nil {
		c.Logout()
		return nil, fmt.Errorf("select inbox: %w", err)
	}
	return &imapSession{c: c}, nil
}

func (s *imapSession) ListUIDs(afterUID uint32) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	if afterUID > 0 {
		set := new(imap.SeqSet)
		set.AddRange(afterUID+1, 0) // 0 means "*"
		criteria.Uid = set
	}
	return s.c.UidSearch(criteria)
}

func (s *imapSession) Fetch(uid uint32) (*MailMessage, error) {
	set := new(imap.SeqSet)
	set.AddNum(uid)

	section := &imap.BodySectionName{Peek: true}
	ch := make(chan *imap.Message, 1)
	if err := s.c.UidFetch(set, []imap.FetchItem{section.FetchItem()}, ch); err != nil {
		return nil, fmt.Errorf("fetch uid %d: %w", uid, err)
	}

	msg := <-ch
	if msg == nil {
		return nil, fmt.Errorf("no data for uid %d", uid)
	}
	r := msg.GetBody(section)
	if r == nil {
		return nil, fmt.Errorf("empty body section for uid %d", uid)
	}
	return parseMessage(r)
}

func (s *imapSession) Close() error {
	return s.c.Logout()
}

// parseMessage extracts subject, sender, and body text. Header decode
// failures fall back to the raw encoded value rather than aborting; for the
// body, text/plain is preferred with text/html as fallback.
func parseMessage(r io.Reader) (*MailMessage, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}

	from := mr.Header.Get("From")
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].String()
	}

	var plain, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever parts decoded so far.
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue // attachments are not announcement material
		}
		ct, _, _ := h.ContentType()
		data, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}
		switch ct {
		case "text/plain":
			if plain == "" {
				plain = string(data)
			}
		case "text/html":
			if html == "" {
				html = string(data)
			}
		}
	}

	body := plain
	if body == "" {
		body = html
	}

	return &MailMessage{
		Subject: subject,
		From:    from,
		Body:    strings.TrimSpace(body),
	}, nil
}
