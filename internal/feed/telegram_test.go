package feed

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"pabot/internal/domain"
)

func TestSplitMessageShortTextUntouched(t *testing.T) {
	chunks := splitMessage("all clear", telegramMaxMsgLen)
	if len(chunks) != 1 || chunks[0] != "all clear" {
		t.Errorf("chunks = %q", chunks)
	}
}

func TestSplitMessagePrefersNewlineBoundary(t *testing.T) {
	text := strings.Repeat("a", 30) + "\n" + strings.Repeat("b", 30)
	chunks := splitMessage(text, 40)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0] != strings.Repeat("a", 30) {
		t.Errorf("first chunk = %q, want cut at the newline", chunks[0])
	}
}

func TestSplitMessageKeepsMultiByteRunesIntact(t *testing.T) {
	text := strings.Repeat("घ", 4500)
	chunks := splitMessage(text, telegramMaxMsgLen)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, chunk := range chunks {
		if !utf8.ValidString(chunk) {
			t.Errorf("chunk %d is not valid UTF-8", i)
		}
	}
	if got := utf8.RuneCountInString(chunks[0]); got != telegramMaxMsgLen {
		t.Errorf("first chunk = %d runes, want %d", got, telegramMaxMsgLen)
	}
	if got := utf8.RuneCountInString(chunks[1]); got != 500 {
		t.Errorf("second chunk = %d runes, want 500", got)
	}
}

func TestSplitMessageNoNewlineHardCut(t *testing.T) {
	text := strings.Repeat("x", 100)
	chunks := splitMessage(text, 40)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reassemble to the original text")
	}
}

func TestFormatCard(t *testing.T) {
	card := formatCard(domain.Announcement{
		Title:        "Fire drill",
		Source:       "Email",
		Timestamp:    time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC),
		OriginalText: "Drill at noon.",
	})
	for _, want := range []string{"*Fire drill*", "Email", "Mar 5 09:30", "Drill at noon."} {
		if !strings.Contains(card, want) {
			t.Errorf("card %q missing %q", card, want)
		}
	}
}
