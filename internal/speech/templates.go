// Package speech shapes announcements into spoken text using per-language
// phrase templates.
package speech

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pabot/internal/domain"
)

// phrases is the template set for one language. Preamble may contain the
// {source} placeholder.
type phrases struct {
	Preamble string `yaml:"preamble"`
}

var builtin = map[string]phrases{
	"English": {Preamble: "New announcement from {source}:"},
	"Hindi":   {Preamble: "{source} से नई घोषणा:"},
	"Tamil":   {Preamble: "{source} இலிருந்து புதிய அறிவிப்பு:"},
	"Telugu":  {Preamble: "{source} నుండి కొత్త ప్రకటన:"},
	"Bengali": {Preamble: "{source} থেকে নতুন ঘোষণা:"},
}

// Book holds the merged template set and the active language.
type Book struct {
	templates map[string]phrases
	language  string
	logger    *slog.Logger
}

// Load merges templates from an optional YAML file over the built-in set.
// A missing file is not an error; a malformed one is.
func Load(path, language string, logger *slog.Logger) (*Book, error) {
	if logger == nil {
		logger = slog.Default()
	}
	merged := make(map[string]phrases, len(builtin))
	for lang, p := range builtin {
		merged[lang] = p
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			logger.Debug("no speech template file, using built-ins", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read speech templates: %w", err)
		default:
			var custom map[string]phrases
			if err := yaml.Unmarshal(data, &custom); err != nil {
				return nil, fmt.Errorf("parse speech templates: %w", err)
			}
			for lang, p := range custom {
				if p.Preamble != "" {
					merged[lang] = p
				}
			}
			logger.Info("loaded speech templates", "path", path, "languages", len(custom))
		}
	}

	if _, ok := merged[language]; !ok {
		logger.Warn("no templates for language, falling back to English", "language", language)
		language = "English"
	}

	return &Book{templates: merged, language: language, logger: logger}, nil
}

// Format renders the spoken read-out for one announcement.
func (b *Book) Format(a domain.Announcement) string {
	p := b.templates[b.language]
	preamble := strings.ReplaceAll(p.Preamble, "{source}", a.Source)

	var sb strings.Builder
	sb.WriteString(preamble)
	if a.Title != "" {
		sb.WriteString(" ")
		sb.WriteString(a.Title)
		sb.WriteString(".")
	}
	if a.TranslatedText != "" {
		sb.WriteString(" ")
		sb.WriteString(a.TranslatedText)
	}
	return strings.TrimSpace(sb.String())
}

// Language returns the active language.
func (b *Book) Language() string { return b.language }
