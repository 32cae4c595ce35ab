package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/model"
)

// New builds the root logger from cfg. Console output is human-readable;
// otherwise one JSON object per line is written.
func New(cfg model.LogConfig, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if cfg.Console {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Sanitizer redacts personal data from log fields when enabled.
type Sanitizer struct {
	Enabled bool
}

// Address masks an email address, e.g. "a***e@e*****e.com". A display
// name, as in "Alice <alice@example.com>", is masked separately.
func (s Sanitizer) Address(addr string) string {
	if !s.Enabled {
		return addr
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return MaskEmail(addr)
	}
	masked := MaskEmail(parsed.Address)
	if parsed.Name == "" {
		return masked
	}
	return maskPart(parsed.Name) + " <" + masked + ">"
}

// Subject replaces a subject with its length.
func (s Sanitizer) Subject(subject string) string {
	if !s.Enabled {
		return subject
	}
	return "[subject len=" + strconv.Itoa(len(subject)) + "]"
}

// MaskEmail keeps the first and last character of each part of an
// address and masks the rest.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}
	domain := strings.Split(s[at+1:], ".")
	for i, p := range domain {
		domain[i] = maskPart(p)
	}
	return maskPart(s[:at]) + "@" + strings.Join(domain, ".")
}

// maskPart masks all but the first and last rune of part.
func maskPart(part string) string {
	r := []rune(part)
	if len(r) <= 1 {
		return "*"
	}
	return string(r[0]) + strings.Repeat("*", len(r)-2) + string(r[len(r)-1])
}
