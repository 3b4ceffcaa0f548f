package timephrase

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// requestPattern matches chat requests such as "nhắc tôi học Toán lúc 15h30".
var requestPattern = regexp.MustCompile(`(?i)nhắc\s+(?:tôi|mình|em|anh|chị)?\s*học\s+(.+?)\s+lúc\s+(.+)`)

// Parsed is a reminder request recovered from free text.
type Parsed struct {
	Subject string
	DueAt   time.Time
}

// ParseRequest recognises a reminder request in user chat text and resolves
// its time phrase against now. Any failure yields ErrNoMatch.
func ParseRequest(text string, now time.Time) (Parsed, error) {
	// Compose accents without lower-casing so the subject keeps its capitalisation.
	m := requestPattern.FindStringSubmatch(strings.TrimSpace(norm.NFC.String(text)))
	if m == nil {
		return Parsed{}, ErrNoMatch
	}

	subject := strings.TrimSpace(strings.TrimRight(m[1], ".!?"))
	phrase := strings.TrimSpace(m[2])
	if subject == "" || phrase == "" {
		return Parsed{}, ErrNoMatch
	}

	due, err := Interpret(phrase, now)
	if err != nil {
		return Parsed{}, err
	}
	return Parsed{Subject: subject, DueAt: due}, nil
}
