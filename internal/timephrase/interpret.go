// Package timephrase turns Vietnamese time phrases such as "lúc 15h30 ngày mai"
// or "3h chiều" into absolute instants relative to a reference time.
//
// Interpretation is a fixed pipeline of named rules: an optional relative
// offset ("2 phút nữa"), then date rules, time-of-day rules and meridiem
// adjustments. Within each stage the first rule that matches wins, so the
// order of DateRules and TimeRules is the precedence.
package timephrase

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ErrNoMatch is returned when a phrase does not describe a future instant.
var ErrNoMatch = errors.New("timephrase: no usable time in phrase")

// DateRule resolves the calendar day a phrase refers to. A rule that does not
// apply returns matched=false; a rule that applies but describes an impossible
// day returns ErrNoMatch.
type DateRule struct {
	Name    string
	Resolve func(phrase string, now time.Time) (day time.Time, matched bool, err error)
}

// TimeRule extracts an hour and minute from a phrase.
type TimeRule struct {
	Name    string
	Resolve func(phrase string) (hour, minute int, matched bool)
}

// MeridiemRule adjusts a 12-hour clock reading using day-part markers.
type MeridiemRule struct {
	Name   string
	Adjust func(phrase string, hour int) int
}

var (
	explicitDatePattern  = regexp.MustCompile(`ngày\s*(\d{1,2})[/\-](\d{1,2})(?:[/\-](\d{2,4}))?`)
	hourMinutePattern    = regexp.MustCompile(`(\d{1,2})\s*(?:h|giờ|:)\s*(\d{1,2})?`)
	hourOnlyPattern      = regexp.MustCompile(`(\d{1,2})\s*(?:h|giờ)`)
	relativeOffsetRegexp = regexp.MustCompile(`(\d{1,3})\s*(phút|tiếng|giờ)\s*nữa`)
)

// DateRules are applied in order; the first match fixes the date and marks
// it as explicit. An explicit "ngày DD/MM[/YYYY]" beats the keywords.
var DateRules = []DateRule{
	{Name: "explicit-date", Resolve: resolveExplicitDate},
	{Name: "ngày kia", Resolve: keywordOffset("ngày kia", 2)},
	{Name: "mai", Resolve: keywordOffset("mai", 1)},
	{Name: "hôm nay", Resolve: keywordOffset("hôm nay", 0)},
}

// TimeRules are applied in order; hour with optional minutes first, then a
// bare hour.
var TimeRules = []TimeRule{
	{Name: "hour-minute", Resolve: resolveHourMinute},
	{Name: "hour-only", Resolve: resolveHourOnly},
}

// MeridiemRules are all applied, in order.
var MeridiemRules = []MeridiemRule{
	{Name: "afternoon", Adjust: adjustAfternoon},
	{Name: "morning-midnight", Adjust: adjustMorningMidnight},
}

// Interpret converts phrase into an instant strictly after now, expressed in
// now's location with seconds zeroed. Dateless times that already passed today
// roll over to tomorrow; explicit dates in the past are rejected.
func Interpret(phrase string, now time.Time) (time.Time, error) {
	p := normalize(phrase)
	if p == "" {
		return time.Time{}, ErrNoMatch
	}

	// An offset is a duration, not an hour of day, so the 0-23 bound below
	// does not apply: "25 giờ nữa" is 25 hours from now.
	if t, ok := resolveRelativeOffset(p, now); ok {
		return t, nil
	}

	day := startOfDay(now)
	explicit := false
	for _, rule := range DateRules {
		d, matched, err := rule.Resolve(p, now)
		if err != nil {
			return time.Time{}, err
		}
		if matched {
			day, explicit = d, true
			break
		}
	}

	hour, minute, found := 0, 0, false
	for _, rule := range TimeRules {
		if h, m, ok := rule.Resolve(p); ok {
			hour, minute, found = h, m, true
			break
		}
	}
	// Hours above 23 are rejected before any meridiem adjustment.
	if !found || hour > 23 || minute > 59 {
		return time.Time{}, ErrNoMatch
	}

	for _, rule := range MeridiemRules {
		hour = rule.Adjust(p, hour)
	}

	candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
	if !explicit && !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	if !candidate.After(now) {
		return time.Time{}, ErrNoMatch
	}
	return candidate, nil
}

func normalize(phrase string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(phrase)))
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// resolveRelativeOffset handles "N phút nữa" / "N tiếng nữa" / "N giờ nữa".
func resolveRelativeOffset(p string, now time.Time) (time.Time, bool) {
	m := relativeOffsetRegexp.FindStringSubmatch(p)
	if m == nil {
		return time.Time{}, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	unit := time.Minute
	if m[2] != "phút" {
		unit = time.Hour
	}
	return now.Truncate(time.Minute).Add(time.Duration(n) * unit), true
}

func resolveExplicitDate(p string, now time.Time) (time.Time, bool, error) {
	m := explicitDatePattern.FindStringSubmatch(p)
	if m == nil {
		return time.Time{}, false, nil
	}
	day, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	year := now.Year()
	if m[3] != "" {
		year, _ = strconv.Atoi(m[3])
		if len(m[3]) == 2 {
			year += 2000
		}
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
	if d.Day() != day || int(d.Month()) != month || d.Year() != year {
		return time.Time{}, true, ErrNoMatch
	}
	return d, true, nil
}

func keywordOffset(keyword string, days int) func(string, time.Time) (time.Time, bool, error) {
	return func(p string, now time.Time) (time.Time, bool, error) {
		if !strings.Contains(p, keyword) {
			return time.Time{}, false, nil
		}
		return startOfDay(now).AddDate(0, 0, days), true, nil
	}
}

func resolveHourMinute(p string) (int, int, bool) {
	m := hourMinutePattern.FindStringSubmatch(p)
	if m == nil {
		return 0, 0, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	return hour, minute, true
}

func resolveHourOnly(p string) (int, int, bool) {
	m := hourOnlyPattern.FindStringSubmatch(p)
	if m == nil {
		return 0, 0, false
	}
	hour, _ := strconv.Atoi(m[1])
	return hour, 0, true
}

var afternoonMarkers = []string{"chiều", "tối", "đêm", "pm", "p.m"}

func adjustAfternoon(p string, hour int) int {
	if hour >= 12 {
		return hour
	}
	for _, marker := range afternoonMarkers {
		if strings.Contains(p, marker) {
			return hour + 12
		}
	}
	return hour
}

func adjustMorningMidnight(p string, hour int) int {
	if hour == 12 && strings.Contains(p, "sáng") {
		return 0
	}
	return hour
}
