package reminder

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCommandTime marks a command whose clock or calendar fields do not
// name a real instant, such as 24:00 or 31/02.
var ErrInvalidCommandTime = errors.New("invalid time in reminder command")

var (
	commandPattern = regexp.MustCompile(`REMINDER_REQUEST:\s*(.+?)\s+at\s+(\d{2}:\d{2})\s+(\d{2}/\d{2}/\d{4})`)
	commandLine    = regexp.MustCompile(`REMINDER_REQUEST:[^\n]*\n?`)
)

// Command is one REMINDER_REQUEST line found in assistant output.
type Command struct {
	Subject string
	Clock   string // HH:MM as written
	Date    string // DD/MM/YYYY as written
	DueAt   time.Time
	Err     error
}

// Draft converts c to a Draft for Store.CreateBatch.
func (c Command) Draft() Draft {
	return Draft{Subject: c.Subject, DueAt: c.DueAt}
}

// ParseCommands finds every non-overlapping command in text, in order. The
// written wall-clock time is taken literally in loc. Commands with
// impossible fields are returned with Err set.
func ParseCommands(text string, loc *time.Location) []Command {
	if loc == nil {
		loc = time.Local
	}
	matches := commandPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	cmds := make([]Command, 0, len(matches))
	for _, m := range matches {
		c := Command{Subject: strings.TrimSpace(m[1]), Clock: m[2], Date: m[3]}
		c.DueAt, c.Err = commandTime(m[2], m[3], loc)
		cmds = append(cmds, c)
	}
	return cmds
}

func commandTime(clock, date string, loc *time.Location) (time.Time, error) {
	hour, _ := strconv.Atoi(clock[0:2])
	minute, _ := strconv.Atoi(clock[3:5])
	day, _ := strconv.Atoi(date[0:2])
	month, _ := strconv.Atoi(date[3:5])
	year, _ := strconv.Atoi(date[6:10])

	if hour > 23 || minute > 59 {
		return time.Time{}, ErrInvalidCommandTime
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if t.Day() != day || int(t.Month()) != month || t.Year() != year {
		return time.Time{}, ErrInvalidCommandTime
	}
	return t, nil
}

// StripCommands removes every command line, including its trailing newline,
// and trims the result.
func StripCommands(text string) string {
	return strings.TrimSpace(commandLine.ReplaceAllString(text, ""))
}

// Summary renders the confirmation appended to an assistant reply after
// reminders were created from it. It returns "" for no reminders.
func Summary(created []Reminder) string {
	switch len(created) {
	case 0:
		return ""
	case 1:
		return "✅ Đã tạo lịch nhắc: " + summaryItem(created[0])
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✅ Đã tạo %d lịch nhắc:", len(created))
	for _, r := range created {
		b.WriteString("\n• ")
		b.WriteString(summaryItem(r))
	}
	return b.String()
}

func summaryItem(r Reminder) string {
	return fmt.Sprintf("\"%s\" lúc %s ngày %s", r.Subject, r.DueAt.Format("15:04"), r.DueAt.Format("02/01/2006"))
}
