package schedule

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Command names handled by the Executor.
const (
	CmdInit      = "init"
	CmdSchedules = "schedules"
	CmdCreate    = "create"
	CmdEvents    = "events"
	CmdDelete    = "delete"
)

// DefaultScheduleName is used by /init without a name.
const DefaultScheduleName = "new_schedule"

const (
	maxNameLen    = 100
	maxTitleLen   = 100
	maxCommentLen = 1024
)

// CreateArgs are the arguments of the create command.
type CreateArgs struct {
	Schedule string
	Title    string
	Start    Clock
	End      *Clock
	Date     string // "", "today", "tomorrow" or YYYY-MM-DD
	Repeat   string
	Comment  string
}

// ParseCreate validates positional args (schedule, title, start, [end]) and
// flags (date, repeat, comment).
func ParseCreate(pos []string, flags map[string]string) (CreateArgs, error) {
	if len(pos) < 3 {
		return CreateArgs{}, badInput("usage: /create <schedule> <title> <start> [end] [--date YYYY-MM-DD] [--repeat \"cron\"] [--comment text]")
	}
	if len(pos) > 4 {
		return CreateArgs{}, badInput("too many arguments; quote titles with spaces")
	}
	a := CreateArgs{
		Schedule: strings.TrimSpace(pos[0]),
		Title:    strings.TrimSpace(pos[1]),
		Date:     strings.TrimSpace(flags["date"]),
		Repeat:   strings.TrimSpace(flags["repeat"]),
		Comment:  strings.TrimSpace(flags["comment"]),
	}
	if err := checkName(a.Schedule); err != nil {
		return CreateArgs{}, err
	}
	if a.Title == "" || utf8.RuneCountInString(a.Title) > maxTitleLen {
		return CreateArgs{}, badInput("title must be 1-%d characters", maxTitleLen)
	}
	if utf8.RuneCountInString(a.Comment) > maxCommentLen {
		return CreateArgs{}, badInput("comment is longer than %d characters", maxCommentLen)
	}

	var err error
	if a.Start, err = ParseClock(pos[2]); err != nil {
		return CreateArgs{}, err
	}
	if len(pos) == 4 {
		end, err := ParseClock(pos[3])
		if err != nil {
			return CreateArgs{}, err
		}
		a.End = &end
	}
	if _, err := ParseDate(a.Date, time.Now()); err != nil {
		return CreateArgs{}, err
	}
	if a.Repeat != "" {
		if _, err := ParseRepeat(a.Repeat); err != nil {
			return CreateArgs{}, err
		}
	}
	return a, nil
}

// Encode flattens a into a fixed-position argument list for a job payload.
func (a CreateArgs) Encode() []string {
	end := ""
	if a.End != nil {
		end = a.End.String()
	}
	return []string{a.Schedule, a.Title, a.Start.String(), end, a.Date, a.Repeat, a.Comment}
}

// DecodeCreate reverses Encode.
func DecodeCreate(args []string) (CreateArgs, error) {
	if len(args) != 7 {
		return CreateArgs{}, badInput("malformed create payload")
	}
	pos := []string{args[0], args[1], args[2]}
	if args[3] != "" {
		pos = append(pos, args[3])
	}
	return ParseCreate(pos, map[string]string{"date": args[4], "repeat": args[5], "comment": args[6]})
}

func checkName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 || n > maxNameLen {
		return badInput("schedule name must be 1-%d characters", maxNameLen)
	}
	return nil
}
