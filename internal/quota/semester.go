package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	TermSpring = "spring"
	TermSummer = "summer"
	TermFall   = "fall"
)

// Semester identifies one academic term, e.g. "fall-2025".
type Semester struct {
	Year int
	Term string
}

func (s Semester) String() string {
	return fmt.Sprintf("%s-%d", s.Term, s.Year)
}

// ParseSemester decodes the "<term>-<year>" form.
func ParseSemester(raw string) (Semester, error) {
	parts := strings.SplitN(strings.ToLower(strings.TrimSpace(raw)), "-", 2)
	if len(parts) != 2 {
		return Semester{}, fmt.Errorf("invalid semester %q", raw)
	}
	term := parts[0]
	if term != TermSpring && term != TermSummer && term != TermFall {
		return Semester{}, fmt.Errorf("invalid semester term %q", raw)
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return Semester{}, fmt.Errorf("invalid semester year %q", raw)
	}
	return Semester{Year: year, Term: term}, nil
}

// CurrentSemester maps a wall-clock date onto the academic calendar. The
// fall term crosses the calendar-year boundary: January still belongs to the
// previous year's fall semester.
func CurrentSemester(now time.Time) Semester {
	year := now.Year()
	switch {
	case now.Month() == time.January:
		return Semester{Year: year - 1, Term: TermFall}
	case now.Month() <= time.May:
		return Semester{Year: year, Term: TermSpring}
	case now.Month() <= time.August:
		return Semester{Year: year, Term: TermSummer}
	default:
		return Semester{Year: year, Term: TermFall}
	}
}
