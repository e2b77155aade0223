// Package season maps timestamps to (season year, week number) for the two
// football calendars the bot cares about. Week tables are anchored to a
// resolved season year and built in US Central time, so a game stamped
// "Saturday night" is never pushed into the next week by its UTC offset.
package season

import (
	"fmt"
	"time"
)

// Zone is the fixed timezone all week tables are built in.
const Zone = "America/Chicago"

// League selects one of the supported football calendars.
type League int

const (
	CollegeFootball League = iota
	NFL
)

func (l League) String() string {
	switch l {
	case CollegeFootball:
		return "college-football"
	case NFL:
		return "nfl"
	}
	return fmt.Sprintf("league(%d)", int(l))
}

// descriptor parameterizes the resolver per league: how far the season label
// lags the calendar year, how many weeks the season has, and where the week
// boundaries fall relative to Labor Day.
type descriptor struct {
	// lookbackMonths shifts "now" backwards before reading the year, so the
	// season label rolls over correctly during the January/February
	// postseason instead of flipping on Jan 1.
	lookbackMonths int
	weeks          int
	// weekTwoStart returns the boundary between week 1 and week 2 for the
	// season year. Subsequent boundaries are 7 days apart.
	weekTwoStart func(year int, loc *time.Location) time.Time
}

var descriptors = map[League]descriptor{
	CollegeFootball: {
		lookbackMonths: 1,
		weeks:          15,
		// college weeks flip on the Sunday of the Labor Day opening weekend
		weekTwoStart: func(year int, loc *time.Location) time.Time {
			return laborDay(year, loc).AddDate(0, 0, -1)
		},
	},
	NFL: {
		lookbackMonths: 2,
		weeks:          18,
		// kickoff is the Thursday after Labor Day; weeks flip on Wednesdays
		weekTwoStart: func(year int, loc *time.Location) time.Time {
			return laborDay(year, loc).AddDate(0, 0, 9)
		},
	},
}

// Calendar resolves seasons and weeks against an injected clock. The week
// tables are computed once, at construction, for the season current at that
// moment.
type Calendar struct {
	now   func() time.Time
	loc   *time.Location
	weeks map[League][]time.Time
}

// NewCalendar builds a Calendar using the given time source. Pass time.Now in
// production; tests supply fixed reference times.
func NewCalendar(now func() time.Time) (*Calendar, error) {
	loc, err := time.LoadLocation(Zone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone '%s': %w", Zone, err)
	}

	c := &Calendar{
		now:   now,
		loc:   loc,
		weeks: map[League][]time.Time{},
	}
	for league := range descriptors {
		c.weeks[league] = weekStarts(league, c.SeasonYear(league), loc)
	}

	return c, nil
}

// SeasonYear returns the season label for the league at the calendar's
// current time: the calendar year of now minus the league's lookback.
func (c *Calendar) SeasonYear(league League) int {
	return c.now().In(c.loc).AddDate(0, -descriptors[league].lookbackMonths, 0).Year()
}

// Week returns the 1-based week number the timestamp falls in: the largest
// i+1 such that t is after the i-th week start. Timestamps before every entry
// clamp to week 1, timestamps after the last clamp to the final week.
func (c *Calendar) Week(league League, t time.Time) int {
	starts := c.weeks[league]
	for i := len(starts) - 1; i >= 0; i-- {
		if t.After(starts[i]) {
			return i + 1
		}
	}
	return 1
}

// CurrentWeek returns the week number at the calendar's current time.
func (c *Calendar) CurrentWeek(league League) int {
	return c.Week(league, c.now())
}

// Weeks returns the number of weeks in the league's season.
func (c *Calendar) Weeks(league League) int {
	return descriptors[league].weeks
}

// weekStarts builds the ascending week-start table for a season year. The
// first entry is a far-past sentinel so preseason timestamps resolve to week 1
// instead of erroring.
func weekStarts(league League, year int, loc *time.Location) []time.Time {
	d := descriptors[league]
	starts := make([]time.Time, d.weeks)
	starts[0] = time.Date(year, time.March, 1, 0, 0, 0, 0, loc)
	second := d.weekTwoStart(year, loc)
	for i := 1; i < d.weeks; i++ {
		starts[i] = second.AddDate(0, 0, 7*(i-1))
	}
	return starts
}

// laborDay returns the first Monday of September at midnight in loc.
func laborDay(year int, loc *time.Location) time.Time {
	t := time.Date(year, time.September, 1, 0, 0, 0, 0, loc)
	for t.Weekday() != time.Monday {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
