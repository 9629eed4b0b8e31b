// Package periods implements closing-the-books segmentation: events carry a
// period tag, each period opens with a snapshot event carrying forward the
// prior period's closing state, and projections scope their queries to the
// current period instead of scanning full history.
package periods

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PeriodType selects the granularity of segmentation.
type PeriodType int

const (
	PeriodNone PeriodType = iota
	PeriodMonthly
	PeriodDaily
	PeriodHourly
)

func (t PeriodType) String() string {
	switch t {
	case PeriodNone:
		return "NONE"
	case PeriodMonthly:
		return "MONTHLY"
	case PeriodDaily:
		return "DAILY"
	case PeriodHourly:
		return "HOURLY"
	default:
		return "UNKNOWN"
	}
}

// ParsePeriodType parses the string form of a PeriodType.
func ParsePeriodType(s string) (PeriodType, error) {
	switch strings.ToUpper(s) {
	case "NONE":
		return PeriodNone, nil
	case "MONTHLY":
		return PeriodMonthly, nil
	case "DAILY":
		return PeriodDaily, nil
	case "HOURLY":
		return PeriodHourly, nil
	default:
		return PeriodNone, fmt.Errorf("invalid period type: %s", s)
	}
}

// PeriodID identifies one accounting period of one entity. Fields beyond the
// granularity are zero: a monthly period has Day and Hour set to zero.
type PeriodID struct {
	EntityID string
	Type     PeriodType
	Year     int
	Month    int
	Day      int
	Hour     int
}

// PeriodFor returns the period containing the instant at the given
// granularity. PeriodNone yields a period with only the entity ID set.
func PeriodFor(entityID string, t PeriodType, at time.Time) PeriodID {
	at = at.UTC()
	p := PeriodID{EntityID: entityID, Type: t}
	switch t {
	case PeriodHourly:
		p.Hour = at.Hour()
		fallthrough
	case PeriodDaily:
		p.Day = at.Day()
		fallthrough
	case PeriodMonthly:
		p.Year = at.Year()
		p.Month = int(at.Month())
	}
	return p
}

// Canonical renders the period as "<entity>-YYYY-MM[-DD[-HH]]", the form
// stored in the statement_id tag. PeriodNone renders as the entity ID alone.
func (p PeriodID) Canonical() string {
	switch p.Type {
	case PeriodMonthly:
		return fmt.Sprintf("%s-%04d-%02d", p.EntityID, p.Year, p.Month)
	case PeriodDaily:
		return fmt.Sprintf("%s-%04d-%02d-%02d", p.EntityID, p.Year, p.Month, p.Day)
	case PeriodHourly:
		return fmt.Sprintf("%s-%04d-%02d-%02d-%02d", p.EntityID, p.Year, p.Month, p.Day, p.Hour)
	default:
		return p.EntityID
	}
}

// start returns the first instant of the period in UTC.
func (p PeriodID) start() time.Time {
	switch p.Type {
	case PeriodMonthly:
		return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
	case PeriodDaily:
		return time.Date(p.Year, time.Month(p.Month), p.Day, 0, 0, 0, 0, time.UTC)
	case PeriodHourly:
		return time.Date(p.Year, time.Month(p.Month), p.Day, p.Hour, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// Previous returns the period immediately before this one.
func (p PeriodID) Previous() PeriodID {
	switch p.Type {
	case PeriodMonthly:
		return PeriodFor(p.EntityID, p.Type, p.start().AddDate(0, -1, 0))
	case PeriodDaily:
		return PeriodFor(p.EntityID, p.Type, p.start().AddDate(0, 0, -1))
	case PeriodHourly:
		return PeriodFor(p.EntityID, p.Type, p.start().Add(-time.Hour))
	default:
		return p
	}
}

// ParsePeriodID parses a canonical string back into a PeriodID for the given
// granularity. The entity ID may itself contain hyphens; the trailing numeric
// segments belong to the period.
func ParsePeriodID(canonical string, t PeriodType) (PeriodID, error) {
	if t == PeriodNone {
		return PeriodID{EntityID: canonical, Type: PeriodNone}, nil
	}

	var numericSegments int
	switch t {
	case PeriodMonthly:
		numericSegments = 2
	case PeriodDaily:
		numericSegments = 3
	case PeriodHourly:
		numericSegments = 4
	}

	parts := strings.Split(canonical, "-")
	if len(parts) < numericSegments+1 {
		return PeriodID{}, fmt.Errorf("malformed period id %q for %s granularity", canonical, t)
	}

	entityParts := parts[:len(parts)-numericSegments]
	numbers := parts[len(parts)-numericSegments:]

	values := make([]int, len(numbers))
	for i, s := range numbers {
		n, err := strconv.Atoi(s)
		if err != nil {
			return PeriodID{}, fmt.Errorf("malformed period id %q: segment %q is not numeric", canonical, s)
		}
		values[i] = n
	}

	p := PeriodID{
		EntityID: strings.Join(entityParts, "-"),
		Type:     t,
		Year:     values[0],
		Month:    values[1],
	}
	if numericSegments >= 3 {
		p.Day = values[2]
	}
	if numericSegments >= 4 {
		p.Hour = values[3]
	}
	return p, nil
}
