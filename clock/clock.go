// Package clock implements the core's monotonic and notional time sources.
//
// Monotonic time is a 64-bit microsecond counter derived from a 1MHz hardware
// tick source. It never wraps in practice and is never adjusted. Notional
// (wall-clock) time is kept as a signed offset from monotonic time so that
// retargeting the wall clock is always expressed as a delta rather than a
// destructive overwrite.
package clock

import (
	"fmt"
	"strconv"
	"strings"
)

// Time is a monotonic timestamp in microseconds since boot.
type Time int64

// Duration is a span of time in microseconds.
type Duration int64

func (t Time) Add(d Duration) Time { return t + Time(d) }

// Sub returns t-u as a signed microsecond duration. An overdue timer
// (expiry in the past) yields a negative duration, which is exactly the
// ordering key the scheduler needs.
func (t Time) Sub(u Time) Duration { return Duration(t - u) }

// Source reads the raw hardware tick counter. Implementations must be
// monotonic and must widen their native counter width to 64 bits themselves;
// Monotonic does not attempt to detect or correct wraparound.
type Source func() uint64

// Monotonic wraps a 1MHz hardware counter and exposes it as Time.
type Monotonic struct {
	src Source
}

// NewMonotonic builds a Monotonic clock over the given 1MHz tick source.
func NewMonotonic(src Source) *Monotonic {
	return &Monotonic{src: src}
}

// Now returns the current monotonic time.
func (m *Monotonic) Now() Time {
	return Time(m.src())
}

// Notional tracks wall-clock time as a signed offset from a Monotonic clock.
// It is safe for a single owner; the scheduler components that read it do so
// from the main thread only, matching the core's single-writer discipline.
type Notional struct {
	delta      int64 // microseconds, notional - monotonic
	lastChange Time  // monotonic time of last Set
}

// Now returns the notional time implied by mono and the current offset.
func (n *Notional) Now(mono *Monotonic) Time {
	return mono.Now().Add(Duration(n.delta))
}

// LastChange returns the monotonic time at which the offset was last set.
func (n *Notional) LastChange() Time {
	return n.lastChange
}

// Set retargets the notional clock to newDelta microseconds relative to
// monotonic time, recording the monotonic instant of the change. It returns
// the signed difference newDelta-oldDelta; positive means the notional clock
// jumped forward.
func (n *Notional) Set(mono *Monotonic, newDelta int64) int64 {
	diff := newDelta - n.delta
	n.delta = newDelta
	n.lastChange = mono.Now()
	return diff
}

// SetNow retargets the notional clock so that Now(mono) reports wall exactly,
// returning the same signed difference as Set.
func (n *Notional) SetNow(mono *Monotonic, wall Time) int64 {
	return n.Set(mono, int64(wall)-int64(mono.Now()))
}

// Format renders us microseconds since the Unix epoch as
// "YYYY-MM-DD HH:MM:SS.mmmmmm" in UTC. There is no timezone support; all
// notional time in this core is UTC by convention.
func Format(us int64) string {
	const (
		usPerSec  = 1_000_000
		usPerMin  = 60 * usPerSec
		usPerHour = 60 * usPerMin
		usPerDay  = 24 * usPerHour
	)
	neg := us < 0
	if neg {
		us = -us
	}
	days := us / usPerDay
	rem := us % usPerDay
	y, mo, d := civilFromDays(days)
	h := rem / usPerHour
	rem %= usPerHour
	mi := rem / usPerMin
	rem %= usPerMin
	s := rem / usPerSec
	frac := rem % usPerSec
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%04d-%02d-%02d %02d:%02d:%02d.%06d", sign, y, mo, d, h, mi, s, frac)
}

// FormatDuration renders us microseconds as "HH:MM:SS.mmmmmm" with an
// unbounded hour field (no day rollover), suitable for elapsed-time and
// interval diagnostics rather than calendar timestamps.
func FormatDuration(us int64) string {
	const (
		usPerSec  = 1_000_000
		usPerMin  = 60 * usPerSec
		usPerHour = 60 * usPerMin
	)
	sign := ""
	if us < 0 {
		sign = "-"
		us = -us
	}
	h := us / usPerHour
	rem := us % usPerHour
	mi := rem / usPerMin
	rem %= usPerMin
	s := rem / usPerSec
	frac := rem % usPerSec
	return fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, h, mi, s, frac)
}

// Parse parses "YYYY-MM-DD HH:MM:SS[.fff|.ffffff]" into microseconds since
// the Unix epoch. The subsecond field may be omitted, 3 digits
// (milliseconds) or 6 digits (microseconds); any other width is an error.
func Parse(s string) (int64, error) {
	datePart, timePart, ok := strings.Cut(s, " ")
	if !ok {
		return 0, fmt.Errorf("clock: parse %q: missing time-of-day", s)
	}
	var y, mo, d int
	if _, err := fmt.Sscanf(datePart, "%04d-%02d-%02d", &y, &mo, &d); err != nil {
		return 0, fmt.Errorf("clock: parse %q: %w", s, err)
	}
	hms, fracPart, hasFrac := strings.Cut(timePart, ".")
	var h, mi, sec int
	if _, err := fmt.Sscanf(hms, "%02d:%02d:%02d", &h, &mi, &sec); err != nil {
		return 0, fmt.Errorf("clock: parse %q: %w", s, err)
	}
	var fracUs int64
	if hasFrac {
		switch len(fracPart) {
		case 3:
			ms, err := strconv.ParseInt(fracPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("clock: parse %q: %w", s, err)
			}
			fracUs = ms * 1000
		case 6:
			us, err := strconv.ParseInt(fracPart, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("clock: parse %q: %w", s, err)
			}
			fracUs = us
		default:
			return 0, fmt.Errorf("clock: parse %q: subsecond field must be 3 or 6 digits, got %d", s, len(fracPart))
		}
	}
	days := daysFromCivil(y, mo, d)
	us := days*86400_000_000 + int64(h)*3600_000_000 + int64(mi)*60_000_000 + int64(sec)*1_000_000 + fracUs
	return us, nil
}

// civilFromDays and daysFromCivil implement Howard Hinnant's days-from-civil
// algorithm, valid proleptic-Gregorian, to avoid a time.Time/timezone
// dependency for what is otherwise pure calendar arithmetic.
func civilFromDays(z int64) (y int64, m int, d int) {
	z += 719468
	era := z / 146097
	if z < 0 {
		era = (z - 146096) / 146097
	}
	doe := z - era*146097
	yoe := (doe - doe/1460 + doe/36524 - doe/146096) / 365
	y = yoe + era*400
	doy := doe - (365*yoe + yoe/4 - yoe/100)
	mp := (5*doy + 2) / 153
	d = int(doy - (153*mp+2)/5 + 1)
	m = int(mp + 3)
	if mp >= 10 {
		m = int(mp - 9)
	}
	if m <= 2 {
		y++
	}
	return y, m, d
}

func daysFromCivil(y int, m int, d int) int64 {
	yy := int64(y)
	if m <= 2 {
		yy--
	}
	era := yy / 400
	if yy < 0 {
		era = (yy - 399) / 400
	}
	yoe := yy - era*400
	var mp int64
	if m > 2 {
		mp = int64(m) - 3
	} else {
		mp = int64(m) + 9
	}
	doy := (153*mp+2)/5 + int64(d) - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}
