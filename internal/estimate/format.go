package estimate

import (
	"math"
	"strconv"
)

type duration struct {
	value float64
	unit  string
}

func humanize(seconds float64) duration {
	if seconds < 60 {
		return duration{value: round1(seconds), unit: "sec"}
	}
	minutes := seconds / 60
	if minutes < 60 {
		return duration{value: round1(minutes), unit: "min"}
	}
	hours := minutes / 60
	if hours < 24 {
		return duration{value: round1(hours), unit: "hr"}
	}
	return duration{value: round1(hours / 24), unit: "day"}
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func (d duration) number() string {
	return strconv.FormatFloat(d.value, 'f', -1, 64)
}

func (d duration) unitLabel() string {
	if d.value == 1 {
		return d.unit
	}
	return d.unit + "s"
}

// FormatDurationRange renders a range such as "2 - 3.5 mins" or
// "45 secs - 1 min". The unit is printed once when both ends share it.
func FormatDurationRange(minSeconds, maxSeconds float64) string {
	lo, hi := humanize(minSeconds), humanize(maxSeconds)
	if lo.unit == hi.unit {
		return lo.number() + " - " + hi.number() + " " + hi.unitLabel()
	}
	return lo.number() + " " + lo.unitLabel() + " - " + hi.number() + " " + hi.unitLabel()
}
