package relate

import (
	"math"
	"time"
)

// instant is a point in validity time in Unix microseconds. The extremes
// stand for an open begin or end.
type instant int64

const (
	minInstant instant = math.MinInt64
	maxInstant instant = math.MaxInt64
)

func instantOf(t *time.Time) instant {
	if t == nil {
		return minInstant
	}
	return instant(t.UnixMicro())
}

// time converts back, nil for either extreme.
func (i instant) time() *time.Time {
	if i == minInstant || i == maxInstant {
		return nil
	}
	t := time.UnixMicro(int64(i)).UTC()
	return &t
}

// interval is half open: [begin, end).
type interval struct {
	begin, end instant
}

var always = interval{begin: minInstant, end: maxInstant}

func (iv interval) empty() bool { return iv.begin >= iv.end }

func (iv interval) intersect(o interval) interval {
	return interval{begin: max(iv.begin, o.begin), end: min(iv.end, o.end)}
}

func (iv interval) covers(o interval) bool {
	return iv.begin <= o.begin && iv.end >= o.end
}

// stated is anything carrying an identity (source and functional id), a
// sequence number and a validity begin.
type stated interface {
	identity() string
	sequence() int64
	validFrom() instant
}

// timeline closes the validity interval of every state of one identity
// at the begin of the next state; the last state stays open. Without states
// the single row is valid always. The result is indexed like states after
// they are sorted by begin and sequence number.
func timeline[T stated](states []T, historicized bool) []interval {
	out := make([]interval, len(states))
	if !historicized {
		for i := range out {
			out[i] = always
		}
		return out
	}
	for i, s := range states {
		end := maxInstant
		if i+1 < len(states) {
			end = states[i+1].validFrom()
		}
		out[i] = interval{begin: s.validFrom(), end: end}
	}
	return out
}
