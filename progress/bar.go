package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

type bucket struct {
	updated time.Time
	value   int64
}

type Bar struct {
	message string
	unit    string

	maxValue     int64
	initialValue int64
	currentValue int64

	buckets    []bucket
	maxBuckets int

	started time.Time
	stopped time.Time
}

// NewBar tracks count based progress toward maxValue. The unit labels what
// is being counted, e.g. "texts" or "tokens"; empty renders bare counts.
func NewBar(message, unit string, maxValue, initialValue int64) *Bar {
	b := Bar{
		message:      message,
		unit:         unit,
		maxValue:     maxValue,
		initialValue: initialValue,
		currentValue: initialValue,
		started:      time.Now(),
		maxBuckets:   10,
	}

	if initialValue >= maxValue {
		b.stopped = time.Now()
	}

	return &b
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = defaultTermWidth
	}

	var pre, mid, suf strings.Builder

	if b.message != "" {
		pre.WriteString(strings.TrimSpace(b.message))
		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, "(%d/%d", b.currentValue, b.maxValue)
	if b.unit != "" {
		fmt.Fprintf(&suf, " %s", b.unit)
	}

	rate := b.rate()
	if b.stopped.IsZero() && rate > 0 {
		fmt.Fprintf(&suf, ", %d/s", int64(math.Round(rate)))
	}

	fmt.Fprintf(&suf, ")")

	var timing string
	if b.stopped.IsZero() && rate > 0 {
		remaining := time.Duration(float64(b.maxValue-b.currentValue)/rate) * time.Second
		timing = fmt.Sprintf("[%s:%s]", formatDuration(time.Since(b.started)), formatDuration(remaining))
	}

	// right align the stats into a fixed block so the bar edge holds steady
	if pad := 36 - suf.Len() - len(timing); pad > 0 {
		suf.WriteString(repeat(" ", pad))
	}

	suf.WriteString(timing)

	// add 3 extra spaces: 2 boundary characters and 1 space at the end
	f := termWidth - pre.Len() - suf.Len() - 3
	n := int(float64(f) * b.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(repeat("█", n))
		mid.WriteString(repeat(" ", f-n))
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}

func (b *Bar) Set(value int64) {
	if value >= b.maxValue {
		value = b.maxValue
		b.stopped = time.Now()
	}

	b.currentValue = value

	// one bucket per second bounds the rate window
	if len(b.buckets) == 0 || time.Since(b.buckets[len(b.buckets)-1].updated) > time.Second {
		b.buckets = append(b.buckets, bucket{
			updated: time.Now(),
			value:   value,
		})
	}

	for len(b.buckets) > b.maxBuckets {
		b.buckets = b.buckets[1:]
	}
}

func (b *Bar) percent() float64 {
	if b.maxValue > 0 {
		return float64(b.currentValue) / float64(b.maxValue) * 100
	}

	return 0
}

func (b *Bar) rate() float64 {
	var numerator, denominator float64

	if !b.stopped.IsZero() {
		numerator = float64(b.currentValue - b.initialValue)
		denominator = b.stopped.Sub(b.started).Seconds()
	} else {
		switch len(b.buckets) {
		case 0:
			// no samples yet
		case 1:
			numerator = float64(b.buckets[0].value - b.initialValue)
			denominator = b.buckets[0].updated.Sub(b.started).Seconds()
		default:
			first, last := b.buckets[0], b.buckets[len(b.buckets)-1]
			numerator = float64(last.value - first.value)
			denominator = last.updated.Sub(first.updated).Seconds()
		}
	}

	if denominator != 0 {
		return numerator / denominator
	}

	return 0
}

// repeat is strings.Repeat tolerating the negative counts layout underflow
// produces on narrow terminals.
func repeat(s string, n int) string {
	if n <= 0 {
		return ""
	}

	return strings.Repeat(s, n)
}
