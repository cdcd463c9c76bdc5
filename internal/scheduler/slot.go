package scheduler

import (
	"fmt"
	"time"

	"github.com/BTreeMap/WaffleCafe/internal/models"
)

// NextSlot returns the earliest delivery instant for a recipient with the
// given preference that is strictly after `after`.
//
// Each week (Monday 00:00 in the preference location) holds pref.Cadence
// slots. Slot i lands on weekday i*7/cadence at windowStart plus
// windowLen*(2i+1)/(2*cadence), so slots always sit strictly inside the window
// and drift across it over the week. A slot is skipped when the recipient
// already has a delivery on the same local calendar day. A slot whose wall
// clock time does not exist because of a DST gap moves to the end of the gap,
// or is dropped when that instant falls outside the window.
func NextSlot(pref models.SchedulePreference, after time.Time, scheduled []time.Time) (time.Time, error) {
	if err := pref.Validate(); err != nil {
		return time.Time{}, err
	}
	loc, err := pref.Location()
	if err != nil {
		return time.Time{}, err
	}

	busy := make(map[civilDate]struct{}, len(scheduled))
	for _, s := range scheduled {
		busy[dateOf(s.In(loc))] = struct{}{}
	}

	week := weekStart(after.In(loc))
	// Each busy day blocks at most one slot and a DST gap can empty at most
	// one week per transition, so this horizon always reaches a free slot.
	for w := 0; w < len(scheduled)+4; w++ {
		slots, err := slotsFrom(pref, week.AddDate(0, 0, 7*w))
		if err != nil {
			return time.Time{}, err
		}
		for _, s := range slots {
			if !s.After(after) {
				continue
			}
			if _, taken := busy[dateOf(s)]; taken {
				continue
			}
			return s, nil
		}
	}
	return time.Time{}, fmt.Errorf("no free slot found after %s", after.Format(time.RFC3339))
}

// SlotsInWeek lists the slots of the week containing t, in order.
func SlotsInWeek(pref models.SchedulePreference, t time.Time) ([]time.Time, error) {
	if err := pref.Validate(); err != nil {
		return nil, err
	}
	loc, err := pref.Location()
	if err != nil {
		return nil, err
	}
	return slotsFrom(pref, weekStart(t.In(loc)))
}

// UpcomingSlots lists every slot in the next `weeks` weeks strictly after t.
func UpcomingSlots(pref models.SchedulePreference, t time.Time, weeks int) ([]time.Time, error) {
	if weeks < 1 {
		weeks = 1
	}
	if err := pref.Validate(); err != nil {
		return nil, err
	}
	loc, err := pref.Location()
	if err != nil {
		return nil, err
	}
	start := weekStart(t.In(loc))
	var out []time.Time
	for w := 0; w <= weeks; w++ {
		slots, err := slotsFrom(pref, start.AddDate(0, 0, 7*w))
		if err != nil {
			return nil, err
		}
		for _, s := range slots {
			if s.After(t) && s.Before(t.AddDate(0, 0, 7*weeks)) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func slotsFrom(pref models.SchedulePreference, monday time.Time) ([]time.Time, error) {
	winStart, winEnd, err := pref.Window()
	if err != nil {
		return nil, err
	}
	n := pref.Cadence
	span := winEnd - winStart
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		day := i * 7 / n
		offset := winStart + span*time.Duration(2*i+1)/time.Duration(2*n)
		if t, ok := atOffset(monday, day, offset, winStart, winEnd); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// atOffset builds the wall clock instant `offset` past midnight on
// monday+day. When that wall time falls in a DST gap, the first instant after
// the gap is used instead; ok is false if that instant leaves the open window
// (winStart, winEnd).
func atOffset(monday time.Time, day int, offset, winStart, winEnd time.Duration) (time.Time, bool) {
	h := int(offset / time.Hour)
	m := int((offset % time.Hour) / time.Minute)
	s := int((offset % time.Minute) / time.Second)
	want := time.Date(monday.Year(), monday.Month(), monday.Day()+day, h, m, s, 0, time.UTC)
	t := time.Date(monday.Year(), monday.Month(), monday.Day()+day, h, m, s, 0, monday.Location())
	got := wallClock(t)
	if got.Equal(want) {
		return t, true
	}
	// time.Date normalized a nonexistent wall time to one side of the gap.
	// The transition instant is the first valid time after it.
	start, end := t.ZoneBounds()
	if got.Before(want) {
		t = end
	} else {
		t = start
	}
	if t.IsZero() || dateOf(t) != dateOf(want) {
		return time.Time{}, false
	}
	clock := wallClock(t).Sub(time.Date(want.Year(), want.Month(), want.Day(), 0, 0, 0, 0, time.UTC))
	if clock <= winStart || clock >= winEnd {
		return time.Time{}, false
	}
	return t, true
}

// wallClock returns t's local date and clock reading as a UTC instant, so
// wall times can be compared across offsets.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func weekStart(t time.Time) time.Time {
	back := (int(t.Weekday()) + 6) % 7
	return time.Date(t.Year(), t.Month(), t.Day()-back, 0, 0, 0, 0, t.Location())
}

type civilDate struct {
	year  int
	month time.Month
	day   int
}

func dateOf(t time.Time) civilDate {
	y, m, d := t.Date()
	return civilDate{y, m, d}
}
