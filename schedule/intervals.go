package schedule

import (
	"errors"
	"sort"
	"time"
)

// ErrNoSlot is returned when no free slot exists inside the search window.
var ErrNoSlot = errors.New("no free slot found in search window")

// Interval is a half-open time range [Start, End). Touching intervals do not
// overlap, so back-to-back events never conflict.
type Interval struct {
	ID    string    `json:"id,omitempty"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the length of the interval.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether two half-open intervals intersect.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// HourWindow is a preferred window of the day, expressed as offsets from
// midnight local time (e.g. 14h..16h).
type HourWindow struct {
	From time.Duration `json:"from"`
	To   time.Duration `json:"to"`
}

// SlotRequest describes what a free slot must look like.
type SlotRequest struct {
	Duration       time.Duration
	BreakBefore    time.Duration
	BreakAfter     time.Duration
	PreferredHours *HourWindow
	MaxDays        int
}

// HasConflict reports whether candidate overlaps any interval in existing,
// ignoring the interval whose ID equals excludeID. Pass excludeID "" to check
// against everything. The existing slice is never modified.
func HasConflict(candidate Interval, existing []Interval, excludeID string) bool {
	for _, iv := range existing {
		if excludeID != "" && iv.ID == excludeID {
			continue
		}
		if candidate.Overlaps(iv) {
			return true
		}
	}
	return false
}

// Merge sorts a copy of busy by start time and coalesces overlapping or
// adjacent intervals. The input slice is never modified.
func Merge(busy []Interval) []Interval {
	if len(busy) == 0 {
		return nil
	}
	sorted := make([]Interval, len(busy))
	copy(sorted, busy)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := make([]Interval, 0, len(sorted))
	current := sorted[0]
	for _, iv := range sorted[1:] {
		// Adjacent counts as mergeable: [9,10) + [10,11) -> [9,11)
		if !iv.Start.After(current.End) {
			if iv.End.After(current.End) {
				current.End = iv.End
			}
			continue
		}
		merged = append(merged, current)
		current = iv
	}
	return append(merged, current)
}

// FindNextFreeSlot returns the earliest interval of exactly req.Duration that
// fits inside window without touching any busy interval, walking day by day up
// to req.MaxDays. Gaps are shrunk by the requested break padding before being
// considered. When PreferredHours is set, gaps intersecting the preferred
// window win over earlier gaps on the same day, which keeps the search
// deterministic. Returns ErrNoSlot when nothing qualifies.
func FindNextFreeSlot(busy []Interval, window Interval, req SlotRequest) (Interval, error) {
	if req.Duration <= 0 || !window.End.After(window.Start) {
		return Interval{}, ErrNoSlot
	}
	maxDays := req.MaxDays
	if maxDays <= 0 {
		maxDays = 1
	}

	merged := Merge(busy)

	for day := 0; day < maxDays; day++ {
		dayStart := startOfDay(window.Start).AddDate(0, 0, day)
		if !dayStart.Before(window.End) {
			break
		}
		span := clamp(Interval{Start: dayStart, End: dayStart.Add(24 * time.Hour)}, window)
		if !span.End.After(span.Start) {
			continue
		}

		gaps := freeGaps(merged, span)
		usable := make([]Interval, 0, len(gaps))
		for _, gap := range gaps {
			g := Interval{Start: gap.Start.Add(req.BreakBefore), End: gap.End.Add(-req.BreakAfter)}
			if g.Duration() >= req.Duration {
				usable = append(usable, g)
			}
		}
		if len(usable) == 0 {
			continue
		}

		if req.PreferredHours != nil {
			pref := Interval{
				Start: dayStart.Add(req.PreferredHours.From),
				End:   dayStart.Add(req.PreferredHours.To),
			}
			for _, g := range usable {
				if !g.Overlaps(pref) {
					continue
				}
				start := g.Start
				if pref.Start.After(start) {
					start = pref.Start
				}
				if !start.Add(req.Duration).After(g.End) {
					return Interval{Start: start, End: start.Add(req.Duration)}, nil
				}
			}
		}

		g := usable[0]
		return Interval{Start: g.Start, End: g.Start.Add(req.Duration)}, nil
	}

	return Interval{}, ErrNoSlot
}

// freeGaps returns the sub-intervals of span not covered by merged busy
// intervals. merged must be sorted and non-overlapping.
func freeGaps(merged []Interval, span Interval) []Interval {
	gaps := make([]Interval, 0, len(merged)+1)
	cursor := span.Start
	for _, iv := range merged {
		if !iv.End.After(span.Start) {
			continue
		}
		if !iv.Start.Before(span.End) {
			break
		}
		if iv.Start.After(cursor) {
			gaps = append(gaps, Interval{Start: cursor, End: iv.Start})
		}
		if iv.End.After(cursor) {
			cursor = iv.End
		}
	}
	if cursor.Before(span.End) {
		gaps = append(gaps, Interval{Start: cursor, End: span.End})
	}
	return gaps
}

func clamp(iv, bounds Interval) Interval {
	if bounds.Start.After(iv.Start) {
		iv.Start = bounds.Start
	}
	if bounds.End.Before(iv.End) {
		iv.End = bounds.End
	}
	return iv
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
