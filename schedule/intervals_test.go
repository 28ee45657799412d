package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func day(hour, min int) time.Time {
	return time.Date(2024, 3, 4, hour, min, 0, 0, time.UTC)
}

func TestHasConflictHalfOpenBoundaries(t *testing.T) {
	existing := []Interval{
		{ID: "a", Start: day(9, 0), End: day(10, 0)},
		{ID: "b", Start: day(11, 0), End: day(12, 0)},
	}

	// Back-to-back with an existing event is not a conflict.
	require.False(t, HasConflict(Interval{Start: day(10, 0), End: day(11, 0)}, existing, ""))
	require.False(t, HasConflict(Interval{Start: day(8, 0), End: day(9, 0)}, existing, ""))

	require.True(t, HasConflict(Interval{Start: day(9, 30), End: day(10, 30)}, existing, ""))
	require.True(t, HasConflict(Interval{Start: day(8, 0), End: day(13, 0)}, existing, ""))
}

func TestHasConflictExcludesOwnEvent(t *testing.T) {
	existing := []Interval{{ID: "mine", Start: day(9, 0), End: day(10, 0)}}
	candidate := Interval{Start: day(9, 15), End: day(9, 45)}

	require.True(t, HasConflict(candidate, existing, ""))
	require.False(t, HasConflict(candidate, existing, "mine"))
}

func TestMergeCoalescesOverlappingAndAdjacent(t *testing.T) {
	busy := []Interval{
		{Start: day(11, 0), End: day(12, 0)},
		{Start: day(9, 0), End: day(10, 0)},
		{Start: day(9, 30), End: day(10, 30)},
		{Start: day(10, 30), End: day(11, 0)},
	}
	original := make([]Interval, len(busy))
	copy(original, busy)

	merged := Merge(busy)
	require.Len(t, merged, 1)
	require.Equal(t, day(9, 0), merged[0].Start)
	require.Equal(t, day(12, 0), merged[0].End)

	// Input order untouched.
	require.Equal(t, original, busy)
}

func TestFindNextFreeSlotReturnsEarliestGap(t *testing.T) {
	busy := []Interval{
		{Start: day(9, 0), End: day(10, 0)},
		{Start: day(11, 0), End: day(12, 0)},
	}
	window := Interval{Start: day(8, 0), End: day(18, 0)}

	slot, err := FindNextFreeSlot(busy, window, SlotRequest{Duration: 45 * time.Minute, MaxDays: 1})
	require.NoError(t, err)
	require.Equal(t, day(8, 0), slot.Start)
	require.Equal(t, day(8, 45), slot.End)
}

func TestFindNextFreeSlotSkipsTooShortGaps(t *testing.T) {
	busy := []Interval{
		{Start: day(9, 0), End: day(10, 0)},
		{Start: day(11, 0), End: day(12, 0)},
	}
	window := Interval{Start: day(8, 0), End: day(18, 0)}

	// Gaps [08:00,09:00) and [10:00,11:00) are too short for 90 minutes; the
	// session lands after the second busy block.
	slot, err := FindNextFreeSlot(busy, window, SlotRequest{Duration: 90 * time.Minute, MaxDays: 1})
	require.NoError(t, err)
	require.Equal(t, day(12, 0), slot.Start)
	require.Equal(t, day(13, 30), slot.End)
	for _, b := range busy {
		require.False(t, slot.Overlaps(b))
	}
}

func TestFindNextFreeSlotAppliesBreakPadding(t *testing.T) {
	busy := []Interval{{Start: day(9, 0), End: day(10, 0)}}
	window := Interval{Start: day(8, 0), End: day(12, 0)}

	slot, err := FindNextFreeSlot(busy, window, SlotRequest{
		Duration:    60 * time.Minute,
		BreakBefore: 15 * time.Minute,
		BreakAfter:  15 * time.Minute,
		MaxDays:     1,
	})
	require.NoError(t, err)
	// [08:00,09:00) shrinks to [08:15,08:45) which is too short; the slot
	// moves past the busy block.
	require.Equal(t, day(10, 15), slot.Start)
	require.Equal(t, day(11, 15), slot.End)
}

func TestFindNextFreeSlotPrefersPreferredHours(t *testing.T) {
	busy := []Interval{{Start: day(9, 0), End: day(10, 0)}}
	window := Interval{Start: day(8, 0), End: day(18, 0)}

	slot, err := FindNextFreeSlot(busy, window, SlotRequest{
		Duration:       time.Hour,
		PreferredHours: &HourWindow{From: 14 * time.Hour, To: 16 * time.Hour},
		MaxDays:        1,
	})
	require.NoError(t, err)
	require.Equal(t, day(14, 0), slot.Start)
	require.Equal(t, day(15, 0), slot.End)
}

func TestFindNextFreeSlotRollsOverToNextDay(t *testing.T) {
	busy := []Interval{{Start: day(8, 0), End: day(18, 0)}}
	window := Interval{Start: day(8, 0), End: day(18, 0).AddDate(0, 0, 1)}

	slot, err := FindNextFreeSlot(busy, window, SlotRequest{Duration: time.Hour, MaxDays: 2})
	require.NoError(t, err)
	require.Equal(t, day(18, 0), slot.Start)
}

func TestFindNextFreeSlotNotFound(t *testing.T) {
	busy := []Interval{{Start: day(8, 0), End: day(18, 0)}}
	window := Interval{Start: day(8, 0), End: day(18, 0)}

	_, err := FindNextFreeSlot(busy, window, SlotRequest{Duration: time.Hour, MaxDays: 1})
	require.ErrorIs(t, err, ErrNoSlot)
}

func TestFindNextFreeSlotNeverOverlapsBusy(t *testing.T) {
	busy := []Interval{
		{Start: day(8, 30), End: day(9, 15)},
		{Start: day(10, 0), End: day(10, 5)},
		{Start: day(13, 45), End: day(16, 0)},
	}
	window := Interval{Start: day(8, 0), End: day(18, 0)}

	for _, dur := range []time.Duration{15 * time.Minute, time.Hour, 3 * time.Hour} {
		slot, err := FindNextFreeSlot(busy, window, SlotRequest{Duration: dur, MaxDays: 1})
		require.NoError(t, err)
		require.Equal(t, dur, slot.Duration())
		for _, b := range busy {
			require.False(t, slot.Overlaps(b), "slot %v overlaps busy %v", slot, b)
		}
	}
}
