package appointment

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

type interval struct {
	id    uuid.UUID
	start TimeOfDay
	end   TimeOfDay
}

// AvailabilityIndex is the set of blocking intervals for one practitioner on
// one date, sorted by start. While the intervals are pairwise disjoint
// (invariant I1) they are also sorted by end, which lets lookups binary
// search. If the source data ever violates I1 the index falls back to a
// linear scan so it still answers correctly.
type AvailabilityIndex struct {
	intervals []interval
	disjoint  bool
}

// NewAvailabilityIndex projects the blocking appointments of appts.
func NewAvailabilityIndex(appts []Appointment) *AvailabilityIndex {
	ix := &AvailabilityIndex{disjoint: true}
	for _, a := range appts {
		if !a.Status.Blocking() {
			continue
		}
		ix.intervals = append(ix.intervals, interval{id: a.ID, start: a.StartTime, end: a.EndTime})
	}
	sort.Slice(ix.intervals, func(i, j int) bool {
		return ix.intervals[i].start < ix.intervals[j].start
	})
	for i := 1; i < len(ix.intervals); i++ {
		if ix.intervals[i].start < ix.intervals[i-1].end {
			ix.disjoint = false
			break
		}
	}
	return ix
}

func (ix *AvailabilityIndex) Len() int { return len(ix.intervals) }

// Conflicts returns the ids of every interval overlapping [start, end).
func (ix *AvailabilityIndex) Conflicts(start, end TimeOfDay) []uuid.UUID {
	var out []uuid.UUID
	if !ix.disjoint {
		for _, iv := range ix.intervals {
			if Overlaps(iv.start, iv.end, start, end) {
				out = append(out, iv.id)
			}
		}
		return out
	}

	// first interval that ends after start
	i := sort.Search(len(ix.intervals), func(i int) bool {
		return ix.intervals[i].end > start
	})
	for ; i < len(ix.intervals) && ix.intervals[i].start < end; i++ {
		out = append(out, ix.intervals[i].id)
	}
	return out
}

func (ix *AvailabilityIndex) IsFree(start, end TimeOfDay) bool {
	return len(ix.Conflicts(start, end)) == 0
}

// Reserve adds [start, end) for id, failing with ErrSlotUnavailable if it
// overlaps anything already indexed.
func (ix *AvailabilityIndex) Reserve(id uuid.UUID, start, end TimeOfDay) error {
	if start >= end {
		return fmt.Errorf("%w: start %s must be before end %s", ErrInvalidRange, start, end)
	}
	if conflicts := ix.Conflicts(start, end); len(conflicts) > 0 {
		return fmt.Errorf("%w: overlaps %d appointment(s)", ErrSlotUnavailable, len(conflicts))
	}
	pos := sort.Search(len(ix.intervals), func(i int) bool {
		return ix.intervals[i].start >= start
	})
	ix.intervals = append(ix.intervals, interval{})
	copy(ix.intervals[pos+1:], ix.intervals[pos:])
	ix.intervals[pos] = interval{id: id, start: start, end: end}
	return nil
}

// Release drops the interval held by id, if any.
func (ix *AvailabilityIndex) Release(id uuid.UUID) bool {
	for i, iv := range ix.intervals {
		if iv.id == id {
			ix.intervals = append(ix.intervals[:i], ix.intervals[i+1:]...)
			return true
		}
	}
	return false
}

// Window is a free span returned by FreeSlots.
type Window struct {
	Start TimeOfDay `json:"start_time"`
	End   TimeOfDay `json:"end_time"`
}

// FreeSlots lists back-to-back windows of length minutes within
// [open, close) that do not overlap anything in the index. Windows are
// aligned to open.
func (ix *AvailabilityIndex) FreeSlots(open, close TimeOfDay, length int) []Window {
	if length <= 0 || open >= close {
		return nil
	}
	var out []Window
	step := TimeOfDay(length)
	for s := open; s+step <= close; s += step {
		if ix.IsFree(s, s+step) {
			out = append(out, Window{Start: s, End: s + step})
		}
	}
	return out
}
