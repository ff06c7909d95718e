// Package planner spreads a list of videos over consecutive days using a
// fixed table of posting times.
package planner

import (
	"errors"
	"fmt"
	"time"
)

// DefaultSlotsPerDay is used for any count without a slot table.
const DefaultSlotsPerDay = 2

var ErrInvalidInput = errors.New("invalid schedule input")

// SlotTime is a clock time of day.
type SlotTime struct {
	Hour   int
	Minute int
}

func (s SlotTime) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

var slotTables = map[int][]SlotTime{
	1: {{8, 0}},
	2: {{8, 0}, {17, 0}},
	3: {{8, 0}, {14, 0}, {20, 0}},
	4: {{8, 0}, {12, 0}, {16, 0}, {20, 0}},
	6: {{8, 0}, {11, 0}, {14, 0}, {17, 0}, {20, 0}, {23, 0}},
}

// Slots returns the posting times for slotsPerDay and the count actually
// used. Unsupported counts fall back to the 2-slot table.
func Slots(slotsPerDay int) ([]SlotTime, int) {
	table, ok := slotTables[slotsPerDay]
	if !ok {
		slotsPerDay = DefaultSlotsPerDay
		table = slotTables[slotsPerDay]
	}
	out := make([]SlotTime, len(table))
	copy(out, table)
	return out, slotsPerDay
}

// Item is one video to schedule.
type Item struct {
	Filename string `json:"filename"`
	VideoURL string `json:"video_url"`
	Caption  string `json:"caption"`
}

type Entry struct {
	Item         Item      `json:"item"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// Distribution summarises how entries were spread.
type Distribution struct {
	SlotsPerDay int       `json:"slots_per_day"`
	SlotTimes   []string  `json:"slot_times"`
	TotalDays   int       `json:"total_days"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

type Schedule struct {
	Entries      []Entry      `json:"entries"`
	Distribution Distribution `json:"distribution"`
}

// Plan assigns item i to day i/k at slot i%k, counting days from start's
// calendar date in start's location. Seconds are zeroed. The result is
// non-decreasing in time and fills every slot of a day before moving on.
func Plan(items []Item, start time.Time, slotsPerDay int) (*Schedule, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items to schedule", ErrInvalidInput)
	}
	if start.IsZero() {
		return nil, fmt.Errorf("%w: start date is required", ErrInvalidInput)
	}

	table, k := Slots(slotsPerDay)
	y, m, d := start.Date()
	loc := start.Location()

	entries := make([]Entry, len(items))
	for i, item := range items {
		dayOffset := i / k
		slot := table[i%k]
		entries[i] = Entry{
			Item:         item,
			ScheduledFor: time.Date(y, m, d+dayOffset, slot.Hour, slot.Minute, 0, 0, loc),
		}
	}

	times := make([]string, len(table))
	for i, s := range table {
		times[i] = s.String()
	}

	return &Schedule{
		Entries: entries,
		Distribution: Distribution{
			SlotsPerDay: k,
			SlotTimes:   times,
			TotalDays:   (len(items) + k - 1) / k,
			Start:       entries[0].ScheduledFor,
			End:         entries[len(entries)-1].ScheduledFor,
		},
	}, nil
}
