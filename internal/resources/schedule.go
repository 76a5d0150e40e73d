// Package resources decides how much food and water reaches the cave each
// morning and how it is split among the survivors.
package resources

import (
	"math"
	"math/rand"
	"sync"
)

// Allocation is one survivor's share of a day's supplies.
type Allocation struct {
	Cans  int `json:"cans"`
	Water int `json:"water"`
}

// DayTotal is the planned supply for one day.
type DayTotal struct {
	Day   int `json:"day"`
	Cans  int `json:"cans"`
	Water int `json:"water"`
}

// Info describes a schedule for observers.
type Info struct {
	NumAgents    int        `json:"num_agents"`
	TotalDays    int        `json:"total_days"`
	MinSurvivors int        `json:"min_survivors"`
	Days         []DayTotal `json:"days"`
}

// Schedule shrinks the daily supply linearly from one unit per survivor on
// the first day to MinSurvivors units on the last.
type Schedule struct {
	numAgents    int
	totalDays    int
	minSurvivors int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSchedule creates a schedule. A nil rng uses a time-independent default
// source seeded with 1.
func NewSchedule(numAgents, totalDays, minSurvivors int, rng *rand.Rand) *Schedule {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Schedule{
		numAgents:    max(numAgents, 0),
		totalDays:    max(totalDays, 1),
		minSurvivors: min(max(minSurvivors, 0), max(numAgents, 0)),
		rng:          rng,
	}
}

// Total returns the number of cans (and of bottles of water) delivered on
// day. Days past the end deliver the last day's amount.
func (s *Schedule) Total(day int) int {
	if s.totalDays == 1 || day <= 0 {
		return s.numAgents
	}
	day = min(day, s.totalDays-1)
	span := float64(s.numAgents - s.minSurvivors)
	frac := float64(day) / float64(s.totalDays-1)
	return int(math.Round(float64(s.numAgents) - span*frac))
}

// Distribute splits the day's supply across alive as evenly as possible.
// Leftover units go to randomly chosen survivors, drawn separately for cans
// and water. Every alive name gets an entry.
func (s *Schedule) Distribute(day int, alive []string) map[string]Allocation {
	out := make(map[string]Allocation, len(alive))
	if len(alive) == 0 {
		return out
	}
	total := s.Total(day)

	s.mu.Lock()
	cans := s.split(total, len(alive))
	water := s.split(total, len(alive))
	s.mu.Unlock()

	for i, name := range alive {
		out[name] = Allocation{Cans: cans[i], Water: water[i]}
	}
	return out
}

func (s *Schedule) split(total, n int) []int {
	shares := make([]int, n)
	base, extra := total/n, total%n
	for i := range shares {
		shares[i] = base
	}
	for _, i := range s.rng.Perm(n)[:extra] {
		shares[i]++
	}
	return shares
}

// Info reports the planned totals for every day.
func (s *Schedule) Info() Info {
	days := make([]DayTotal, s.totalDays)
	for d := range days {
		t := s.Total(d)
		days[d] = DayTotal{Day: d, Cans: t, Water: t}
	}
	return Info{
		NumAgents:    s.numAgents,
		TotalDays:    s.totalDays,
		MinSurvivors: s.minSurvivors,
		Days:         days,
	}
}
