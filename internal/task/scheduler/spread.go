package scheduler

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

// maxFirstRunJitter caps how far the first run of an interval job is pushed.
const maxFirstRunJitter = 30 * time.Second

// delayedFirst fires first at first, then follows base.
type delayedFirst struct {
	base  cron.Schedule
	first time.Time
}

func (s *delayedFirst) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// jitteredEvery returns an "@every" schedule whose first run lands somewhere
// in [every, every+min(every, maxFirstRunJitter)) after now, so jobs
// registered together (the recovery sweep among them) do not fire in lockstep.
func jitteredEvery(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	window := min(every, maxFirstRunJitter)
	if window <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), h.Sum64()))
	jitter := time.Duration(rng.Int64N(int64(window)))
	return &delayedFirst{base: base, first: now.Add(every + jitter)}, jitter
}
