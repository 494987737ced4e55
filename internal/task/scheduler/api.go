package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

// AddSchedule parses schedule and registers either a cron or interval task.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, timeout, job)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, timeout, job)
	default:
		return "", fmt.Errorf("unsupported schedule kind")
	}
}

// AddCron registers a cron schedule. Runs skip while a previous run is in-flight or queued.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	return s.addRecurring(name, "cron", spec, timeout, job)
}

// AddInterval registers an interval schedule with a randomized first run.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", errors.New("interval must be > 0")
	}
	return s.addRecurring(name, "interval", fmt.Sprintf("@every %s", every), timeout, job)
}

func (s *Service) addRecurring(name, kind, spec string, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert by name.
	_ = s.removeScheduleLocked(name)
	s.removeOnce(name)

	s.defs = append(s.defs, scheduleDef{
		id:      fmt.Sprintf("%s:%d", kind, time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     TaskOptions{Overlap: OverlapSkipIfRunning},
		state:   &engine.RunState{},
	})
	if s.c == nil {
		// Registered when Start() runs.
		return name, nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// AddOnce schedules job to fire once at at. It is an upsert: a job already
// registered under name is replaced, never duplicated. A past at fires
// immediately. The job runs on the task engine, not on the timer goroutine.
// The timer is armed even when cron triggering is disabled or not started.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	return s.AddOnceOpt(name, at, timeout, TaskOptions{Overlap: OverlapAllow}, job)
}

// AddOnceOpt is AddOnce with task options.
func (s *Service) AddOnceOpt(name string, at time.Time, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	_ = s.removeScheduleLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	// A new version makes callbacks of replaced timers no-ops.
	s.onceSeq++
	ver := s.onceSeq
	s.once[name] = &onceDef{at: at, timeout: timeout, opt: opt, job: job, ver: ver}
	s.armLocked(name, ver, at)

	s.log.Debug("once scheduled", logx.String("name", name), logx.Time("at", at))
	return name, nil
}

// Has reports whether a one-shot job named name is live.
func (s *Service) Has(name string) bool {
	s.tmu.Lock()
	_, ok := s.once[strings.TrimSpace(name)]
	s.tmu.Unlock()
	return ok
}

// Once lists live one-shot jobs ordered by fire time.
func (s *Service) Once() []OnceInfo {
	s.tmu.Lock()
	out := make([]OnceInfo, 0, len(s.once))
	for name, d := range s.once {
		out = append(out, OnceInfo{Name: name, At: d.at, Timeout: d.timeout})
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].At.Equal(out[j].At) {
			return out[i].Name < out[j].Name
		}
		return out[i].At.Before(out[j].At)
	})
	return out
}

// Remove unschedules everything registered under name. It returns true if
// something was removed. A job whose callback already fired keeps running.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}

	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()

	if s.removeOnce(name) {
		removed = true
	}
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	removed := false
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	// A timer that is already firing finds no definition and becomes a no-op.
	if _, ok := s.once[name]; ok {
		delete(s.once, name)
		removed = true
	}
	return removed
}

// armLocked starts the runtime timer for a one-shot job. Call with s.tmu held.
func (s *Service) armLocked(name string, ver uint64, at time.Time) {
	delay := max(time.Until(at), 0)
	s.timers[name] = time.AfterFunc(delay, func() { s.fireOnce(name, ver) })
}

func (s *Service) fireOnce(name string, ver uint64) {
	s.tmu.Lock()
	d, ok := s.once[name]
	if !ok || d.ver != ver {
		s.tmu.Unlock()
		return
	}
	// Drop the definition before enqueueing: the job fires exactly once.
	delete(s.timers, name)
	delete(s.once, name)
	s.tmu.Unlock()

	if s.engine == nil {
		return
	}
	err := s.engine.Enqueue(engine.Task{
		Name:    name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   &engine.RunState{},
	})
	if err != nil {
		s.reportEnqueueError(name, err)
	}
}

// rebuildOnceTimers re-arms runtime timers from the one-shot definitions.
func (s *Service) rebuildOnceTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	for name, d := range s.once {
		s.armLocked(name, d.ver, d.at)
	}
}

// removeScheduleLocked removes all recurring defs matching name. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, job, opt, state := d.name, d.timeout, d.job, d.opt, d.state
	cj := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{Name: name, Timeout: timeout, Run: job, Opt: opt, State: state})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})

	// Interval schedules get a startup spread against thundering herds.
	spec := strings.TrimSpace(d.spec)
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := jitteredEvery(every, time.Now().In(loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, cj)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, cj)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns upcoming run times for a cron spec. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
