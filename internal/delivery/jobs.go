package delivery

import (
	"context"
	"strconv"
	"strings"
	"time"

	"postbot/internal/task/engine"
	"postbot/internal/task/scheduler"
)

const jobPrefix = "post_"

// Scheduler is the subset of the scheduler used for post jobs.
type Scheduler interface {
	AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) (string, error)
	Remove(name string) bool
	Has(name string) bool
	Once() []scheduler.OnceInfo
}

// DeliverFunc delivers one post by id.
type DeliverFunc func(ctx context.Context, postID int64) error

// Jobs keeps exactly one scheduler job per scheduled post.
type Jobs struct {
	sched   Scheduler
	timeout time.Duration
}

// NewJobs returns a post job registry. timeout bounds one job run.
func NewJobs(s Scheduler, timeout time.Duration) *Jobs {
	return &Jobs{sched: s, timeout: timeout}
}

// JobID is the scheduler job name for a post.
func JobID(postID int64) string { return jobPrefix + strconv.FormatInt(postID, 10) }

// ParseJobID is the inverse of JobID.
func ParseJobID(name string) (int64, bool) {
	if !strings.HasPrefix(name, jobPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, jobPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Schedule upserts the job for postID. The job captures only the id: fn
// re-reads the post when it fires.
func (j *Jobs) Schedule(postID int64, at time.Time, fn DeliverFunc) error {
	_, err := j.sched.AddOnce(JobID(postID), at, j.timeout, func(ctx context.Context) error {
		if err := fn(ctx, postID); err != nil {
			// The dispatcher has already retried or deferred.
			return engine.NoRetry(err)
		}
		return nil
	})
	return err
}

// Cancel removes the job for postID. It does not interrupt a running delivery.
func (j *Jobs) Cancel(postID int64) bool { return j.sched.Remove(JobID(postID)) }

func (j *Jobs) Live(postID int64) bool { return j.sched.Has(JobID(postID)) }

// LiveIDs lists the posts with a live job.
func (j *Jobs) LiveIDs() []int64 {
	var out []int64
	for _, o := range j.sched.Once() {
		if id, ok := ParseJobID(o.Name); ok {
			out = append(out, id)
		}
	}
	return out
}

// Next returns the fire time of the job for postID.
func (j *Jobs) Next(postID int64) (time.Time, bool) {
	name := JobID(postID)
	for _, o := range j.sched.Once() {
		if o.Name == name {
			return o.At, true
		}
	}
	return time.Time{}, false
}
