package harborkv

// env.go holds process-wide state shared by every open database.
//
// The scheduler that runs periodic statistics dumps is started when the
// first database opens and stopped when the last one closes.

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"

	"github.com/aalhour/harborkv/internal/logging"
)

type env struct {
	mu   sync.Mutex
	refs int
	cron *cron.Cron
	// jobs are the scheduled jobs with their periods. cron v1 cannot remove
	// a single entry, so unschedule rebuilds the scheduler from this set.
	jobs map[cron.Job]time.Duration
}

var processEnv env

// acquire registers an open database and returns the number of open
// databases.
func (e *env) acquire() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refs++
	if e.refs == 1 {
		e.jobs = make(map[cron.Job]time.Duration)
		e.cron = cron.New()
		e.cron.Start()
	}
	return e.refs
}

// release unregisters a database and returns the number still open. The
// last release stops the scheduler and drops every job.
func (e *env) release() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refs == 0 {
		return 0
	}
	e.refs--
	if e.refs == 0 {
		e.cron.Stop()
		e.cron = nil
		e.jobs = nil
	}
	return e.refs
}

// schedule runs job every period until it is unscheduled or the process
// env is torn down.
func (e *env) schedule(period time.Duration, job cron.Job) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron == nil {
		return false
	}
	e.jobs[job] = period
	e.cron.Schedule(cron.Every(period), job)
	return true
}

// unschedule removes job and restarts the scheduler with the jobs that
// remain.
func (e *env) unschedule(job cron.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron == nil {
		return
	}
	if _, ok := e.jobs[job]; !ok {
		return
	}
	delete(e.jobs, job)
	e.cron.Stop()
	e.cron = cron.New()
	for j, period := range e.jobs {
		e.cron.Schedule(cron.Every(period), j)
	}
	e.cron.Start()
}

// statsDumpJob logs a database's statistics.
type statsDumpJob struct {
	db      *DB
	stopped atomic.Bool
}

func (j *statsDumpJob) Run() {
	if j.stopped.Load() || j.db.closed.Load() {
		return
	}
	j.db.logger.Infof("%s%s\n%s", logging.NSStats, j.db.path, j.db.stats.String())
}
