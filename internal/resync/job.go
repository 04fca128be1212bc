package resync

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/dreamware/buddymirror/internal/chunkstore"
	"github.com/dreamware/buddymirror/internal/cluster"
)

// Status is the state of a resync job.
//
//	NOT_STARTED ──► RUNNING ──► SUCCESS | INTERRUPTED | FAILURE | COMPLETED_WITH_ERRORS
type Status int

const (
	NotStarted Status = iota
	Running
	Success
	Interrupted
	Failure
	CompletedWithErrors
)

var statusNames = []string{"NOT_STARTED", "RUNNING", "SUCCESS", "INTERRUPTED", "FAILURE", "COMPLETED_WITH_ERRORS"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	idx := slices.Index(statusNames, strings.ToUpper(string(b)))
	if idx < 0 {
		return errors.Newf("invalid resync status %q", string(b))
	}
	*s = Status(idx)
	return nil
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != NotStarted && s != Running
}

// Stats is an immutable snapshot of a job.
type Stats struct {
	ID          string           `json:"id"`
	Source      cluster.TargetID `json:"source"`
	Destination cluster.TargetID `json:"destination"`
	Status      Status           `json:"status"`
	StartTime   time.Time        `json:"startTime"`
	EndTime     time.Time        `json:"endTime,omitempty"`

	DiscoveredFiles uint64 `json:"discoveredFiles"`
	DiscoveredDirs  uint64 `json:"discoveredDirs"`
	MatchedFiles    uint64 `json:"matchedFiles"`
	MatchedDirs     uint64 `json:"matchedDirs"`
	SyncedFiles     uint64 `json:"syncedFiles"`
	SyncedDirs      uint64 `json:"syncedDirs"`
	ErrorFiles      uint64 `json:"errorFiles"`
	ErrorDirs       uint64 `json:"errorDirs"`
	BytesSynced     uint64 `json:"bytesSynced"`
	RemovedEntries  uint64 `json:"removedEntries"`
}

type counters struct {
	discoveredFiles, discoveredDirs atomic.Uint64
	matchedFiles, matchedDirs       atomic.Uint64
	syncedFiles, syncedDirs         atomic.Uint64
	errorFiles, errorDirs           atomic.Uint64
	bytesSynced                     atomic.Uint64
	removedEntries                  atomic.Uint64
}

// Job is one resync run from a local source target to a destination target.
// Counters are updated by the workers; everything else is guarded by mu and
// becomes immutable once the job is terminal.
type Job struct {
	id     uuid.UUID
	source *chunkstore.Target
	dest   cluster.TargetID
	since  time.Time

	c     counters
	abort atomic.Bool
	done  chan struct{}

	mu        sync.Mutex
	status    Status
	startTime time.Time
	endTime   time.Time
}

func newJob(source *chunkstore.Target, dest cluster.TargetID, since time.Time) *Job {
	return &Job{
		id:     uuid.New(),
		source: source,
		dest:   dest,
		since:  since,
		done:   make(chan struct{}),
	}
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Abort asks the job to stop. Work items already running finish normally.
func (j *Job) Abort() { j.abort.Store(true) }

func (j *Job) aborted() bool { return j.abort.Load() }

// Done is closed once the job is terminal.
func (j *Job) Done() <-chan struct{} { return j.done }

func (j *Job) start(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = Running
	j.startTime = now
}

func (j *Job) finish(status Status, now time.Time) {
	j.mu.Lock()
	j.status = status
	j.endTime = now
	j.mu.Unlock()
	close(j.done)
}

// Stats returns a snapshot of the job.
func (j *Job) Stats() Stats {
	j.mu.Lock()
	s := Stats{
		ID:          j.id.String(),
		Source:      j.source.ID,
		Destination: j.dest,
		Status:      j.status,
		StartTime:   j.startTime,
		EndTime:     j.endTime,
	}
	j.mu.Unlock()

	s.DiscoveredFiles = j.c.discoveredFiles.Load()
	s.DiscoveredDirs = j.c.discoveredDirs.Load()
	s.MatchedFiles = j.c.matchedFiles.Load()
	s.MatchedDirs = j.c.matchedDirs.Load()
	s.SyncedFiles = j.c.syncedFiles.Load()
	s.SyncedDirs = j.c.syncedDirs.Load()
	s.ErrorFiles = j.c.errorFiles.Load()
	s.ErrorDirs = j.c.errorDirs.Load()
	s.BytesSynced = j.c.bytesSynced.Load()
	s.RemovedEntries = j.c.removedEntries.Load()
	return s
}
