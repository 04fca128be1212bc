package resync

import (
	"context"
	"io"
	"path"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/buddymirror/internal/chunkstore"
	"github.com/dreamware/buddymirror/internal/cluster"
	"github.com/dreamware/buddymirror/internal/dispatch"
	"github.com/dreamware/buddymirror/internal/targetstate"
)

// DefaultBlockSize is the size of one file block sent to the destination.
const DefaultBlockSize = 1 << 20

// DefaultWorkers bounds the number of concurrent work items per job.
const DefaultWorkers = 8

// Dispatcher sends a request through the failover dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request, resp any) (dispatch.Outcome, error)
}

// StateSink receives the consistency change of a successful resync.
type StateSink interface {
	SetConsistency(ctx context.Context, target cluster.TargetID, c targetstate.Consistency) error
}

// RegistrySink writes consistency changes straight into a local registry.
type RegistrySink struct {
	States *targetstate.Registry
}

func (s RegistrySink) SetConsistency(_ context.Context, target cluster.TargetID, c targetstate.Consistency) error {
	s.States.SetConsistency(target, c)
	return nil
}

// Config tunes a Coordinator. Zero values select the defaults.
type Config struct {
	Workers   int
	BlockSize int
}

type pair struct {
	source, dest cluster.TargetID
}

// Coordinator runs resync jobs from targets hosted by this node to their
// buddies. There is at most one job per (source, destination) pair; a
// finished job stays visible until the pair is started again.
type Coordinator struct {
	targets *chunkstore.Set
	disp    Dispatcher
	sink    StateSink
	cfg     Config
	clock   clockwork.Clock
	lg      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[pair]*Job
}

// NewCoordinator creates a coordinator for the targets in targets. Transfers
// go through disp; a successful job reports the destination GOOD to sink.
func NewCoordinator(targets *chunkstore.Set, disp Dispatcher, sink StateSink, cfg Config, clock clockwork.Clock, lg *zap.Logger) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		targets: targets,
		disp:    disp,
		sink:    sink,
		cfg:     cfg,
		clock:   clock,
		lg:      lg.Named("resync"),
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[pair]*Job),
	}
}

// Start begins a resync from source to dest. Only files modified at or
// after since are compared against the destination; a zero since compares
// everything.
//
// Returns:
//   - cluster.ErrInvalidID if either id is 0 or they are equal
//   - cluster.ErrUnknownTarget if source is not hosted here
//   - cluster.ErrAlreadyRunning if a job for the pair is running
func (c *Coordinator) Start(source, dest cluster.TargetID, since time.Time) (Stats, error) {
	if source == 0 || dest == 0 || source == dest {
		return Stats{}, errors.Wrapf(cluster.ErrInvalidID, "resync %d -> %d", source, dest)
	}
	src, ok := c.targets.Get(source)
	if !ok {
		return Stats{}, errors.Wrapf(cluster.ErrUnknownTarget, "target %d is not hosted here", source)
	}
	if c.ctx.Err() != nil {
		return Stats{}, errors.Wrap(cluster.ErrInterrupted, "coordinator closed")
	}

	key := pair{source, dest}
	c.mu.Lock()
	if j, ok := c.jobs[key]; ok && j.Status() == Running {
		c.mu.Unlock()
		return Stats{}, errors.Wrapf(cluster.ErrAlreadyRunning, "resync %d -> %d", source, dest)
	}
	job := newJob(src, dest, since)
	job.start(c.clock.Now())
	c.jobs[key] = job
	c.wg.Add(1)
	c.mu.Unlock()

	jobsRunning.Inc()
	c.lg.Info("resync started",
		zap.String("jobID", job.id.String()),
		zap.Uint16("source", uint16(source)),
		zap.Uint16("destination", uint16(dest)),
		zap.Time("since", since))

	go c.run(job)
	return job.Stats(), nil
}

// Abort asks the job for the pair to stop. Aborting a finished job is a
// no-op.
func (c *Coordinator) Abort(source, dest cluster.TargetID) error {
	j, err := c.job(source, dest)
	if err != nil {
		return err
	}
	j.Abort()
	return nil
}

// AbortAll asks every running job to stop.
func (c *Coordinator) AbortAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, j := range c.jobs {
		j.Abort()
	}
}

// Wait blocks until the job for the pair is terminal and returns its stats.
func (c *Coordinator) Wait(ctx context.Context, source, dest cluster.TargetID) (Stats, error) {
	j, err := c.job(source, dest)
	if err != nil {
		return Stats{}, err
	}
	select {
	case <-j.Done():
		return j.Stats(), nil
	case <-ctx.Done():
		return j.Stats(), errors.Wrap(cluster.ErrInterrupted, ctx.Err().Error())
	}
}

// Stats returns the stats of the latest job for the pair.
func (c *Coordinator) Stats(source, dest cluster.TargetID) (Stats, error) {
	j, err := c.job(source, dest)
	if err != nil {
		return Stats{}, err
	}
	return j.Stats(), nil
}

// Jobs returns the stats of all known jobs ordered by source, then
// destination.
func (c *Coordinator) Jobs() []Stats {
	c.mu.Lock()
	out := make([]Stats, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, j.Stats())
	}
	c.mu.Unlock()

	slices.SortFunc(out, func(a, b Stats) int {
		if a.Source != b.Source {
			return int(a.Source) - int(b.Source)
		}
		return int(a.Destination) - int(b.Destination)
	})
	return out
}

// Close interrupts all jobs and waits for them to finish.
func (c *Coordinator) Close() {
	c.AbortAll()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) job(source, dest cluster.TargetID) (*Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.jobs[pair{source, dest}]
	if !ok {
		return nil, errors.Wrapf(cluster.ErrNotFound, "no resync %d -> %d", source, dest)
	}
	return j, nil
}

func (c *Coordinator) run(job *Job) {
	defer c.wg.Done()
	defer jobsRunning.Dec()

	lg := c.lg.With(
		zap.String("jobID", job.id.String()),
		zap.Uint16("source", uint16(job.source.ID)),
		zap.Uint16("destination", uint16(job.dest)))

	status, err := c.scan(job)
	if err != nil {
		lg.Error("resync failed", zap.Error(err))
	}

	if status == Success {
		if err := c.sink.SetConsistency(c.ctx, job.dest, targetstate.Good); err != nil {
			lg.Error("could not mark destination good", zap.Error(err))
			status = Failure
		}
	}

	job.finish(status, c.clock.Now())
	jobsTotal.WithLabelValues(status.String()).Inc()

	s := job.Stats()
	lg.Info("resync finished",
		zap.Stringer("status", status),
		zap.Duration("elapsed", s.EndTime.Sub(s.StartTime)),
		zap.Uint64("discoveredFiles", s.DiscoveredFiles),
		zap.Uint64("discoveredDirs", s.DiscoveredDirs),
		zap.Uint64("syncedFiles", s.SyncedFiles),
		zap.Uint64("syncedDirs", s.SyncedDirs),
		zap.Uint64("errorFiles", s.ErrorFiles),
		zap.Uint64("errorDirs", s.ErrorDirs),
		zap.String("bytes", humanize.Bytes(s.BytesSynced)))
}

// fileItem is a source file that must be sent to the destination.
type fileItem struct {
	rel   string
	entry chunkstore.Entry
}

// scan walks the source tree level by level. All directories of a level are
// compared in parallel, then the files they yielded are transferred in
// parallel, then the next level starts. The abort flag is checked before
// every work item.
func (c *Coordinator) scan(job *Job) (Status, error) {
	if _, err := job.source.List(""); err != nil {
		return Failure, errors.Wrapf(err, "list root of target %d", job.source.ID)
	}

	level := []string{""}
	for len(level) > 0 {
		var (
			mu    sync.Mutex
			next  []string
			files []fileItem
		)

		g := new(errgroup.Group)
		g.SetLimit(c.cfg.Workers)
		for _, dir := range level {
			if c.stopped(job) {
				break
			}
			dir := dir
			g.Go(func() error {
				subdirs, found := c.syncDir(job, dir)
				mu.Lock()
				next = append(next, subdirs...)
				files = append(files, found...)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if c.stopped(job) {
			return Interrupted, nil
		}

		g = new(errgroup.Group)
		g.SetLimit(c.cfg.Workers)
		for _, f := range files {
			if c.stopped(job) {
				break
			}
			f := f
			g.Go(func() error {
				c.syncFile(job, f)
				return nil
			})
		}
		_ = g.Wait()
		if c.stopped(job) {
			return Interrupted, nil
		}

		slices.Sort(next)
		level = next
	}

	if job.c.errorFiles.Load() > 0 || job.c.errorDirs.Load() > 0 {
		return CompletedWithErrors, nil
	}
	return Success, nil
}

func (c *Coordinator) stopped(job *Job) bool {
	return job.aborted() || c.ctx.Err() != nil
}

func (c *Coordinator) send(job *Job, msgType string, payload, resp any) error {
	_, err := c.disp.Dispatch(c.ctx, dispatch.Request{
		Selector: dispatch.ToTarget(job.dest),
		Type:     msgType,
		Payload:  payload,
		Resync:   true,
	}, resp)
	return err
}

// syncDir brings the entries of one directory in line with the source. It
// removes stale destination entries, creates or fixes subdirectories and
// returns the subdirectories to descend into and the files to transfer.
func (c *Coordinator) syncDir(job *Job, dir string) ([]string, []fileItem) {
	lg := c.lg.With(zap.String("jobID", job.id.String()), zap.String("dir", dir))

	srcEntries, err := job.source.List(dir)
	if err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			// removed since the parent was listed
			return nil, nil
		}
		lg.Warn("could not list source directory", zap.Error(err))
		job.c.errorDirs.Add(1)
		entriesTotal.WithLabelValues("dir", "error").Inc()
		return nil, nil
	}

	var reply ListReply
	if err := c.send(job, MsgList, ListRequest{Path: dir}, &reply); err != nil && !errors.Is(err, cluster.ErrNotFound) {
		lg.Warn("could not list destination directory", zap.Error(err))
		job.c.errorDirs.Add(1)
		entriesTotal.WithLabelValues("dir", "error").Inc()
		return nil, nil
	}
	destEntries := make(map[string]chunkstore.Entry, len(reply.Entries))
	for _, e := range reply.Entries {
		destEntries[e.Name] = e
	}

	srcByName := make(map[string]chunkstore.Entry, len(srcEntries))
	for _, e := range srcEntries {
		srcByName[e.Name] = e
	}
	for _, de := range reply.Entries {
		se, ok := srcByName[de.Name]
		if ok && se.IsDir == de.IsDir {
			continue
		}
		rel := path.Join(dir, de.Name)
		if err := c.send(job, MsgRemove, RemoveRequest{Path: rel}, nil); err != nil {
			lg.Warn("could not remove stale destination entry", zap.String("path", rel), zap.Error(err))
			job.c.errorDirs.Add(1)
			entriesTotal.WithLabelValues("dir", "error").Inc()
			continue
		}
		delete(destEntries, de.Name)
		job.c.removedEntries.Add(1)
		entriesTotal.WithLabelValues(kindOf(de), "removed").Inc()
	}

	var (
		subdirs []string
		files   []fileItem
	)
	for _, se := range srcEntries {
		if c.stopped(job) {
			break
		}
		rel := path.Join(dir, se.Name)
		de, onDest := destEntries[se.Name]

		if se.IsDir {
			job.c.discoveredDirs.Add(1)
			if onDest && de.IsDir && de.Mode.Perm() == se.Mode.Perm() {
				job.c.matchedDirs.Add(1)
				entriesTotal.WithLabelValues("dir", "matched").Inc()
				subdirs = append(subdirs, rel)
				continue
			}
			if err := c.send(job, MsgDir, DirRequest{Path: rel, Mode: se.Mode.Perm()}, nil); err != nil {
				lg.Warn("could not create destination directory", zap.String("path", rel), zap.Error(err))
				job.c.errorDirs.Add(1)
				entriesTotal.WithLabelValues("dir", "error").Inc()
				continue
			}
			job.c.syncedDirs.Add(1)
			entriesTotal.WithLabelValues("dir", "synced").Inc()
			subdirs = append(subdirs, rel)
			continue
		}

		if !se.Mode.IsRegular() {
			continue
		}
		job.c.discoveredFiles.Add(1)
		// the mtime shortcut only vouches for files the destination already has
		if onDest && !de.IsDir && ((!job.since.IsZero() && se.ModTime.Before(job.since)) || se.Matches(de)) {
			job.c.matchedFiles.Add(1)
			entriesTotal.WithLabelValues("file", "matched").Inc()
			continue
		}
		files = append(files, fileItem{rel: rel, entry: se})
	}
	return subdirs, files
}

// syncFile streams one file to the destination block by block.
func (c *Coordinator) syncFile(job *Job, item fileItem) {
	lg := c.lg.With(zap.String("jobID", job.id.String()), zap.String("path", item.rel))
	fail := func(msg string, err error) {
		lg.Warn(msg, zap.Error(err))
		job.c.errorFiles.Add(1)
		entriesTotal.WithLabelValues("file", "error").Inc()
	}

	f, err := job.source.OpenFile(item.rel)
	if err != nil {
		if errors.Is(err, cluster.ErrNotFound) {
			return
		}
		fail("could not open source file", err)
		return
	}
	defer f.Close()

	buf := make([]byte, c.cfg.BlockSize)
	var off int64
	for {
		n, err := chunkstore.ReadBlock(f, buf, off)
		if err != nil && err != io.EOF {
			fail("could not read source file", err)
			return
		}
		last := err == io.EOF || n < len(buf)
		blk := FileBlock{
			Path:     item.rel,
			Offset:   off,
			Data:     buf[:n],
			Truncate: off == 0,
			Last:     last,
		}
		if last {
			blk.Mode = item.entry.Mode.Perm()
			blk.ModTime = item.entry.ModTime
		}
		if err := c.send(job, MsgFile, blk, nil); err != nil {
			fail("could not send file block", err)
			return
		}
		job.c.bytesSynced.Add(uint64(n))
		bytesSyncedTotal.Add(float64(n))
		off += int64(n)
		if last {
			break
		}
	}

	job.c.syncedFiles.Add(1)
	entriesTotal.WithLabelValues("file", "synced").Inc()
}

func kindOf(e chunkstore.Entry) string {
	if e.IsDir {
		return "dir"
	}
	return "file"
}
