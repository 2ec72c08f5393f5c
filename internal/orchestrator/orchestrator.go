// Package orchestrator runs export jobs as renderd-worker subprocesses.
// It owns the job lifecycle: queueing under the concurrency limit,
// spawning workers, relaying their stdout records to subscribers, and
// persisting every state change so jobs survive a server restart as
// queryable history.
package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/clipjoint/renderd/internal/config"
	"github.com/clipjoint/renderd/internal/models"
	"github.com/clipjoint/renderd/internal/project"
	"github.com/clipjoint/renderd/internal/render"
	"github.com/clipjoint/renderd/internal/repository"
	"github.com/clipjoint/renderd/internal/util"
	"github.com/clipjoint/renderd/internal/worker"
)

const (
	workerBinaryName = "renderd-worker"
	envWorkerBinary  = "RENDERD_WORKER_BINARY"

	// noneArg fills optional argv slots so later positions keep their place.
	noneArg = "None"

	cancelReason = "Cancelled by user"
	staleReason  = "server restarted"

	outputExt      = ".mp4"
	maxRecordBytes = 1 << 20
	persistTimeout = 5 * time.Second

	// finished jobs stay queryable in memory this long; afterwards status
	// reads fall through to the database
	finishedRetention = 5 * time.Minute
	cleanupInterval   = time.Minute
)

// Common errors.
var (
	// ErrJobNotFound is returned when no job exists under the given id.
	ErrJobNotFound = errors.New("export job not found")
	// ErrJobFinished is returned when cancelling a job that already ended.
	ErrJobFinished = errors.New("export job already finished")
	// ErrShuttingDown is returned for work submitted during shutdown.
	ErrShuttingDown = errors.New("server is shutting down")
)

// StartRequest describes one export to run.
type StartRequest struct {
	ProjectName      string
	ExportType       render.ExportType
	VideoID          string
	Quality          render.Quality
	IncludeSubtitles bool
	BGMPath          string
	OutputFilename   string
	OutputDir        string
	Tier             render.Tier
}

// StartResult reports the accepted job and the music the render will carry.
type StartResult struct {
	Job       models.ExportJob
	BGMTracks []string
}

// jobState is the orchestrator's private record of one job. All fields
// are guarded by Service.mu; callers only ever receive copies of job.
type jobState struct {
	id        string
	req       StartRequest
	job       models.ExportJob
	proc      *os.Process
	cancelled bool
	finalized bool
	lastError string
}

// Service manages export jobs. All exported methods are safe for
// concurrent use.
type Service struct {
	cfg   *config.Config
	repo  repository.ExportJobRepository
	store *project.Store
	hub   *Hub
	log   *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*jobState
	queue   []string
	running int
	closed  bool

	wg          sync.WaitGroup
	stopCleanup chan struct{}
}

// New creates an orchestrator. Call Start to begin background
// maintenance and Shutdown to stop it.
func New(cfg *config.Config, repo repository.ExportJobRepository, store *project.Store, log *slog.Logger) *Service {
	return &Service{
		cfg:         cfg,
		repo:        repo,
		store:       store,
		hub:         NewHub(log),
		log:         log.With("component", "orchestrator"),
		jobs:        make(map[string]*jobState),
		stopCleanup: make(chan struct{}),
	}
}

// Start launches background maintenance. Call once after New.
func (o *Service) Start() {
	go o.cleanupLoop()
}

// RecoverStale fails rows left queued or processing by a previous server
// run. Workers do not outlive the server usefully: nothing would consume
// their stdout or persist their result.
func (o *Service) RecoverStale(ctx context.Context) error {
	n, err := o.repo.FailStale(ctx, staleReason)
	if err != nil {
		return fmt.Errorf("recovering stale export jobs: %w", err)
	}
	if n > 0 {
		o.log.Warn("failed stale export jobs from previous run", slog.Int64("count", n))
	}
	return nil
}

// Submit validates the request, persists a queued job, and schedules a
// worker for it. It returns as soon as the job is queued; rendering is
// asynchronous.
func (o *Service) Submit(ctx context.Context, req StartRequest) (*StartResult, error) {
	const op = "orchestrator.Submit"

	if req.Quality == "" {
		req.Quality = render.QualityBalanced
	}
	if req.Tier == "" {
		req.Tier = render.TierFree
	}
	if req.ExportType == "" {
		req.ExportType = render.ExportDefault
	}
	req.ExportType = req.ExportType.Resolve()
	if req.ExportType == render.ExportSingle && req.VideoID == "" {
		return nil, render.Errorf(render.KindInvalidInput, op,
			"single export requires a video id")
	}

	// The worker re-validates, but a missing project or video should fail
	// the request, not a job the caller already believes accepted.
	p, err := o.store.Load(req.ProjectName)
	if err != nil {
		return nil, err
	}
	if req.ExportType == render.ExportSingle && p.VideoByID(req.VideoID) == nil {
		return nil, render.Errorf(render.KindInvalidInput, op,
			"video %q not in project %q", req.VideoID, req.ProjectName)
	}

	job := models.ExportJob{
		ProjectName: req.ProjectName,
		Type:        req.ExportType,
		VideoID:     req.VideoID,
		Quality:     req.Quality,
		Tier:        req.Tier,
		Status:      render.JobQueued,
		Message:     "Queued",
		OutputPath:  o.buildOutputPath(req),
	}
	if err := o.repo.Create(ctx, &job); err != nil {
		return nil, err
	}
	id := job.ID.String()

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		job.MarkFailed(ErrShuttingDown)
		o.persist(&job)
		return nil, render.E(render.KindBusy, op, ErrShuttingDown)
	}
	st := &jobState{id: id, req: req, job: job}
	o.jobs[id] = st
	if o.running < o.maxConcurrent() {
		o.running++
		o.wg.Add(1)
		go o.runJob(id)
	} else {
		o.queue = append(o.queue, id)
	}
	depth := len(o.queue)
	o.mu.Unlock()

	o.log.Info("export queued",
		slog.String("job_id", id),
		slog.String("project", req.ProjectName),
		slog.String("type", string(req.ExportType)),
		slog.String("quality", string(req.Quality)),
		slog.Int("queue_depth", depth))

	return &StartResult{Job: job, BGMTracks: bgmTrackPaths(p, req.BGMPath)}, nil
}

// Get returns a snapshot of one job: from memory while the orchestrator
// still tracks it, from the database afterwards.
func (o *Service) Get(ctx context.Context, id string) (*models.ExportJob, error) {
	o.mu.Lock()
	if st, ok := o.jobs[id]; ok {
		job := st.job
		o.mu.Unlock()
		return &job, nil
	}
	o.mu.Unlock()
	return o.lookup(ctx, id)
}

// Recent returns the newest jobs, freshest first. Every state change is
// persisted as it happens, so the database view is current.
func (o *Service) Recent(ctx context.Context, limit int) ([]*models.ExportJob, error) {
	return o.repo.GetRecent(ctx, limit)
}

// Counts reports how many exports are rendering and how many wait queued.
func (o *Service) Counts() (running, queued int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running, len(o.queue)
}

// Subscribe attaches to a job's event stream. The returned snapshot
// reflects the job at attach time; later events arrive on the subscriber
// channel in worker emission order. History is not replayed. For jobs
// that already finished the channel comes back closed.
func (o *Service) Subscribe(ctx context.Context, id string) (*models.ExportJob, *Subscriber, error) {
	// Attach before snapshotting so no event falls between the two.
	// Events that precede the snapshot are harmless duplicates.
	sub := o.hub.Subscribe(id)
	job, err := o.Get(ctx, id)
	if err != nil {
		o.hub.Unsubscribe(sub)
		return nil, nil, err
	}
	if job.IsFinished() {
		o.hub.Unsubscribe(sub)
	}
	return job, sub, nil
}

// Unsubscribe detaches a subscriber obtained from Subscribe. Safe to call
// after the job finished and its channels were closed.
func (o *Service) Unsubscribe(sub *Subscriber) {
	o.hub.Unsubscribe(sub)
}

// Cancel terminates a job. Queued jobs fail immediately; for running
// workers the group gets SIGTERM, the grace period, then SIGKILL. Either
// way the job ends failed with reason "Cancelled by user".
func (o *Service) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	st, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		if _, err := o.lookup(ctx, id); err != nil {
			return err
		}
		// only finished jobs live solely in the database
		return ErrJobFinished
	}
	if st.finalized || st.job.IsFinished() {
		o.mu.Unlock()
		return ErrJobFinished
	}
	st.cancelled = true
	proc := st.proc
	if proc == nil {
		for i, qid := range o.queue {
			if qid == id {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				break
			}
		}
		o.mu.Unlock()
		ev := errorEvent(cancelReason)
		o.finalize(id, failWith(errors.New(cancelReason)), &ev)
		o.log.Info("queued export cancelled", slog.String("job_id", id))
		return nil
	}
	pid := proc.Pid
	o.mu.Unlock()

	o.log.Info("cancelling export", slog.String("job_id", id), slog.Int("pid", pid))
	_ = util.KillProcessGroup(pid, syscall.SIGTERM)
	grace := o.cfg.Worker.StopGracePeriod
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	go func() {
		time.Sleep(grace)
		if util.ProcessAlive(pid) {
			_ = util.KillProcessGroup(pid, syscall.SIGKILL)
		}
	}()
	return nil
}

// Shutdown refuses new work, terminates running workers, and waits for
// their goroutines until ctx expires. Jobs killed here are left for
// RecoverStale to fail on the next boot.
func (o *Service) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.queue = nil
	var pids []int
	for _, st := range o.jobs {
		if st.proc != nil && !st.finalized {
			pids = append(pids, st.proc.Pid)
		}
	}
	o.mu.Unlock()

	close(o.stopCleanup)
	for _, pid := range pids {
		_ = util.KillProcessGroup(pid, syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, pid := range pids {
			if util.ProcessAlive(pid) {
				_ = util.KillProcessGroup(pid, syscall.SIGKILL)
			}
		}
		return ctx.Err()
	}
}

// runJob renders one job, then pulls the next queued job into the freed
// slot.
func (o *Service) runJob(id string) {
	defer o.wg.Done()
	o.render(id)

	o.mu.Lock()
	o.running--
	var next string
	if !o.closed && len(o.queue) > 0 {
		next = o.queue[0]
		o.queue = o.queue[1:]
		o.running++
		o.wg.Add(1)
	}
	o.mu.Unlock()
	if next != "" {
		go o.runJob(next)
	}
}

// render runs one job's worker process from spawn to terminal state.
func (o *Service) render(id string) {
	o.mu.Lock()
	st, ok := o.jobs[id]
	if !ok || st.cancelled || st.finalized {
		o.mu.Unlock()
		return
	}
	req := st.req
	outputPath := st.job.OutputPath
	o.mu.Unlock()

	bin, err := o.workerBinary()
	if err != nil {
		ev := errorEvent(err.Error())
		o.finalize(id, failWith(err), &ev)
		return
	}

	logPath, logFile := o.openWorkerLog(id)

	cmd := exec.Command(bin, workerArgs(req, outputPath)...)
	cmd.Env = append(os.Environ(), worker.EnvJobID+"="+id)
	if logFile != nil {
		cmd.Stderr = logFile
		defer logFile.Close()
	}
	util.OwnProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		ev := errorEvent(err.Error())
		o.finalize(id, failWith(err), &ev)
		return
	}
	if err := cmd.Start(); err != nil {
		err = render.Errorf(render.KindToolchainFailure, "orchestrator.spawn",
			"starting worker: %v", err)
		ev := errorEvent(err.Error())
		o.finalize(id, failWith(err), &ev)
		return
	}

	pid := cmd.Process.Pid
	o.mu.Lock()
	st.proc = cmd.Process
	cancelledEarly := st.cancelled
	if !cancelledEarly {
		st.job.MarkProcessing(pid)
		st.job.WorkerLog = logPath
	}
	snapshot := st.job
	o.mu.Unlock()

	if cancelledEarly {
		// Cancel raced the spawn and already finalized the job.
		_ = util.KillProcessGroup(pid, syscall.SIGKILL)
	} else {
		o.persist(&snapshot)
		o.log.Info("worker started",
			slog.String("job_id", id),
			slog.Int("pid", pid),
			slog.String("binary", bin))
	}

	timedOut := o.consume(st, stdout)
	waitErr := cmd.Wait()

	o.mu.Lock()
	cancelled := st.cancelled
	lastError := st.lastError
	o.mu.Unlock()

	switch {
	case cancelled:
		ev := errorEvent(cancelReason)
		o.finalize(id, failWith(errors.New(cancelReason)), &ev)
		o.log.Info("export cancelled", slog.String("job_id", id))
	case timedOut:
		msg := fmt.Sprintf("worker produced no output for %s, killed", o.inactivityTimeout())
		ev := errorEvent(msg)
		o.finalize(id, failWith(errors.New(msg)), &ev)
		o.log.Error("export timed out", slog.String("job_id", id))
	case waitErr != nil:
		msg := lastError
		var ev *WorkerEvent
		if msg == "" {
			// worker died without reporting; subscribers still need to hear
			msg = fmt.Sprintf("worker exited: %v", waitErr)
			e := errorEvent(msg)
			ev = &e
		}
		o.finalize(id, failWith(errors.New(msg)), ev)
		o.log.Error("export failed",
			slog.String("job_id", id),
			slog.String("error", msg))
	default:
		var size int64
		if info, err := os.Stat(outputPath); err == nil {
			size = info.Size()
		} else {
			o.log.Warn("completed export output missing",
				slog.String("job_id", id),
				slog.String("path", outputPath))
		}
		o.finalize(id, func(j *models.ExportJob) { j.MarkCompleted(outputPath, size) }, nil)
		o.log.Info("export completed",
			slog.String("job_id", id),
			slog.String("output", outputPath),
			slog.Int64("size", size))
	}
}

// consume relays worker stdout records until the pipe closes or the
// inactivity timeout fires; the timer restarts on every line. Returns
// true when the worker was killed for inactivity.
func (o *Service) consume(st *jobState, stdout io.Reader) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	timeout := o.inactivityTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
			o.handleRecord(st, line)
		case <-timer.C:
			o.mu.Lock()
			pid := 0
			if st.proc != nil {
				pid = st.proc.Pid
			}
			o.mu.Unlock()
			o.log.Warn("worker stdout inactive, killing",
				slog.String("job_id", st.id),
				slog.Duration("timeout", timeout))
			if pid > 0 {
				_ = util.KillProcessGroup(pid, syscall.SIGKILL)
			}
			for range lines {
			}
			return true
		}
	}
}

// handleRecord stores one worker record into job state and the database,
// then broadcasts it. Unparseable lines are logged and skipped.
func (o *Service) handleRecord(st *jobState, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	ev, err := parseEvent([]byte(line))
	if err != nil {
		o.log.Warn("unparseable worker record",
			slog.String("job_id", st.id),
			slog.String("line", truncate(line, 200)))
		return
	}

	o.mu.Lock()
	if st.finalized {
		o.mu.Unlock()
		return
	}
	switch ev.Type {
	case eventProgress:
		st.job.SetProgress(ev.Stage, int(math.Round(ev.Progress)), ev.Message)
	case eventError:
		st.lastError = ev.Message
		st.job.Message = ev.Message
	}
	snapshot := st.job
	o.mu.Unlock()

	o.persist(&snapshot)
	o.hub.Broadcast(st.id, ev)
}

// finalize moves a job to its terminal state exactly once: applies fn,
// persists, optionally broadcasts a last event, closes subscribers.
func (o *Service) finalize(id string, fn func(*models.ExportJob), ev *WorkerEvent) {
	o.mu.Lock()
	st, ok := o.jobs[id]
	if !ok || st.finalized {
		o.mu.Unlock()
		return
	}
	st.finalized = true
	fn(&st.job)
	snapshot := st.job
	o.mu.Unlock()

	o.persist(&snapshot)
	if ev != nil {
		o.hub.Broadcast(id, *ev)
	}
	o.hub.CloseJob(id)
}

// persist writes the job snapshot to the database. Failures are logged;
// in-memory state stays authoritative while the server runs.
func (o *Service) persist(job *models.ExportJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.repo.Update(ctx, job); err != nil {
		o.log.Error("persisting export job",
			slog.String("job_id", job.ID.String()),
			slog.String("error", err.Error()))
	}
}

// lookup fetches a job from the database by its string id.
func (o *Service) lookup(ctx context.Context, id string) (*models.ExportJob, error) {
	uid, err := models.ParseULID(id)
	if err != nil {
		return nil, ErrJobNotFound
	}
	job, err := o.repo.GetByID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// workerBinary resolves the renderd-worker executable: configured path,
// then next to the server binary, then the usual search.
func (o *Service) workerBinary() (string, error) {
	if p := o.cfg.Worker.BinaryPath; p != "" {
		return p, nil
	}
	if exe, err := os.Executable(); err == nil {
		adjacent := filepath.Join(filepath.Dir(exe), workerBinaryName)
		if _, err := os.Stat(adjacent); err == nil {
			return adjacent, nil
		}
	}
	return util.FindBinary(workerBinaryName, envWorkerBinary)
}

// openWorkerLog creates the stderr log file for a job. When it cannot be
// created the worker's stderr is discarded rather than failing the job.
func (o *Service) openWorkerLog(id string) (string, *os.File) {
	dir := o.cfg.Storage.LogsPath()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.log.Warn("creating worker log directory",
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		return "", nil
	}
	path := filepath.Join(dir, "export_"+id+".log")
	f, err := os.Create(path)
	if err != nil {
		o.log.Warn("creating worker log file",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return "", nil
	}
	return path, f
}

// buildOutputPath merges the configured output directory with the
// request's overrides, sanitizing anything user-supplied.
func (o *Service) buildOutputPath(req StartRequest) string {
	dir := o.cfg.Storage.OutputPath()
	if req.OutputDir != "" {
		dir = filepath.Clean(req.OutputDir)
	}
	name := sanitizeFilename(req.OutputFilename)
	if name == "" {
		stamp := time.Now().Format("20060102_150405")
		base := sanitizeFilename(req.ProjectName)
		if req.ExportType == render.ExportSingle {
			name = fmt.Sprintf("%s_%s_%s", base, sanitizeFilename(req.VideoID), stamp)
		} else {
			name = fmt.Sprintf("%s_combined_%s", base, stamp)
		}
	}
	if !strings.HasSuffix(strings.ToLower(name), outputExt) {
		name += outputExt
	}
	return filepath.Join(dir, name)
}

func (o *Service) maxConcurrent() int {
	if n := o.cfg.Render.MaxConcurrentJobs; n > 0 {
		return n
	}
	return 2
}

func (o *Service) inactivityTimeout() time.Duration {
	if d := o.cfg.Worker.InactivityTimeout; d > 0 {
		return d
	}
	return time.Hour
}

// cleanupLoop prunes finished jobs from memory once they are old enough.
func (o *Service) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.pruneFinished()
		case <-o.stopCleanup:
			return
		}
	}
}

func (o *Service) pruneFinished() {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := time.Now().Add(-finishedRetention)
	var removed int
	for id, st := range o.jobs {
		if st.finalized && st.job.CompletedAt != nil && st.job.CompletedAt.Before(cutoff) {
			delete(o.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		o.log.Debug("pruned finished jobs from memory", slog.Int("count", removed))
	}
}

// workerArgs builds the worker's positional argv.
func workerArgs(req StartRequest, outputPath string) []string {
	videoID := req.VideoID
	if videoID == "" {
		videoID = noneArg
	}
	bgm := req.BGMPath
	if bgm == "" {
		bgm = noneArg
	}
	return []string{
		req.ProjectName,
		outputPath,
		string(req.Quality),
		strconv.FormatBool(req.IncludeSubtitles),
		string(req.ExportType),
		videoID,
		bgm,
		string(req.Tier),
	}
}

// bgmTrackPaths lists the music the export will carry: the override path
// when one was supplied, otherwise the project's own tracks.
func bgmTrackPaths(p *project.Project, override string) []string {
	if override != "" {
		return []string{override}
	}
	paths := make([]string, 0, len(p.BgmTracks))
	for _, t := range p.BgmTracks {
		paths = append(paths, t.Path)
	}
	return paths
}

// sanitizeFilename reduces a user-supplied filename to a safe single path
// element: directories stripped, disallowed runes replaced, leading dots
// removed. Returns "" when nothing usable remains.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

func failWith(err error) func(*models.ExportJob) {
	return func(j *models.ExportJob) { j.MarkFailed(err) }
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
