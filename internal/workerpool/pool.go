// Package workerpool runs render tasks on a fixed set of workers with
// three priority tiers, per-task futures and ordered batch results.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"runtime/metrics"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/vtcast/internal/observability"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	// ErrQueueFull is returned when a task is submitted while the queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")

	// ErrPoolClosed is returned for submissions after shutdown and for tasks
	// still pending when shutdown begins.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrNotStarted is returned when submitting to a pool that has not been started.
	ErrNotStarted = errors.New("worker pool not started")

	// ErrInvalidTask is returned for malformed tasks. It is never retried.
	ErrInvalidTask = errors.New("invalid task")

	// ErrWorkerCrashed is returned when a task kept crashing its worker.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrTaskTimeout is returned when a task exceeds the task timeout.
	ErrTaskTimeout = errors.New("task timed out")
)

// Config configures a Pool.
type Config struct {
	MinWorkers int
	MaxWorkers int
	// QueueSize bounds the number of tasks waiting for a worker across all tiers.
	// Submissions beyond it are rejected with ErrQueueFull.
	QueueSize   int
	TaskTimeout time.Duration
	// MaxRetries is how many times a task is re-queued after crashing its worker.
	MaxRetries      int
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:      2,
		MaxWorkers:      8,
		QueueSize:       100,
		TaskTimeout:     5 * time.Second,
		MaxRetries:      2,
		ShutdownTimeout: 5 * time.Second,
	}
}

// WorkerRecord is a snapshot of one worker's counters.
type WorkerRecord struct {
	ID        string        `json:"id"`
	Busy      bool          `json:"busy"`
	Processed uint64        `json:"processed"`
	Errors    uint64        `json:"errors"`
	TotalTime time.Duration `json:"total_time"`
	LastError string        `json:"last_error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
}

// PriorityStats breaks queue activity down for one tier.
type PriorityStats struct {
	Pending   int    `json:"pending"`
	Processed uint64 `json:"processed"`
}

// Metrics is a snapshot of pool state.
type Metrics struct {
	Workers               int                      `json:"workers"`
	ActiveWorkers         int                      `json:"active_workers"`
	PendingTasks          int                      `json:"pending_tasks"`
	AverageProcessingTime time.Duration            `json:"average_processing_time"`
	TasksByPriority       map[string]PriorityStats `json:"tasks_by_priority"`
	MemoryUsage           uint64                   `json:"memory_usage"`
	TotalProcessed        uint64                   `json:"total_processed"`
	TotalErrors           uint64                   `json:"total_errors"`
	Rejected              uint64                   `json:"rejected"`
	WorkerCrashes         uint64                   `json:"worker_crashes"`
	WorkerRecords         []WorkerRecord           `json:"worker_records"`
}

type future struct {
	done chan Result
	once sync.Once
}

func newFuture() *future {
	return &future{done: make(chan Result, 1)}
}

func (f *future) resolve(r Result) {
	f.once.Do(func() {
		f.done <- r
	})
}

type job struct {
	task     *Task
	fut      *future
	attempts int
}

type worker struct {
	record WorkerRecord
	job    *job
}

// Pool executes tasks with a Processor on a fixed number of workers.
type Pool struct {
	cfg       Config
	processor Processor
	logger    *slog.Logger
	metrics   *observability.Metrics
	self      *process.Process

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool

	mu      sync.Mutex
	cond    *sync.Cond
	queues  [numPriorities][]*job
	pending int
	closed  bool
	size    int
	workers map[string]*worker

	processedByPriority [numPriorities]uint64
	totalProcessed      uint64
	totalErrors         uint64
	rejected            uint64
	crashes             uint64
	retiredTime         time.Duration
	retiredProcessed    uint64
}

// New creates a Pool. Call Start before submitting tasks.
func New(cfg Config, processor Processor, logger *slog.Logger, m *observability.Metrics) *Pool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if m == nil {
		m = observability.NewMetrics()
	}

	p := &Pool{
		cfg:       cfg,
		processor: processor,
		logger:    observability.WithComponent(logger, "workerpool"),
		metrics:   m,
		workers:   make(map[string]*worker),
	}
	p.cond = sync.NewCond(&p.mu)
	if self, err := process.NewProcess(int32(os.Getpid())); err == nil {
		p.self = self
	}
	return p
}

// Size returns the number of workers derived from host cores and the configured bounds.
func (p *Pool) Size() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if n < p.cfg.MinWorkers {
		n = p.cfg.MinWorkers
	}
	if n > p.cfg.MaxWorkers {
		n = p.cfg.MaxWorkers
	}
	return n
}

// Start spawns the workers. It returns an error if called twice.
func (p *Pool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("worker pool already started")
	}

	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))

	p.mu.Lock()
	p.size = p.Size()
	for i := 0; i < p.size; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.logger.Info("worker pool started",
		slog.Int("workers", p.size),
		slog.Int("queue_size", p.cfg.QueueSize),
	)
	return nil
}

// spawnLocked starts a new worker. p.mu must be held.
func (p *Pool) spawnLocked() {
	id := uuid.NewString()[:8]
	p.workers[id] = &worker{record: WorkerRecord{ID: id, StartedAt: time.Now()}}
	p.wg.Add(1)
	go p.runWorker(id)
}

// Submit enqueues task and returns a channel that receives exactly one Result.
// When the queue is full the task is rejected with ErrQueueFull.
func (p *Pool) Submit(task *Task) (<-chan Result, error) {
	if err := validate(task); err != nil {
		return nil, err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if !p.started.Load() {
		return nil, ErrNotStarted
	}
	if p.pending >= p.cfg.QueueSize {
		p.rejected++
		p.metrics.IncTasksRejected()
		return nil, fmt.Errorf("%w: %d tasks pending", ErrQueueFull, p.pending)
	}

	j := &job{task: task, fut: newFuture()}
	p.queues[task.Priority] = append(p.queues[task.Priority], j)
	p.pending++
	p.cond.Signal()
	return j.fut.done, nil
}

// ProcessTask submits task and waits for its result.
func (p *Pool) ProcessTask(ctx context.Context, task *Task) (Result, error) {
	ch, err := p.Submit(task)
	if err != nil {
		if task == nil {
			return Result{Kind: ResultError, Err: err}, err
		}
		return errorResult(task, err), err
	}

	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return errorResult(task, ctx.Err()), ctx.Err()
	}
}

// ProcessBatch submits every task and returns their results in submission order.
// Tasks that cannot be queued produce error results in their slot.
func (p *Pool) ProcessBatch(ctx context.Context, tasks []*Task) []Result {
	batchID := uuid.NewString()
	results := make([]Result, len(tasks))
	futures := make([]<-chan Result, len(tasks))

	for i, task := range tasks {
		if task == nil {
			results[i] = Result{Kind: ResultError, Err: ErrInvalidTask, Metadata: Metadata{BatchID: batchID}}
			continue
		}
		if task.BatchID == "" {
			task.BatchID = batchID
		}
		ch, err := p.Submit(task)
		if err != nil {
			results[i] = errorResult(task, err)
			continue
		}
		futures[i] = ch
	}

	for i, ch := range futures {
		if ch == nil {
			continue
		}
		select {
		case results[i] = <-ch:
		case <-ctx.Done():
			results[i] = errorResult(tasks[i], ctx.Err())
		}
	}
	return results
}

func validate(task *Task) error {
	if task == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if !task.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTask, task.Kind)
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidTask, task.Priority)
	}
	if task.Payload.Width <= 0 || task.Payload.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidTask, task.Payload.Width, task.Payload.Height)
	}
	return nil
}

// next blocks until a job is available for worker id. It returns false once
// the pool is closed.
func (p *Pool) next(id string) (*job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			return nil, false
		}
		for prio := range p.queues {
			if len(p.queues[prio]) == 0 {
				continue
			}
			j := p.queues[prio][0]
			p.queues[prio][0] = nil
			p.queues[prio] = p.queues[prio][1:]
			p.pending--
			if w, ok := p.workers[id]; ok {
				w.record.Busy = true
				w.job = j
			}
			return j, true
		}
		p.cond.Wait()
	}
}

func (p *Pool) runWorker(id string) {
	defer p.wg.Done()
	for {
		j, ok := p.next(id)
		if !ok {
			return
		}
		if crashed := p.execute(id, j); crashed {
			return
		}
	}
}

// execute runs one job and reports whether the worker crashed.
func (p *Pool) execute(workerID string, j *job) bool {
	j.attempts++

	ctx := p.ctx
	var cancel context.CancelFunc = func() {}
	if p.cfg.TaskTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		timer := time.AfterFunc(p.cfg.TaskTimeout, func() {
			j.fut.resolve(errorResult(j.task, fmt.Errorf("%w after %s", ErrTaskTimeout, p.cfg.TaskTimeout)))
		})
		defer timer.Stop()
	}
	defer cancel()

	memBefore := heapAllocBytes()
	start := time.Now()
	buf, panicValue, err := invoke(ctx, p.processor, j.task)
	duration := time.Since(start)
	memDelta := int64(heapAllocBytes()) - int64(memBefore)

	if panicValue != nil {
		p.handleCrash(workerID, j, panicValue)
		return true
	}

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrTaskTimeout, err)
	}

	result := Result{
		TaskID: j.task.ID,
		Kind:   ResultRendered,
		Buffer: buf,
		Err:    err,
		Metadata: Metadata{
			Duration:    duration,
			MemoryDelta: memDelta,
			Priority:    j.task.Priority,
			WorkerID:    workerID,
			Attempts:    j.attempts,
			BatchID:     j.task.BatchID,
		},
	}
	if err != nil {
		result.Kind = ResultError
		result.Buffer = nil
	}

	p.mu.Lock()
	if w, ok := p.workers[workerID]; ok {
		w.record.Busy = false
		w.job = nil
		w.record.Processed++
		w.record.TotalTime += duration
		if err != nil {
			w.record.Errors++
			w.record.LastError = err.Error()
		}
	}
	p.processedByPriority[j.task.Priority]++
	p.totalProcessed++
	if err != nil {
		p.totalErrors++
	}
	p.mu.Unlock()

	p.metrics.ObserveTask(string(j.task.Kind), duration)
	j.fut.resolve(result)
	return false
}

func invoke(ctx context.Context, proc Processor, task *Task) (buf []byte, panicValue any, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicValue = r
		}
	}()
	buf, err = proc.Process(ctx, task)
	return buf, nil, err
}

// handleCrash retires the crashed worker, re-queues or fails its job and
// spawns a replacement.
func (p *Pool) handleCrash(workerID string, j *job, panicValue any) {
	crashErr := fmt.Errorf("%w: %v", ErrWorkerCrashed, panicValue)

	p.mu.Lock()
	if w, ok := p.workers[workerID]; ok {
		p.retiredTime += w.record.TotalTime
		p.retiredProcessed += w.record.Processed
		delete(p.workers, workerID)
	}
	p.crashes++
	retry := !p.closed && j.attempts <= p.cfg.MaxRetries
	if retry {
		prio := j.task.Priority
		p.queues[prio] = append([]*job{j}, p.queues[prio]...)
		p.pending++
	} else {
		p.totalProcessed++
		p.totalErrors++
	}
	if !p.closed {
		p.spawnLocked()
	}
	p.cond.Signal()
	p.mu.Unlock()

	p.metrics.IncWorkerCrashes()
	p.logger.Error("worker crashed",
		slog.String("worker_id", workerID),
		slog.String("task_id", j.task.ID),
		slog.Int("attempt", j.attempts),
		slog.Bool("retrying", retry),
		slog.String("error", crashErr.Error()),
	)

	if !retry {
		r := errorResult(j.task, crashErr)
		r.Metadata.Attempts = j.attempts
		r.Metadata.WorkerID = workerID
		j.fut.resolve(r)
	}
}

// Metrics returns a snapshot of pool counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	m := Metrics{
		Workers:         len(p.workers),
		PendingTasks:    p.pending,
		TasksByPriority: make(map[string]PriorityStats, numPriorities),
		TotalProcessed:  p.totalProcessed,
		TotalErrors:     p.totalErrors,
		Rejected:        p.rejected,
		WorkerCrashes:   p.crashes,
		WorkerRecords:   make([]WorkerRecord, 0, len(p.workers)),
	}
	totalTime := p.retiredTime
	processed := p.retiredProcessed
	for _, w := range p.workers {
		if w.record.Busy {
			m.ActiveWorkers++
		}
		totalTime += w.record.TotalTime
		processed += w.record.Processed
		m.WorkerRecords = append(m.WorkerRecords, w.record)
	}
	for prio := Priority(0); prio < numPriorities; prio++ {
		m.TasksByPriority[prio.String()] = PriorityStats{
			Pending:   len(p.queues[prio]),
			Processed: p.processedByPriority[prio],
		}
	}
	p.mu.Unlock()

	if processed > 0 {
		m.AverageProcessingTime = totalTime / time.Duration(processed)
	}
	if p.self != nil {
		if mem, err := p.self.MemoryInfo(); err == nil {
			m.MemoryUsage = mem.RSS
		}
	}
	return m
}

// PublishMetrics copies the current snapshot into the Prometheus gauges.
func (p *Pool) PublishMetrics() {
	m := p.Metrics()
	byPriority := make(map[string]int, len(m.TasksByPriority))
	for name, s := range m.TasksByPriority {
		byPriority[name] = s.Pending
	}
	p.metrics.SetPool(observability.PoolSnapshot{
		Workers:               m.Workers,
		BusyWorkers:           m.ActiveWorkers,
		QueueDepth:            m.PendingTasks,
		QueueByPriority:       byPriority,
		AverageProcessingTime: m.AverageProcessingTime,
	})
}

// Shutdown stops accepting work, fails pending tasks with ErrPoolClosed and
// waits for in-flight tasks up to the shutdown timeout before abandoning them.
// It is safe to call more than once.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var queued []*job
	for prio := range p.queues {
		queued = append(queued, p.queues[prio]...)
		p.queues[prio] = nil
	}
	p.pending = 0
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, j := range queued {
		j.fut.resolve(errorResult(j.task, ErrPoolClosed))
	}

	if !p.started.Load() {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := p.cfg.ShutdownTimeout
	if grace <= 0 {
		grace = DefaultConfig().ShutdownTimeout
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("worker pool shutdown: %w", context.DeadlineExceeded)
	case <-ctx.Done():
		err = fmt.Errorf("worker pool shutdown: %w", ctx.Err())
	}
	p.cancel()

	if err != nil {
		p.mu.Lock()
		for _, w := range p.workers {
			if w.job != nil {
				w.job.fut.resolve(errorResult(w.job.task, ErrPoolClosed))
			}
		}
		p.mu.Unlock()
		p.logger.Warn("worker pool stopped with tasks in flight", slog.String("error", err.Error()))
		return err
	}

	p.logger.Info("worker pool stopped", slog.Uint64("processed", p.Metrics().TotalProcessed))
	return nil
}

var heapSample = []metrics.Sample{{Name: "/gc/heap/allocs:bytes"}}
var heapSampleMu sync.Mutex

// heapAllocBytes returns the cumulative bytes allocated on the heap.
func heapAllocBytes() uint64 {
	heapSampleMu.Lock()
	defer heapSampleMu.Unlock()
	metrics.Read(heapSample)
	if heapSample[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return heapSample[0].Value.Uint64()
}
