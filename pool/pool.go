// Package pool implements the Supervisor: the fixed-size Worker table,
// the dispatch policy, the admission queue, and crash recovery.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jupark12/ocr-supervisor/ocrerr"
	"github.com/jupark12/ocr-supervisor/queue"
	"github.com/jupark12/ocr-supervisor/worker"
)

// Config carries the pool-wide settings the Supervisor needs. It mirrors
// config.Config's relevant fields directly so this package does not
// depend on the config package.
type Config struct {
	WorkerCount        int
	WorkerBin          string
	QueueMaxSize       int
	OCRTimeout         time.Duration
	WorkerReadyTimeout time.Duration
	CrashCooldown      time.Duration
}

type slot struct {
	w     *worker.Worker
	ready bool
	busy  bool
}

// Pool is the Supervisor. One coarse mutex covers the Worker table, the
// queue, and the restart set; it is never held across blocking I/O or
// child-process calls.
type Pool struct {
	cfg Config
	log *zap.SugaredLogger

	mu         sync.Mutex
	slots      []*slot
	queue      *queue.Queue
	restarting map[int]bool
}

// New constructs a Pool. Workers are not spawned until Init is called.
func New(cfg Config, log *zap.SugaredLogger) *Pool {
	p := &Pool{
		cfg:        cfg,
		log:        log,
		queue:      queue.New(cfg.QueueMaxSize),
		restarting: make(map[int]bool),
	}
	p.slots = make([]*slot, cfg.WorkerCount)
	for i := range p.slots {
		p.slots[i] = &slot{w: worker.New(i, cfg.WorkerBin, cfg.WorkerReadyTimeout, cfg.OCRTimeout, p, log)}
	}
	return p
}

// Init starts every Worker concurrently and returns as soon as at least
// one reaches readiness. If every Worker fails to start, it returns a
// fatal-startup error so the host can refuse to serve.
func (p *Pool) Init(ctx context.Context) error {
	anyReady := make(chan struct{})
	var readyOnce sync.Once

	g, _ := errgroup.WithContext(ctx)
	for _, s := range p.slots {
		s := s
		g.Go(func() error {
			err := s.w.Start()
			p.mu.Lock()
			s.ready = err == nil
			p.mu.Unlock()
			if err == nil {
				readyOnce.Do(func() { close(anyReady) })
			} else {
				p.log.Warnw("worker failed to start during init", "worker_id", s.w.ID, "err", err)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-anyReady:
		return nil
	case <-done:
		select {
		case <-anyReady:
			return nil
		default:
			return ocrerr.New(ocrerr.KindFatalStartup, "no worker reached readiness")
		}
	case <-ctx.Done():
		return ocrerr.Wrap(ocrerr.KindFatalStartup, ctx.Err())
	}
}

// Run submits one PDF for OCR, dispatching immediately to a free Worker
// or enqueueing if all Workers are busy/unready and the queue has spare
// capacity. It blocks until the job completes, fails, or is rejected.
func (p *Pool) Run(ctx context.Context, pdfPath, clientRequestID string) (string, *int, error) {
	p.mu.Lock()
	if idx := p.firstFreeLocked(); idx >= 0 {
		p.slots[idx].busy = true
		p.mu.Unlock()
		return p.dispatchLive(idx, pdfPath)
	}

	if p.queue.Full() {
		p.mu.Unlock()
		return "", nil, ocrerr.New(ocrerr.KindOverloaded, "queue at capacity")
	}

	entry := queue.NewEntry(pdfPath, clientRequestID)
	entry.SetTimer(time.AfterFunc(p.cfg.OCRTimeout, func() { p.expireQueueEntry(entry) }))
	p.queue.PushBack(entry)
	p.mu.Unlock()

	text, pageCount, err := entry.Wait()
	return text, pageCount, err
}

// firstFreeLocked returns the lowest id with ready ∧ ¬busy, or -1. Caller
// must hold p.mu.
func (p *Pool) firstFreeLocked() int {
	for i, s := range p.slots {
		if s.ready && !s.busy {
			return i
		}
	}
	return -1
}

// dispatchLive runs the OCR job on an already-claimed, unlocked slot.
func (p *Pool) dispatchLive(idx int, pdfPath string) (string, *int, error) {
	text, pageCount, err := p.slots[idx].w.Execute(pdfPath)
	return text, pageCount, err
}

func (p *Pool) expireQueueEntry(e *queue.Entry) {
	p.mu.Lock()
	removed := p.queue.Remove(e)
	p.mu.Unlock()
	if !removed {
		// Already popped for dispatch; the dispatch path owns resolution.
		return
	}
	e.Resolve("", nil, ocrerr.New(ocrerr.KindQueuedTooLong, "dequeue timeout elapsed"))
}

// OnFree implements worker.Notifier. It is called by a Worker once it
// finishes a job (success or its own job-timeout).
func (p *Pool) OnFree(workerID int) {
	p.mu.Lock()
	p.slots[workerID].busy = false

	if p.queue.Len() == 0 || !p.slots[workerID].ready {
		p.mu.Unlock()
		return
	}

	entry := p.queue.PopFront()
	p.slots[workerID].busy = true
	p.mu.Unlock()

	entry.StopTimer()
	go p.runQueuedEntry(workerID, entry)
}

// runQueuedEntry dispatches a popped queue entry to workerID outside the
// pool lock. If the worker turns out to have crashed in the interim (the
// write to its stdin fails), the entry is pushed back to the queue head
// instead of being failed, preserving FIFO order for the jobs behind it.
func (p *Pool) runQueuedEntry(workerID int, entry *queue.Entry) {
	text, pageCount, err := p.slots[workerID].w.Execute(entry.PDFPath)

	if errors.Is(err, worker.ErrDispatchFailed) {
		// Dispatch attempt itself failed (stdin broken), not a job that
		// ran and then crashed mid-flight. Requeue rather than fail it.
		p.mu.Lock()
		p.slots[workerID].busy = false
		p.queue.PushFront(entry)
		entry.SetTimer(time.AfterFunc(p.cfg.OCRTimeout, func() { p.expireQueueEntry(entry) }))
		p.mu.Unlock()
		return
	}

	entry.Resolve(text, pageCount, err)
}

// OnCrash implements worker.Notifier. Idempotent per worker id: a crash
// observed while that id is already being restarted is ignored.
func (p *Pool) OnCrash(workerID int, exitCode int) {
	p.mu.Lock()
	p.slots[workerID].ready = false
	p.slots[workerID].busy = false
	if p.restarting[workerID] {
		p.mu.Unlock()
		return
	}
	p.restarting[workerID] = true
	p.mu.Unlock()

	p.log.Warnw("worker crashed, scheduling restart", "worker_id", workerID, "exit_code", exitCode, "cooldown", p.cfg.CrashCooldown)

	go func() {
		time.Sleep(p.cfg.CrashCooldown)
		err := p.slots[workerID].w.Start()

		p.mu.Lock()
		p.slots[workerID].ready = err == nil
		delete(p.restarting, workerID)
		p.mu.Unlock()

		if err != nil {
			p.log.Errorw("worker restart failed", "worker_id", workerID, "err", err)
			return
		}

		p.log.Infow("worker restarted", "worker_id", workerID)
		p.drainQueue()
	}()
}

// drainQueue services the admission queue against every idle, ready
// Worker until either the queue empties or no more Workers are free.
func (p *Pool) drainQueue() {
	for {
		p.mu.Lock()
		idx := p.firstFreeLocked()
		if idx < 0 || p.queue.Len() == 0 {
			p.mu.Unlock()
			return
		}
		entry := p.queue.PopFront()
		p.slots[idx].busy = true
		p.mu.Unlock()

		entry.StopTimer()
		go p.runQueuedEntry(idx, entry)
	}
}

// WorkerStat is one row of Stats' snapshot.
type WorkerStat struct {
	ID    int  `json:"id"`
	Ready bool `json:"ready"`
	Busy  bool `json:"busy"`
}

// Stats is the snapshot returned to the health endpoint.
type Stats struct {
	Workers    []WorkerStat `json:"workers"`
	QueueDepth int          `json:"queue_depth"`
	PoolReady  bool         `json:"pool_ready"`
}

// Stats returns a point-in-time snapshot of every Worker and the queue
// depth. The HTTP health endpoint does not use it: /healthz reads only
// PoolReady and QueueDepth, so per-worker rows are not served over HTTP.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Stats{Workers: make([]WorkerStat, len(p.slots)), QueueDepth: p.queue.Len()}
	for i, s := range p.slots {
		out.Workers[i] = WorkerStat{ID: i, Ready: s.ready, Busy: s.busy}
		if s.ready {
			out.PoolReady = true
		}
	}
	return out
}

// PoolReady reports whether at least one Worker is ready. It drives the
// HTTP health endpoint; Run does not consult it (with no ready Worker, a
// request is queued if there is room).
func (p *Pool) PoolReady() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.ready {
			return true
		}
	}
	return false
}

// QueueDepth reports the current admission queue length.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Shutdown kills every Worker's child process. Best-effort; failures are
// ignored since the process is exiting regardless.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	slots := append([]*slot(nil), p.slots...)
	p.mu.Unlock()
	for _, s := range slots {
		s.w.Kill()
	}
}
