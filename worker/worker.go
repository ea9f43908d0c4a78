// Package worker supervises a single long-lived OCR child process: its
// spawn, readiness handshake, request/response multiplexing over
// newline-delimited JSON, crash detection, and termination.
package worker

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jupark12/ocr-supervisor/ocrerr"
)

// ErrDispatchFailed means Execute could not even hand the request to the
// child (marshal or stdin-write failure), as distinct from a child that
// accepted the request and crashed before answering. The Supervisor uses
// this distinction to decide whether a queued job should be requeued at
// the head rather than failed outright.
var ErrDispatchFailed = errors.New("worker: dispatch failed before child accepted request")

// Notifier is the one-way capability a Worker uses to tell its owning
// Supervisor about free/crash events, without holding a back-pointer to
// the pool itself.
type Notifier interface {
	OnFree(workerID int)
	OnCrash(workerID int, exitCode int)
}

// pendingEntry tracks one outstanding request awaiting a response from
// the child process.
type pendingEntry struct {
	resultCh chan executeResult
	timer    *time.Timer
}

type executeResult struct {
	text      string
	pageCount *int
	err       error
}

// Worker owns one child OCR process for its full lifetime.
type Worker struct {
	ID           int
	binPath      string
	readyTimeout time.Duration
	jobTimeout   time.Duration
	notifier     Notifier
	log          *zap.SugaredLogger

	mu      sync.Mutex
	ready   bool
	busy    bool
	pending map[string]*pendingEntry
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	readyOnce sync.Once
	readyCh   chan error
}

// New constructs a Worker. The child is not spawned until Start is called.
func New(id int, binPath string, readyTimeout, jobTimeout time.Duration, notifier Notifier, log *zap.SugaredLogger) *Worker {
	return &Worker{
		ID:           id,
		binPath:      binPath,
		readyTimeout: readyTimeout,
		jobTimeout:   jobTimeout,
		notifier:     notifier,
		log:          log.With("worker_id", id),
		pending:      make(map[string]*pendingEntry),
	}
}

// IsReady reports whether the child has signalled readiness and has not
// exited since. It does not reflect whether a job is in flight.
func (w *Worker) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Start spawns the child process and blocks until it reports readiness,
// fails to start, exits early, or the ready-timeout elapses.
func (w *Worker) Start() error {
	w.mu.Lock()
	w.ready = false
	w.busy = false
	w.pending = make(map[string]*pendingEntry)
	w.readyOnce = sync.Once{}
	w.readyCh = make(chan error, 1)
	w.mu.Unlock()

	cmd := exec.Command(w.binPath)
	cmd.Env = append(os.Environ(),
		"PYTHONUNBUFFERED=1",
		"FLAGS_call_stack_level=2",
	)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return w.resolveReady(fmt.Errorf("worker %d: stdin pipe: %w", w.ID, err))
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return w.resolveReady(fmt.Errorf("worker %d: stdout pipe: %w", w.ID, err))
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return w.resolveReady(fmt.Errorf("worker %d: stderr pipe: %w", w.ID, err))
	}

	if err := cmd.Start(); err != nil {
		return w.resolveReady(fmt.Errorf("worker %d: spawn: %w", w.ID, err))
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdinPipe
	w.mu.Unlock()

	go w.pumpStderr(stderrPipe)
	go w.readLoop(stdoutPipe)
	go w.waitForExit()

	timer := time.NewTimer(w.readyTimeout)
	defer timer.Stop()

	select {
	case err := <-w.readyCh:
		return err
	case <-timer.C:
		w.forceKill()
		return w.resolveReady(fmt.Errorf("worker %d: ready timeout after %s", w.ID, w.readyTimeout))
	}
}

// resolveReady fires the one-shot readiness signal at most once. Later
// callers (e.g. a crash racing a timeout) are no-ops.
func (w *Worker) resolveReady(err error) error {
	w.readyOnce.Do(func() {
		w.mu.Lock()
		w.ready = err == nil
		w.mu.Unlock()
		w.readyCh <- err
	})
	return err
}

func (w *Worker) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		w.log.Infow("worker stderr", "line", scanner.Text())
	}
}

// readLoop consumes the child's stdout line by line for the life of the
// process. One line is either the readiness message or a response; any
// other shape is logged and discarded without disturbing pending jobs.
func (w *Worker) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 32<<20)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var probe map[string]json.RawMessage
		if err := json.Unmarshal(line, &probe); err != nil {
			w.log.Warnw("malformed worker output line, discarding", "line", string(line), "err", err)
			continue
		}

		if readyRaw, ok := probe["ready"]; ok {
			w.handleReadyLine(readyRaw, probe["error"])
			continue
		}

		idRaw, ok := probe["id"]
		if !ok {
			w.log.Warnw("worker output line missing id, discarding", "line", string(line))
			continue
		}
		var id string
		if err := json.Unmarshal(idRaw, &id); err != nil {
			w.log.Warnw("worker output line has non-string id, discarding", "line", string(line))
			continue
		}
		w.handleResponseLine(id, probe)
	}
}

func (w *Worker) handleReadyLine(readyRaw, errRaw json.RawMessage) {
	var ready bool
	if err := json.Unmarshal(readyRaw, &ready); err != nil {
		w.log.Warnw("malformed ready line, discarding", "err", err)
		return
	}
	if ready {
		w.resolveReady(nil)
		return
	}
	var msg string
	if errRaw != nil {
		_ = json.Unmarshal(errRaw, &msg)
	}
	w.resolveReady(fmt.Errorf("worker %d: model load failed: %s", w.ID, msg))
}

func (w *Worker) handleResponseLine(id string, probe map[string]json.RawMessage) {
	w.mu.Lock()
	entry, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
		w.busy = false
	}
	w.mu.Unlock()

	if !ok {
		// Unknown id: either a late response after a job timeout, or a
		// duplicate. Dropped without state change, per spec.
		w.log.Infow("dropping response for unknown or already-resolved id", "id", id)
		return
	}
	entry.timer.Stop()

	if errRaw, hasErr := probe["error"]; hasErr {
		var msg string
		_ = json.Unmarshal(errRaw, &msg)
		entry.resultCh <- executeResult{err: ocrerr.New(ocrerr.KindBadInput, msg)}
	} else {
		var text string
		if t, ok := probe["text"]; ok {
			_ = json.Unmarshal(t, &text)
		}
		var pageCount *int
		if pc, ok := probe["page_count"]; ok && string(pc) != "null" {
			var n int
			if err := json.Unmarshal(pc, &n); err == nil {
				pageCount = &n
			}
		}
		entry.resultCh <- executeResult{text: text, pageCount: pageCount}
	}

	if w.notifier != nil {
		w.notifier.OnFree(w.ID)
	}
}

// waitForExit blocks until the child process exits, then fails every
// pending entry, resolves an unresolved readiness signal, and notifies
// the Supervisor of the crash.
func (w *Worker) waitForExit() {
	err := w.cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	w.mu.Lock()
	w.ready = false
	w.busy = false
	pending := w.pending
	w.pending = make(map[string]*pendingEntry)
	w.mu.Unlock()

	for id, entry := range pending {
		entry.timer.Stop()
		entry.resultCh <- executeResult{
			err: &ocrerr.Error{Kind: ocrerr.KindWorkerCrashed, Message: "worker process exited", ExitCode: exitCode},
		}
		w.log.Warnw("failed pending job due to worker crash", "request_id", id, "exit_code", exitCode)
	}

	w.resolveReady(fmt.Errorf("worker %d exited before becoming ready (code %d)", w.ID, exitCode))

	if w.notifier != nil {
		w.notifier.OnCrash(w.ID, exitCode)
	}
}

// Execute submits one PDF to this worker's child process and blocks until
// a response arrives, the job timeout fires, or the child crashes.
//
// Precondition: the caller (the Supervisor) has already established
// ready ∧ ¬busy for this worker under its own dispatch lock.
func (w *Worker) Execute(pdfPath string) (string, *int, error) {
	requestID, err := newHexID(16)
	if err != nil {
		return "", nil, ocrerr.Wrap(ocrerr.KindWorkerCrashed, err)
	}

	resultCh := make(chan executeResult, 1)
	entry := &pendingEntry{resultCh: resultCh}
	entry.timer = time.AfterFunc(w.jobTimeout, func() { w.handleJobTimeout(requestID) })

	w.mu.Lock()
	w.busy = true
	w.pending[requestID] = entry
	stdin := w.stdin
	w.mu.Unlock()

	reqLine, err := json.Marshal(struct {
		ID      string `json:"id"`
		PDFPath string `json:"pdf_path"`
	}{ID: requestID, PDFPath: pdfPath})
	if err != nil {
		w.clearPending(requestID)
		entry.timer.Stop()
		return "", nil, fmt.Errorf("%w: marshal request: %v", ErrDispatchFailed, err)
	}
	reqLine = append(reqLine, '\n')

	if _, err := stdin.Write(reqLine); err != nil {
		w.clearPending(requestID)
		entry.timer.Stop()
		return "", nil, fmt.Errorf("%w: write request: %v", ErrDispatchFailed, err)
	}

	res := <-resultCh
	return res.text, res.pageCount, res.err
}

func (w *Worker) clearPending(requestID string) {
	w.mu.Lock()
	delete(w.pending, requestID)
	w.busy = false
	w.mu.Unlock()
}

// handleJobTimeout fires when a dispatched request's job timeout elapses
// before a response was matched. The child is deliberately left running.
func (w *Worker) handleJobTimeout(requestID string) {
	w.mu.Lock()
	entry, ok := w.pending[requestID]
	if ok {
		delete(w.pending, requestID)
		w.busy = false
	}
	w.mu.Unlock()

	if !ok {
		// Already resolved by a response that won the race.
		return
	}

	if w.notifier != nil {
		w.notifier.OnFree(w.ID)
	}
	entry.resultCh <- executeResult{
		err: ocrerr.New(ocrerr.KindOCRTimeout, fmt.Sprintf("no response within %s", w.jobTimeout)),
	}
}

// Kill sends a graceful termination signal to the child, ignoring any
// failure (the process may already be gone).
func (w *Worker) Kill() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
}

// forceKill is used when the ready-timeout elapses: the child is given no
// chance to shut down cleanly since it never proved it was alive.
func (w *Worker) forceKill() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func newHexID(nBytes int) (string, error) {
	buf := make([]byte, nBytes/2)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
