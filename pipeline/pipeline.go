// Package pipeline wires an uploaded PDF through preflight validation and
// into the Supervisor, and guarantees its temporary storage is cleaned up
// regardless of outcome.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"github.com/jupark12/ocr-supervisor/ocrerr"
)

// Runner is the subset of pool.Pool the pipeline depends on, kept narrow so
// tests can substitute a fake without pulling in the real Worker/queue
// machinery.
type Runner interface {
	Run(ctx context.Context, pdfPath, clientRequestID string) (string, *int, error)
}

// Pipeline materializes an upload, validates it structurally, and submits
// it to a Runner.
type Pipeline struct {
	runner Runner
	log    *zap.SugaredLogger
}

func New(runner Runner, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{runner: runner, log: log}
}

// Process writes body to a scoped temp directory, preflights it as a
// structurally valid PDF, and — only if that succeeds — submits it to the
// Supervisor. The temp directory is removed on every exit path.
func (p *Pipeline) Process(ctx context.Context, body io.Reader, clientRequestID string) (string, *int, error) {
	dir, err := os.MkdirTemp("", "ocr-upload-"+clientRequestID+"-")
	if err != nil {
		return "", nil, ocrerr.Wrap(ocrerr.KindWorkerCrashed, fmt.Errorf("create temp dir: %w", err))
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			p.log.Warnw("failed to clean up upload temp dir", "request_id", clientRequestID, "dir", dir, "err", rmErr)
		}
	}()

	pdfPath := filepath.Join(dir, "upload.pdf")
	f, err := os.OpenFile(pdfPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", nil, ocrerr.Wrap(ocrerr.KindWorkerCrashed, fmt.Errorf("create upload file: %w", err))
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return "", nil, ocrerr.New(ocrerr.KindBadInput, "failed reading upload body: "+err.Error())
	}
	if err := f.Close(); err != nil {
		return "", nil, ocrerr.Wrap(ocrerr.KindWorkerCrashed, fmt.Errorf("finalize upload file: %w", err))
	}

	pageCount, err := preflight(pdfPath)
	if err != nil {
		p.log.Infow("rejected upload at preflight", "request_id", clientRequestID, "err", err)
		return "", nil, ocrerr.New(ocrerr.KindBadInput, "not a valid PDF: "+err.Error())
	}
	p.log.Debugw("preflight passed", "request_id", clientRequestID, "page_count", pageCount)

	return p.runner.Run(ctx, pdfPath, clientRequestID)
}

// preflight opens the file with a pure-Go PDF reader solely to confirm it
// parses as a structurally valid document, returning its page count. It
// never reaches the pool: a document that fails here is rejected as
// bad-input before a single Worker is involved.
func preflight(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := r.NumPage()
	if n <= 0 {
		return 0, fmt.Errorf("document has no pages")
	}
	return n, nil
}
