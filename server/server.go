// Package server exposes the OCR supervisor over HTTP.
package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jupark12/ocr-supervisor/models"
	"github.com/jupark12/ocr-supervisor/ocrerr"
	"github.com/jupark12/ocr-supervisor/pipeline"
)

// pdfMagic is the four leading bytes of every PDF document.
var pdfMagic = []byte("%PDF")

// HealthReporter reports pool readiness and queue depth for /healthz.
type HealthReporter interface {
	PoolReady() bool
	QueueDepth() int
}

// Server is the HTTP surface for the OCR supervisor.
type Server struct {
	maxFileSizeBytes int64
	pipeline         *pipeline.Pipeline
	health           HealthReporter
	log              *zap.SugaredLogger
}

// New builds a Server.
func New(maxFileSizeBytes int64, p *pipeline.Pipeline, health HealthReporter, log *zap.SugaredLogger) *Server {
	return &Server{maxFileSizeBytes: maxFileSizeBytes, pipeline: p, health: health, log: log}
}

// Handler builds the routed, CORS-wrapped http.Handler for this server,
// suitable for http.Server.Handler so the caller owns the listener
// lifecycle (needed for graceful shutdown).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ocr", cors(http.HandlerFunc(s.handleOCR)))
	mux.Handle("/healthz", cors(http.HandlerFunc(s.handleHealthz)))
	return mux
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleOCR accepts a multipart-form PDF upload, runs it through the
// pipeline, and returns the extracted text or a kinded error.
func (s *Server) handleOCR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientRequestID := uuid.New().String()[:4]
	log := s.log.With("request_id", clientRequestID)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxFileSizeBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		log.Infow("rejected oversized or malformed upload", "err", err)
		writeError(w, ocrerr.New(ocrerr.KindBadInput, "upload too large or malformed"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, ocrerr.New(ocrerr.KindBadInput, "missing \"file\" form field"))
		return
	}
	defer file.Close()

	record := models.RequestRecord{
		ClientRequestID: clientRequestID,
		DeclaredSize:    header.Size,
		ContentType:     header.Header.Get("Content-Type"),
		AcceptedAt:      time.Now(),
	}
	log.Infow("accepted upload", "declared_size", record.DeclaredSize, "content_type", record.ContentType, "accepted_at", record.AcceptedAt)

	magic := make([]byte, 4)
	n, _ := io.ReadFull(file, magic)
	if n < 4 || !bytes.Equal(magic, pdfMagic) {
		writeError(w, ocrerr.New(ocrerr.KindBadInput, "not a PDF file"))
		return
	}
	body := io.MultiReader(bytes.NewReader(magic[:n]), file)

	text, pageCount, err := s.pipeline.Process(r.Context(), body, clientRequestID)
	if err != nil {
		log.Infow("ocr request failed", "err", err)
		writeError(w, err)
		return
	}

	log.Infow("ocr request succeeded")
	writeJSON(w, http.StatusOK, models.Result{RequestID: clientRequestID, Text: text, PageCount: pageCount})
}

// handleHealthz reports 200 when at least one Worker is ready, 503
// otherwise, mirroring the admission-readiness gate.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.health.PoolReady() {
		err := ocrerr.New(ocrerr.KindPoolNotReady, "no worker ready")
		writeJSON(w, err.Kind.HTTPStatus(), map[string]any{
			"pool_ready":  false,
			"queue_depth": s.health.QueueDepth(),
			"error":       err.Error(),
			"kind":        string(err.Kind),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool_ready":  true,
		"queue_depth": s.health.QueueDepth(),
	})
}

func writeError(w http.ResponseWriter, err error) {
	kind := "internal"
	status := http.StatusInternalServerError
	if oe, ok := err.(*ocrerr.Error); ok {
		kind = string(oe.Kind)
		status = oe.Kind.HTTPStatus()
	}
	writeJSON(w, status, models.ErrorResponse{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
