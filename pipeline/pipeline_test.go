package pipeline_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jupark12/ocr-supervisor/ocrerr"
	"github.com/jupark12/ocr-supervisor/pipeline"
	"github.com/jupark12/ocr-supervisor/testutil"
)

// fakeRunner records whether it was invoked and returns a canned result.
type fakeRunner struct {
	called  bool
	pdfPath string
	text    string
	pageN   int
	runErr  error
}

func (f *fakeRunner) Run(ctx context.Context, pdfPath, clientRequestID string) (string, *int, error) {
	f.called = true
	f.pdfPath = pdfPath
	if f.runErr != nil {
		return "", nil, f.runErr
	}
	n := f.pageN
	return f.text, &n, nil
}

func TestPipeline_RejectsGarbageWithoutReachingRunner(t *testing.T) {
	runner := &fakeRunner{}
	p := pipeline.New(runner, zap.NewNop().Sugar())

	_, _, err := p.Process(context.Background(), strings.NewReader("not a pdf at all"), "aaaa")
	require.Error(t, err)
	var oerr *ocrerr.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ocrerr.KindBadInput, oerr.Kind)
	assert.False(t, runner.called, "the pool must never see a structurally invalid document")
}

func TestPipeline_CleansUpTempDirRegardlessOfOutcome(t *testing.T) {
	base := os.TempDir()
	before, err := filepath.Glob(filepath.Join(base, "ocr-upload-cccc-*"))
	require.NoError(t, err)

	runner := &fakeRunner{}
	p := pipeline.New(runner, zap.NewNop().Sugar())
	_, _, _ = p.Process(context.Background(), strings.NewReader("garbage"), "cccc")

	after, err := filepath.Glob(filepath.Join(base, "ocr-upload-cccc-*"))
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "temp dir must be removed after Process returns")
}

func TestPipeline_SubmitsValidPDFToRunner(t *testing.T) {
	runner := &fakeRunner{text: "hello world", pageN: 1}
	p := pipeline.New(runner, zap.NewNop().Sugar())

	body := bytes.NewReader(testutil.MinimalPDF())
	text, pageCount, err := p.Process(context.Background(), body, "dddd")
	require.NoError(t, err)
	assert.True(t, runner.called)
	assert.Equal(t, "hello world", text)
	require.NotNil(t, pageCount)
	assert.Equal(t, 1, *pageCount)
	assert.Contains(t, runner.pdfPath, "upload.pdf")
}
