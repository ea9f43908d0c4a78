package pool_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jupark12/ocr-supervisor/ocrerr"
	"github.com/jupark12/ocr-supervisor/pool"
	"github.com/jupark12/ocr-supervisor/testutil"
)

func testConfig(t *testing.T, workerCount, queueMaxSize int) pool.Config {
	return pool.Config{
		WorkerCount:        workerCount,
		WorkerBin:          testutil.BuildFakeWorker(t),
		QueueMaxSize:       queueMaxSize,
		OCRTimeout:         2 * time.Second,
		WorkerReadyTimeout: 2 * time.Second,
		CrashCooldown:      100 * time.Millisecond,
	}
}

func TestPool_InitSucceedsWhenAnyWorkerReady(t *testing.T) {
	p := pool.New(testConfig(t, 2, 4), zap.NewNop().Sugar())
	require.NoError(t, p.Init(context.Background()))
	assert.True(t, p.PoolReady())
	p.Shutdown()
}

func TestPool_InitFailsWhenAllWorkersFail(t *testing.T) {
	cfg := testConfig(t, 2, 4)
	t.Setenv("FAKEWORKER_NO_READY", "1")
	cfg.WorkerReadyTimeout = 150 * time.Millisecond

	p := pool.New(cfg, zap.NewNop().Sugar())
	err := p.Init(context.Background())
	require.Error(t, err)
	var oerr *ocrerr.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ocrerr.KindFatalStartup, oerr.Kind)
	p.Shutdown()
}

func TestPool_RunDispatchesToFreeWorker(t *testing.T) {
	p := pool.New(testConfig(t, 1, 4), zap.NewNop().Sugar())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	text, pageCount, err := p.Run(context.Background(), "/tmp/a.pdf", "aaaa")
	require.NoError(t, err)
	assert.Contains(t, text, "/tmp/a.pdf")
	require.NotNil(t, pageCount)
}

func TestPool_RunRejectsWhenQueueFull(t *testing.T) {
	t.Setenv("FAKEWORKER_DELAY_MS", "500")
	cfg := testConfig(t, 1, 1)
	p := pool.New(cfg, zap.NewNop().Sugar())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	// Occupy the single worker with a slow job.
	done := make(chan struct{})
	go func() {
		_, _, _ = p.Run(context.Background(), "/tmp/busy.pdf", "0001")
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	// Fill the one queue slot.
	go func() {
		_, _, _ = p.Run(context.Background(), "/tmp/queued.pdf", "0002")
	}()
	time.Sleep(50 * time.Millisecond)

	_, _, err := p.Run(context.Background(), "/tmp/overflow.pdf", "0003")
	require.Error(t, err)
	var oerr *ocrerr.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ocrerr.KindOverloaded, oerr.Kind)

	<-done
}

func TestPool_QueuedRequestTimesOutWhenNoWorkerFrees(t *testing.T) {
	t.Setenv("FAKEWORKER_DELAY_MS", "1000")
	cfg := testConfig(t, 1, 2)
	cfg.OCRTimeout = 150 * time.Millisecond
	p := pool.New(cfg, zap.NewNop().Sugar())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	go func() { _, _, _ = p.Run(context.Background(), "/tmp/busy.pdf", "0001") }()
	time.Sleep(30 * time.Millisecond)

	// The busy job's own timeout frees the worker before any queue timer
	// fires, and the queue head is dispatched to it; the entry queued
	// behind the head gets no worker within its budget.
	go func() { _, _, _ = p.Run(context.Background(), "/tmp/queued-head.pdf", "0002") }()
	time.Sleep(10 * time.Millisecond)

	_, _, err := p.Run(context.Background(), "/tmp/queued.pdf", "0003")
	require.Error(t, err)
	var oerr *ocrerr.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ocrerr.KindQueuedTooLong, oerr.Kind)
}

func TestPool_CrashTriggersRespawnAndDrainsQueue(t *testing.T) {
	t.Setenv("FAKEWORKER_CRASH_ON", "1")
	t.Setenv("FAKEWORKER_CRASH_MARKER", filepath.Join(t.TempDir(), "crashed-once"))
	cfg := testConfig(t, 1, 2)
	cfg.OCRTimeout = 5 * time.Second
	p := pool.New(cfg, zap.NewNop().Sugar())
	require.NoError(t, p.Init(context.Background()))
	defer p.Shutdown()

	_, _, err := p.Run(context.Background(), "/tmp/a.pdf", "0001")
	require.Error(t, err)
	var oerr *ocrerr.Error
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, ocrerr.KindWorkerCrashed, oerr.Kind)

	// The worker is now mid-crash-recovery (ready=false, restart pending).
	// A request submitted now must queue rather than fail, and must be
	// drained once the respawned worker reports ready. Give OnCrash a
	// moment to flip the slot's readiness bookkeeping before submitting.
	time.Sleep(20 * time.Millisecond)

	type runResult struct {
		text string
		err  error
	}
	queued := make(chan runResult, 1)
	go func() {
		text, _, err := p.Run(context.Background(), "/tmp/queued.pdf", "0002")
		queued <- runResult{text: text, err: err}
	}()

	select {
	case r := <-queued:
		require.NoError(t, r.err)
		assert.Contains(t, r.text, "/tmp/queued.pdf")
	case <-time.After(2 * time.Second):
		t.Fatal("queued request was never drained after respawn")
	}
}
