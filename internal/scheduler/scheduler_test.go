package scheduler

import (
	"context"
	"database/sql"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printgate/internal/model"
	"printgate/internal/spool"
	"printgate/internal/store"
)

type fixture struct {
	st    *store.Store
	sched *Scheduler
	user  model.User
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(dir, "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.EnsureDefaultPrinter(ctx))

	var u model.User
	require.NoError(t, st.WithTx(ctx, false, func(tx *sql.Tx) error {
		u, err = st.CreateUser(ctx, tx, store.NewUser{Username: "alice", Password: "secret", Balance: decimal.NewFromInt(5)})
		return err
	}))

	sp := spool.Spool{Dir: filepath.Join(dir, "spool"), OutputDir: filepath.Join(dir, "out")}
	require.NoError(t, sp.Ensure())
	return &fixture{st: st, sched: New(st, sp), user: u, dir: dir}
}

func (f *fixture) printingJob(t *testing.T, printerID *int64, withFile bool) model.PrintJob {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(f.sched.Spool.Dir, "x_report.pdf")
	if withFile {
		require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0644))
	}
	var job model.PrintJob
	require.NoError(t, f.st.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		job, err = f.st.CreateJob(ctx, tx, model.PrintJob{
			UserID:       f.user.ID,
			FileName:     "x_report.pdf",
			OriginalName: "report.pdf",
			FilePath:     path,
			Copies:       1,
			ColorMode:    model.ColorBW,
			PaperSize:    "A4",
			TotalPages:   2,
			TotalCost:    decimal.RequireFromString("0.10"),
			Status:       model.StatusPrinting,
			PrinterID:    printerID,
		})
		return err
	}))
	return job
}

func (f *fixture) job(t *testing.T, id int64) model.PrintJob {
	t.Helper()
	ctx := context.Background()
	var job model.PrintJob
	require.NoError(t, f.st.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		job, err = f.st.GetJob(ctx, tx, id)
		return err
	}))
	return job
}

func (f *fixture) printer(t *testing.T, name, uri string) int64 {
	t.Helper()
	ctx := context.Background()
	var p model.Printer
	require.NoError(t, f.st.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		p, err = f.st.UpsertPrinter(ctx, tx, model.Printer{Name: name, URI: uri, Accepting: true})
		return err
	}))
	return p.ID
}

func TestDelay(t *testing.T) {
	s := New(nil, spool.Spool{})
	job := model.PrintJob{TotalPages: 3, Copies: 2, Priority: model.PriorityNormal}
	if got := s.Delay(job); got != 5*time.Second {
		t.Fatalf("Delay(normal)=%v, want 5s", got)
	}
	job.Priority = model.PriorityHigh
	if got := s.Delay(job); got != 3500*time.Millisecond {
		t.Fatalf("Delay(high)=%v, want 3.5s", got)
	}
	job.Priority = model.PriorityLow
	if got := s.Delay(job); got != 6500*time.Millisecond {
		t.Fatalf("Delay(low)=%v, want 6.5s", got)
	}
	job = model.PrintJob{TotalPages: 200, Copies: 1}
	if got := s.Delay(job); got != DefaultMaxDelay {
		t.Fatalf("Delay(large)=%v, want cap %v", got, DefaultMaxDelay)
	}
}

func TestProcessWritesSimulatedOutput(t *testing.T) {
	f := newFixture(t)
	job := f.printingJob(t, nil, true)

	require.NoError(t, f.sched.Process(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	data, err := os.ReadFile(f.sched.Spool.OutputPath(job.ID, "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))
}

func TestProcessMissingPayloadFails(t *testing.T) {
	f := newFixture(t)
	job := f.printingJob(t, nil, false)

	require.NoError(t, f.sched.Process(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "File not found", got.Notes)
}

func TestProcessUnknownSchemeFails(t *testing.T) {
	f := newFixture(t)
	id := f.printer(t, "Lobby", "usb://Vendor/Model")
	job := f.printingJob(t, &id, true)

	require.NoError(t, f.sched.Process(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.Notes, "Processing error: "), "notes=%q", got.Notes)
}

func TestProcessDeliversThroughBackend(t *testing.T) {
	f := newFixture(t)
	outDir := filepath.Join(f.dir, "printer-out")
	require.NoError(t, os.MkdirAll(outDir, 0755))
	id := f.printer(t, "Files", "file://"+outDir+"/")
	job := f.printingJob(t, &id, true)

	require.NoError(t, f.sched.Process(context.Background(), job.ID))

	assert.Equal(t, model.StatusCompleted, f.job(t, job.ID).Status)
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestProcessDeliversToSocketPrinter(t *testing.T) {
	f := newFixture(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	id := f.printer(t, "Raw", "socket://"+ln.Addr().String())
	job := f.printingJob(t, &id, true)
	require.NoError(t, f.sched.Process(context.Background(), job.ID))

	assert.Equal(t, model.StatusCompleted, f.job(t, job.ID).Status)
	select {
	case got := <-received:
		assert.Equal(t, "%PDF-1.4", string(got))
	case <-time.After(5 * time.Second):
		t.Fatal("printer received nothing")
	}
}

func TestProcessIgnoresJobsNotPrinting(t *testing.T) {
	f := newFixture(t)
	job := f.printingJob(t, nil, true)
	ctx := context.Background()
	require.NoError(t, f.sched.Process(ctx, job.ID))
	require.Equal(t, model.StatusCompleted, f.job(t, job.ID).Status)

	// A second pickup for the same job must not touch it again.
	require.NoError(t, f.sched.Process(ctx, job.ID))
	assert.Equal(t, model.StatusCompleted, f.job(t, job.ID).Status)
}

func TestStartReschedulesPrintingJobs(t *testing.T) {
	f := newFixture(t)
	f.sched.BaseDelay = 10 * time.Millisecond
	f.sched.PerPage = 0
	job := f.printingJob(t, nil, true)

	require.NoError(t, f.sched.Start(context.Background()))
	t.Cleanup(f.sched.Stop)

	require.Eventually(t, func() bool {
		return f.job(t, job.ID).Status == model.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestScheduleIsIdempotentAndStopCancels(t *testing.T) {
	f := newFixture(t)
	f.sched.BaseDelay = time.Hour
	f.sched.MaxDelay = 0
	job := f.printingJob(t, nil, true)

	f.sched.Schedule(job)
	f.sched.Schedule(job)
	assert.Equal(t, 1, f.sched.Pending())

	f.sched.Stop()
	assert.Equal(t, 0, f.sched.Pending())
	assert.Equal(t, model.StatusPrinting, f.job(t, job.ID).Status)

	f.sched.Schedule(job)
	assert.Equal(t, 0, f.sched.Pending(), "stopped scheduler accepted a job")
}

func TestCleanupRemovesOldPayloads(t *testing.T) {
	f := newFixture(t)
	job := f.printingJob(t, nil, true)
	ctx := context.Background()
	require.NoError(t, f.sched.Process(ctx, job.ID))
	out := f.sched.Spool.OutputPath(job.ID, "report.pdf")
	require.FileExists(t, out)

	f.sched.Retention = time.Millisecond
	time.Sleep(20 * time.Millisecond)
	f.sched.Cleanup(ctx)

	assert.NoFileExists(t, job.FilePath)
	assert.NoFileExists(t, out)
	got := f.job(t, job.ID)
	assert.Equal(t, "", got.FilePath)
	assert.Equal(t, model.StatusCompleted, got.Status)
}
