// Package scheduler completes released jobs: each job moved to PRINTING gets
// one deferred pickup that delivers the payload and records the outcome.
package scheduler

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"printgate/internal/apperr"
	"printgate/internal/backend"
	"printgate/internal/logging"
	"printgate/internal/model"
	"printgate/internal/pricing"
	"printgate/internal/spool"
	"printgate/internal/store"
)

const (
	DefaultBaseDelay = 2 * time.Second
	DefaultPerPage   = 500 * time.Millisecond
	DefaultMaxDelay  = 30 * time.Second
	// DefaultRetention is how long payloads of finished jobs stay on disk.
	DefaultRetention = 24 * time.Hour
)

type Scheduler struct {
	Store *store.Store
	Spool spool.Spool
	Log   *logrus.Entry

	BaseDelay time.Duration
	PerPage   time.Duration
	MaxDelay  time.Duration
	Retention time.Duration

	mu      sync.Mutex
	ctx     context.Context
	timers  map[int64]*time.Timer
	stopped bool
	wg      sync.WaitGroup
	cron    *cron.Cron
}

func New(st *store.Store, sp spool.Spool) *Scheduler {
	return &Scheduler{
		Store:     st,
		Spool:     sp,
		BaseDelay: DefaultBaseDelay,
		PerPage:   DefaultPerPage,
		MaxDelay:  DefaultMaxDelay,
		Retention: DefaultRetention,
	}
}

func (s *Scheduler) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.WithField("component", "scheduler")
}

// Delay is the simulated print time for job: a fixed base plus a per-page
// cost for every printed page, scaled by priority and capped.
func (s *Scheduler) Delay(job model.PrintJob) time.Duration {
	d := s.BaseDelay + time.Duration(job.ChargedPages())*s.PerPage
	switch job.Priority {
	case model.PriorityHigh:
		d = d * 7 / 10
	case model.PriorityLow:
		d = d * 13 / 10
	}
	if s.MaxDelay > 0 && d > s.MaxDelay {
		d = s.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Start reschedules jobs left PRINTING by a previous run and starts the
// hourly payload cleanup.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.stopped = false
	if s.timers == nil {
		s.timers = map[int64]*time.Timer{}
	}
	s.mu.Unlock()

	var pending []model.PrintJob
	err := s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		pending, err = s.Store.ListJobsByStatus(ctx, tx, model.StatusPrinting, 0)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "recover printing jobs")
	}
	for _, job := range pending {
		s.Schedule(job)
	}
	if len(pending) > 0 {
		s.log().WithField("jobs", len(pending)).Info("rescheduled printing jobs")
	}

	if s.Retention > 0 {
		c := cron.New()
		if _, err := c.AddFunc("@hourly", func() { s.Cleanup(ctx) }); err != nil {
			return errors.Wrap(err, "schedule cleanup")
		}
		s.mu.Lock()
		s.cron = c
		s.mu.Unlock()
		c.Start()
	}
	return nil
}

// Stop cancels pickups that have not fired yet and waits for running ones.
// Cancelled jobs stay PRINTING and are picked up again on the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
}

// Schedule arranges a single pickup of job after Delay(job). Scheduling a
// job that already has a pending pickup is a no-op.
func (s *Scheduler) Schedule(job model.PrintJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timers == nil {
		s.timers = map[int64]*time.Timer{}
	}
	if _, ok := s.timers[job.ID]; ok {
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	id := job.ID
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(s.Delay(job), func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, id)
		s.mu.Unlock()
		if err := s.Process(ctx, id); err != nil {
			s.log().WithError(err).WithField("job", id).Error("pickup failed")
		}
	})
}

// Pending reports how many pickups are waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Process delivers a PRINTING job and moves it to COMPLETED or FAILED. Jobs
// in any other state are left alone.
func (s *Scheduler) Process(ctx context.Context, id int64) error {
	var (
		job     model.PrintJob
		owner   model.User
		printer model.Printer
	)
	err := s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		job, err = s.Store.GetJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if job.Status != model.StatusPrinting {
			return nil
		}
		owner, err = s.Store.GetUserByID(ctx, tx, job.UserID)
		if err != nil {
			return err
		}
		if job.PrinterID != nil {
			printer, err = s.Store.GetPrinterByID(ctx, tx, *job.PrinterID)
		} else {
			printer, err = s.Store.GetDefaultPrinter(ctx, tx)
		}
		if apperr.IsNotFound(err) {
			err = nil
		}
		return err
	})
	if err != nil {
		return err
	}
	if job.Status != model.StatusPrinting {
		return nil
	}

	if _, err := os.Stat(job.FilePath); err != nil {
		return s.finish(ctx, job, owner, printer, model.StatusFailed, "File not found")
	}
	if err := s.deliver(ctx, job, owner, printer); err != nil {
		s.log().WithError(err).WithFields(logrus.Fields{"job": id, "printer": printer.Name}).Warn("delivery failed")
		return s.finish(ctx, job, owner, printer, model.StatusFailed, "Processing error: "+err.Error())
	}
	return s.finish(ctx, job, owner, printer, model.StatusCompleted, "")
}

func (s *Scheduler) deliver(ctx context.Context, job model.PrintJob, owner model.User, printer model.Printer) error {
	if printer.URI == "" {
		return copyFile(job.FilePath, s.Spool.OutputPath(job.ID, job.OriginalName))
	}
	b := backend.ForURI(printer.URI)
	if b == nil {
		return errors.Errorf("no backend for %s", printer.URI)
	}
	return b.Submit(ctx, printer, backend.NewJob(job, owner.Username), job.FilePath)
}

func (s *Scheduler) finish(ctx context.Context, job model.PrintJob, owner model.User, printer model.Printer, to model.JobStatus, notes string) error {
	var moved bool
	err := s.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		moved, err = s.Store.TransitionJob(ctx, tx, job.ID, []model.JobStatus{model.StatusPrinting}, to, notes)
		return err
	})
	if err != nil || !moved {
		return err
	}

	result := "ok"
	if to == model.StatusFailed {
		result = "failed"
	}
	logging.Page(logging.PageLogLine(logging.PageEntry{
		JobID:   job.ID,
		User:    owner.Username,
		Printer: printer.Name,
		Title:   job.OriginalName,
		Copies:  job.Copies,
		Sheets:  pricing.Sheets(job.TotalPages, job.Copies, job.Duplex),
		Cost:    job.TotalCost,
		Result:  result,
		At:      time.Now(),
	}))
	entry := s.log().WithFields(logrus.Fields{"job": job.ID, "status": to})
	if notes != "" {
		entry = entry.WithField("notes", notes)
	}
	entry.Info("job finished")
	return nil
}

// Cleanup removes payloads and simulated output of jobs that finished more
// than Retention ago.
func (s *Scheduler) Cleanup(ctx context.Context) {
	if s.Retention <= 0 {
		return
	}
	before := time.Now().UTC().Add(-s.Retention)

	var finished []model.PrintJob
	err := s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		finished, err = s.Store.ListFinishedJobs(ctx, tx, before, 200)
		return err
	})
	if err != nil {
		s.log().WithError(err).Warn("list finished jobs")
		return
	}
	if len(finished) == 0 {
		return
	}

	// Files first, then the rows that point at them.
	for _, job := range finished {
		if err := s.Spool.Remove(job.FilePath); err != nil {
			s.log().WithError(err).WithField("job", job.ID).Warn("remove payload")
		}
		_ = s.Spool.Remove(s.Spool.OutputPath(job.ID, job.OriginalName))
	}
	err = s.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		for _, job := range finished {
			if err := s.Store.ClearJobFile(ctx, tx, job.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log().WithError(err).Warn("clear job files")
		return
	}
	s.log().WithField("jobs", len(finished)).Debug("cleaned finished jobs")
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
