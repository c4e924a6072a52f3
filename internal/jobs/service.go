package jobs

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"printgate/internal/apperr"
	"printgate/internal/model"
	"printgate/internal/pricing"
	"printgate/internal/quota"
	"printgate/internal/spool"
	"printgate/internal/store"
)

// Releaser hands a job that has entered PRINTING to the output stage.
type Releaser interface {
	Schedule(job model.PrintJob)
}

// Service owns the print job lifecycle from upload to release.
type Service struct {
	Store    *store.Store
	Pricing  *pricing.Resolver
	Ledger   *quota.Ledger
	Spool    spool.Spool
	Releaser Releaser
	Log      *logrus.Entry
}

func (s *Service) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.WithField("component", "jobs")
}

// SubmitRequest is one upload with its print settings.
type SubmitRequest struct {
	Payload     io.Reader
	FileName    string
	Settings    model.JobSettings
	PrinterName string
}

func normalizeSettings(in model.JobSettings) (model.JobSettings, error) {
	s := in
	if s.Pages <= 0 {
		s.Pages = 1
	}
	if s.Copies < 1 {
		return s, apperr.New(apperr.KindValidation, "submit", "copies must be at least 1")
	}
	mode, ok := model.ParseColorMode(string(s.ColorMode))
	if !ok {
		return s, apperr.New(apperr.KindValidation, "submit", "unknown color mode %q", s.ColorMode)
	}
	s.ColorMode = mode
	prio, ok := model.ParsePriority(string(s.Priority))
	if !ok {
		return s, apperr.New(apperr.KindValidation, "submit", "unknown priority %q", s.Priority)
	}
	s.Priority = prio
	if strings.TrimSpace(s.PaperSize) == "" {
		s.PaperSize = "A4"
	}
	return s, nil
}

func colorPages(job model.PrintJob) int {
	if job.ColorMode == model.ColorColor {
		return job.ChargedPages()
	}
	return 0
}

// Submit stores an upload as a PENDING job owned by owner. The job is
// rejected, and its payload removed, if the owner could not currently
// afford it.
func (s *Service) Submit(ctx context.Context, owner model.Identifiable, req SubmitRequest) (model.PrintJob, error) {
	return s.create(ctx, owner, req, model.StatusPending, "")
}

// SubmitHeld stores an upload as a HELD_SECURE job. Affordability is only
// checked when the job is released.
func (s *Service) SubmitHeld(ctx context.Context, owner model.Identifiable, req SubmitRequest, printCode string) (model.PrintJob, error) {
	return s.create(ctx, owner, req, model.StatusHeldSecure, printCode)
}

func (s *Service) create(ctx context.Context, owner model.Identifiable, req SubmitRequest, status model.JobStatus, printCode string) (model.PrintJob, error) {
	if req.Payload == nil || strings.TrimSpace(req.FileName) == "" {
		return model.PrintJob{}, apperr.New(apperr.KindValidation, "submit", "a file is required")
	}
	if !spool.Allowed(req.FileName) {
		return model.PrintJob{}, apperr.New(apperr.KindValidation, "submit", "file type of %q is not allowed", filepath.Base(req.FileName))
	}
	settings, err := normalizeSettings(req.Settings)
	if err != nil {
		return model.PrintJob{}, err
	}

	var user model.User
	var quote pricing.Quote
	var printerID *int64
	err = s.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		user, err = s.Store.GetUserByID(ctx, tx, owner.Identity())
		if err != nil {
			return err
		}
		if !user.IsActive() {
			return apperr.New(apperr.KindForbidden, "submit", "account %s is disabled", user.Username)
		}
		quote, err = s.Pricing.QuoteTx(ctx, tx, user, settings)
		if err != nil {
			return err
		}
		printerID, err = s.lookupPrinter(ctx, tx, req.PrinterName)
		return err
	})
	if err != nil {
		return model.PrintJob{}, err
	}

	stored, path, _, err := s.Spool.Save(req.FileName, req.Payload)
	if err != nil {
		return model.PrintJob{}, err
	}
	job := model.PrintJob{
		UserID:       user.ID,
		FileName:     stored,
		OriginalName: filepath.Base(req.FileName),
		FilePath:     path,
		Copies:       quote.Settings.Copies,
		ColorMode:    quote.Settings.ColorMode,
		Duplex:       quote.Settings.Duplex,
		PaperSize:    quote.Settings.PaperSize,
		TotalPages:   quote.Settings.Pages,
		TotalCost:    quote.Cost,
		Status:       status,
		PrinterID:    printerID,
		PrintCode:    printCode,
		PolicyID:     quote.PolicyID(),
		Priority:     quote.Settings.Priority,
	}

	if status == model.StatusPending {
		if err := s.Ledger.Afford(ctx, user.ID, job.ChargedPages(), job.TotalCost); err != nil {
			s.discard(path)
			return model.PrintJob{}, err
		}
	}
	err = s.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		job, err = s.Store.CreateJob(ctx, tx, job)
		return err
	})
	if err != nil {
		s.discard(path)
		return model.PrintJob{}, err
	}
	s.log().WithFields(logrus.Fields{"job": job.ID, "user": user.Username, "status": job.Status, "cost": job.TotalCost.StringFixed(2)}).Info("job submitted")
	return job, nil
}

func (s *Service) lookupPrinter(ctx context.Context, tx *sql.Tx, name string) (*int64, error) {
	var p model.Printer
	var err error
	if strings.TrimSpace(name) != "" {
		p, err = s.Store.GetPrinterByName(ctx, tx, name)
		if apperr.IsNotFound(err) {
			return nil, apperr.New(apperr.KindValidation, "submit", "unknown printer %q", name)
		}
	} else {
		p, err = s.Store.GetDefaultPrinter(ctx, tx)
		if apperr.IsNotFound(err) {
			return nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	if !p.Accepting {
		return nil, apperr.New(apperr.KindValidation, "submit", "printer %s is not accepting jobs", p.Name)
	}
	id := p.ID
	return &id, nil
}

func (s *Service) discard(path string) {
	if err := s.Spool.Remove(path); err != nil {
		s.log().WithError(err).Warn("failed to remove rejected payload")
	}
}

// Get returns the job with id.
func (s *Service) Get(ctx context.Context, id int64) (model.PrintJob, error) {
	var job model.PrintJob
	err := s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		job, err = s.Store.GetJob(ctx, tx, id)
		return err
	})
	return job, err
}

type ListOptions struct {
	// UserID restricts the listing to one owner; nil lists every job.
	UserID  *int64
	Status  model.JobStatus
	Page    int
	PerPage int
}

type Page struct {
	Jobs    []model.PrintJob
	Total   int
	Page    int
	PerPage int
}

// List returns one page of jobs matching opts, newest first.
func (s *Service) List(ctx context.Context, opts ListOptions) (Page, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return Page{}, apperr.New(apperr.KindValidation, "list jobs", "unknown status %q", opts.Status)
	}
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PerPage <= 0 || opts.PerPage > 100 {
		opts.PerPage = 20
	}
	out := Page{Page: opts.Page, PerPage: opts.PerPage}
	err := s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		out.Jobs, out.Total, err = s.Store.ListJobs(ctx, tx, store.JobFilter{
			UserID: opts.UserID,
			Status: opts.Status,
			Limit:  opts.PerPage,
			Offset: (opts.Page - 1) * opts.PerPage,
		})
		return err
	})
	return out, err
}

func authorize(op string, job model.PrintJob, actor model.Authenticatable) error {
	if actor == nil || !actor.IsActive() {
		return apperr.New(apperr.KindForbidden, op, "inactive actor")
	}
	if actor.IsAdministrator() || actor.Identity() == job.UserID {
		return nil
	}
	return apperr.New(apperr.KindForbidden, op, "job %d belongs to another user", job.ID)
}

// Cancel moves a PENDING job to CANCELLED and deletes its payload.
func (s *Service) Cancel(ctx context.Context, id int64, actor model.Authenticatable) (model.PrintJob, error) {
	var job model.PrintJob
	err := s.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		job, err = s.Store.GetJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorize("cancel", job, actor); err != nil {
			return err
		}
		ok, err := s.Store.TransitionJob(ctx, tx, id, []model.JobStatus{model.StatusPending}, model.StatusCancelled, "")
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindInvalidState, "cancel", "job %d is %s", id, job.Status)
		}
		job.Status = model.StatusCancelled
		return nil
	})
	if err != nil {
		return model.PrintJob{}, err
	}
	s.discard(job.FilePath)
	s.log().WithFields(logrus.Fields{"job": id, "actor": actor.Name()}).Info("job cancelled")
	return job, nil
}

// Release charges the owner and moves a PENDING job to PRINTING.
func (s *Service) Release(ctx context.Context, id int64, actor model.Authenticatable) (model.PrintJob, error) {
	return s.release(ctx, id, actor, model.StatusPending, nil)
}

// ReleaseHeld charges the owner and moves a HELD_SECURE job to PRINTING,
// optionally at a specific printer.
func (s *Service) ReleaseHeld(ctx context.Context, id int64, actor model.Authenticatable, printerID *int64) (model.PrintJob, error) {
	return s.release(ctx, id, actor, model.StatusHeldSecure, printerID)
}

func (s *Service) release(ctx context.Context, id int64, actor model.Authenticatable, from model.JobStatus, printerID *int64) (model.PrintJob, error) {
	var job model.PrintJob
	var quote pricing.Quote
	err := s.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		var err error
		job, err = s.Store.GetJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := authorize("release", job, actor); err != nil {
			return err
		}
		if job.Status != from {
			return apperr.New(apperr.KindInvalidState, "release", "job %d is %s", id, job.Status)
		}
		owner, err := s.Store.GetUserByID(ctx, tx, job.UserID)
		if err != nil {
			return err
		}
		quote, err = s.Pricing.QuoteTx(ctx, tx, owner, job.Settings())
		return err
	})
	if err != nil {
		return model.PrintJob{}, err
	}

	job.Copies = quote.Settings.Copies
	job.ColorMode = quote.Settings.ColorMode
	job.Duplex = quote.Settings.Duplex
	job.TotalCost = quote.Cost
	job.PolicyID = quote.PolicyID()
	charge := quota.Charge{UserID: job.UserID, Pages: job.ChargedPages(), ColorPages: colorPages(job), Cost: job.TotalCost}
	_, err = s.Ledger.Charge(ctx, charge, func(tx *sql.Tx) error {
		ok, err := s.Store.TransitionJob(ctx, tx, id, []model.JobStatus{from}, model.StatusPrinting, "")
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindInvalidState, "release", "job %d is no longer %s", id, from)
		}
		if err := s.Store.UpdateJobCost(ctx, tx, id, job.TotalCost, job.PolicyID); err != nil {
			return err
		}
		if printerID != nil {
			if err := s.Store.SetJobPrinter(ctx, tx, id, *printerID); err != nil {
				return err
			}
		}
		if job.PrintCode != "" {
			return s.Store.ClearPrintCode(ctx, tx, id)
		}
		return nil
	})
	if err != nil {
		return model.PrintJob{}, err
	}

	job, err = s.Get(ctx, id)
	if err != nil {
		return model.PrintJob{}, err
	}
	s.log().WithFields(logrus.Fields{"job": id, "actor": actor.Name(), "cost": job.TotalCost.StringFixed(2)}).Info("job released")
	if s.Releaser != nil {
		s.Releaser.Schedule(job)
	}
	return job, nil
}

type BulkResult struct {
	Released []model.PrintJob
	Failed   map[int64]error
}

// BulkRelease releases each PENDING job in ids independently.
func (s *Service) BulkRelease(ctx context.Context, ids []int64, actor model.Authenticatable) BulkResult {
	res := BulkResult{Failed: map[int64]error{}}
	for _, id := range ids {
		job, err := s.Release(ctx, id, actor)
		if err != nil {
			res.Failed[id] = err
			continue
		}
		res.Released = append(res.Released, job)
	}
	return res
}
