package jobs

import (
	"context"
	"database/sql"
	"strings"

	"github.com/sirupsen/logrus"

	"printgate/internal/apperr"
	"printgate/internal/model"
)

// ListQueue returns legacy submissions visible to actor. Administrators see
// every entry; other users only those declaring their username.
func (s *Service) ListQueue(ctx context.Context, actor model.Authenticatable, status model.QueueStatus) ([]model.QueueEntry, error) {
	username := actor.Name()
	if actor.IsAdministrator() {
		username = ""
	}
	var out []model.QueueEntry
	err := s.Store.WithTx(ctx, true, func(tx *sql.Tx) error {
		var err error
		out, err = s.Store.ListQueueEntries(ctx, tx, username, status, 0)
		return err
	})
	return out, err
}

// ClaimQueueEntry turns a pending legacy submission into a PENDING job owned
// by actor. The declared username on the entry is only a hint, so a
// non-administrator may claim an entry only when it matches their own name.
// The raw spool file is left in place if the claim is refused.
func (s *Service) ClaimQueueEntry(ctx context.Context, entryID int64, actor model.Authenticatable, settings model.JobSettings) (model.PrintJob, error) {
	settings, err := normalizeSettings(settings)
	if err != nil {
		return model.PrintJob{}, err
	}
	var job model.PrintJob
	err = s.Store.WithTx(ctx, false, func(tx *sql.Tx) error {
		entry, err := s.Store.GetQueueEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		if entry.Status != model.QueuePending {
			return apperr.New(apperr.KindInvalidState, "claim", "queue entry %d is %s", entryID, entry.Status)
		}
		if !actor.IsAdministrator() && !strings.EqualFold(entry.Username, actor.Name()) {
			return apperr.New(apperr.KindForbidden, "claim", "queue entry %d was submitted as %s", entryID, entry.Username)
		}
		user, err := s.Store.GetUserByID(ctx, tx, actor.Identity())
		if err != nil {
			return err
		}
		quote, err := s.Pricing.QuoteTx(ctx, tx, user, settings)
		if err != nil {
			return err
		}
		var printerID *int64
		if p, err := s.Store.GetPrinterByName(ctx, tx, entry.QueueName); err == nil {
			id := p.ID
			printerID = &id
		} else if !apperr.IsNotFound(err) {
			return err
		}

		job = model.PrintJob{
			UserID:       user.ID,
			FileName:     entry.FileName,
			OriginalName: nonEmpty(entry.JobName, entry.FileName),
			FilePath:     entry.SpoolPath,
			Copies:       quote.Settings.Copies,
			ColorMode:    quote.Settings.ColorMode,
			Duplex:       quote.Settings.Duplex,
			PaperSize:    quote.Settings.PaperSize,
			TotalPages:   quote.Settings.Pages,
			TotalCost:    quote.Cost,
			Status:       model.StatusPending,
			PrinterID:    printerID,
			PolicyID:     quote.PolicyID(),
			Priority:     quote.Settings.Priority,
			Notes:        "claimed from queue " + entry.QueueName,
		}
		if _, err := s.Ledger.CheckTx(ctx, tx, user, job.ChargedPages(), job.TotalCost); err != nil {
			return err
		}
		job, err = s.Store.CreateJob(ctx, tx, job)
		if err != nil {
			return err
		}
		ok, err := s.Store.ClaimQueueEntry(ctx, tx, entryID, job.ID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindInvalidState, "claim", "queue entry %d was already claimed", entryID)
		}
		return nil
	})
	if err != nil {
		return model.PrintJob{}, err
	}
	s.log().WithFields(logrus.Fields{"job": job.ID, "entry": entryID, "user": actor.Name()}).Info("queue entry claimed")
	return job, nil
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
