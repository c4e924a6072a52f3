package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"printgate/internal/apperr"
	"printgate/internal/model"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to the HTTP status returned for it.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindUnsupported, apperr.KindProtocol:
		return http.StatusBadRequest
	case apperr.KindQuotaExceeded, apperr.KindInsufficientBalance:
		return http.StatusPaymentRequired
	case apperr.KindAuthFailure:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidState:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Kind: string(apperr.KindOf(err))}
	if status == http.StatusInternalServerError {
		s.log().WithError(err).WithField("path", r.URL.Path).Error("request failed")
		body = errorBody{Error: "internal error"}
	}
	if status == http.StatusRequestEntityTooLarge {
		body = errorBody{Error: "request too large", Kind: string(apperr.KindValidation)}
	}
	writeJSON(w, status, body)
}

type jobView struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	FileName     string     `json:"file_name"`
	OriginalName string     `json:"original_name"`
	Copies       int        `json:"copies"`
	ColorMode    string     `json:"color_mode"`
	Duplex       bool       `json:"duplex"`
	PaperSize    string     `json:"paper_size"`
	TotalPages   int        `json:"total_pages"`
	TotalCost    string     `json:"total_cost"`
	Status       string     `json:"status"`
	PrinterID    *int64     `json:"printer_id,omitempty"`
	PolicyID     *int64     `json:"policy_id,omitempty"`
	Priority     string     `json:"priority"`
	Notes        string     `json:"notes,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
}

// newJobView never exposes the spool path or the print code.
func newJobView(j model.PrintJob) jobView {
	return jobView{
		ID:           j.ID,
		UserID:       j.UserID,
		FileName:     j.FileName,
		OriginalName: j.OriginalName,
		Copies:       j.Copies,
		ColorMode:    string(j.ColorMode),
		Duplex:       j.Duplex,
		PaperSize:    j.PaperSize,
		TotalPages:   j.TotalPages,
		TotalCost:    j.TotalCost.StringFixed(2),
		Status:       string(j.Status),
		PrinterID:    j.PrinterID,
		PolicyID:     j.PolicyID,
		Priority:     string(j.Priority),
		Notes:        j.Notes,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		ReleasedAt:   j.ReleasedAt,
	}
}

func jobViews(jobs []model.PrintJob) []jobView {
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	return out
}

type queueView struct {
	ID          int64      `json:"id"`
	FileName    string     `json:"file_name"`
	SizeBytes   int64      `json:"size_bytes"`
	QueueName   string     `json:"queue_name"`
	ClientHost  string     `json:"client_host"`
	Username    string     `json:"username"`
	UserTrusted bool       `json:"user_trusted"`
	JobName     string     `json:"job_name,omitempty"`
	OriginHost  string     `json:"origin_host,omitempty"`
	Status      string     `json:"status"`
	ReceivedAt  time.Time  `json:"received_at"`
	ReleasedAt  *time.Time `json:"released_at,omitempty"`
	JobID       *int64     `json:"job_id,omitempty"`
}

func newQueueView(e model.QueueEntry) queueView {
	return queueView{
		ID:          e.ID,
		FileName:    e.FileName,
		SizeBytes:   e.SizeBytes,
		QueueName:   e.QueueName,
		ClientHost:  e.ClientHost,
		Username:    e.Username,
		UserTrusted: e.UserTrusted,
		JobName:     e.JobName,
		OriginHost:  e.OriginHost,
		Status:      string(e.Status),
		ReceivedAt:  e.ReceivedAt,
		ReleasedAt:  e.ReleasedAt,
		JobID:       e.JobID,
	}
}

type quotaView struct {
	PeriodType   string    `json:"period_type"`
	Start        time.Time `json:"period_start"`
	End          time.Time `json:"period_end"`
	PageLimit    int       `json:"page_limit"`
	PagesPrinted int       `json:"pages_printed"`
	PagesLeft    int       `json:"pages_remaining"`
	ColorPages   int       `json:"color_pages"`
	BWPages      int       `json:"bw_pages"`
	TotalCost    string    `json:"total_cost"`
	JobCount     int       `json:"job_count"`
	Balance      string    `json:"balance"`
}

func newQuotaView(q model.QuotaPeriod, user model.User) quotaView {
	left := q.PageLimit - q.PagesPrinted
	if left < 0 {
		left = 0
	}
	return quotaView{
		PeriodType:   q.PeriodType,
		Start:        q.Start,
		End:          q.End,
		PageLimit:    q.PageLimit,
		PagesPrinted: q.PagesPrinted,
		PagesLeft:    left,
		ColorPages:   q.ColorPages,
		BWPages:      q.BWPages,
		TotalCost:    q.TotalCost.StringFixed(2),
		JobCount:     q.JobCount,
		Balance:      user.Balance.StringFixed(2),
	}
}
