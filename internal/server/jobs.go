package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"printgate/internal/apperr"
	"printgate/internal/jobs"
	"printgate/internal/model"
)

const maxMultipartMemory = 8 << 20

type idHandler func(w http.ResponseWriter, r *http.Request, user model.User, id int64)

func (s *Server) jobHandler(id int64, h idHandler) userHandler {
	return func(w http.ResponseWriter, r *http.Request, user model.User) {
		h(w, r, user, id)
	}
}

// submitRequest reads the multipart upload shared by plain and secure
// submission. The caller closes the returned file.
func submitRequest(r *http.Request) (jobs.SubmitRequest, io.Closer, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return jobs.SubmitRequest{}, nil, err
		}
		return jobs.SubmitRequest{}, nil, apperr.Wrap(apperr.KindValidation, "submit", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return jobs.SubmitRequest{}, nil, apperr.New(apperr.KindValidation, "submit", "no file uploaded")
	}
	settings, err := formSettings(r)
	if err != nil {
		_ = file.Close()
		return jobs.SubmitRequest{}, nil, err
	}
	return jobs.SubmitRequest{
		Payload:     file,
		FileName:    header.Filename,
		Settings:    settings,
		PrinterName: strings.TrimSpace(r.FormValue("printer")),
	}, file, nil
}

func formSettings(r *http.Request) (model.JobSettings, error) {
	pages, err := formInt(r, "pages", 1)
	if err != nil {
		return model.JobSettings{}, err
	}
	copies, err := formInt(r, "copies", 1)
	if err != nil {
		return model.JobSettings{}, err
	}
	return model.JobSettings{
		Pages:     pages,
		Copies:    copies,
		ColorMode: model.ColorMode(r.FormValue("color_mode")),
		Duplex:    formBool(r.FormValue("duplex")),
		PaperSize: r.FormValue("paper_size"),
		Priority:  model.Priority(r.FormValue("priority")),
	}, nil
}

func formInt(r *http.Request, key string, fallback int) (int, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.New(apperr.KindValidation, "submit", "%s must be a number", key)
	}
	return n, nil
}

func formBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "1", "true", "yes":
		return true
	}
	return false
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, user model.User) {
	req, file, err := submitRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()

	job, err := s.Jobs.Submit(r.Context(), user, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobView(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request, user model.User) {
	q := r.URL.Query()
	opts := jobs.ListOptions{Status: model.JobStatus(strings.TrimSpace(q.Get("status")))}
	opts.Page, _ = strconv.Atoi(q.Get("page"))
	opts.PerPage, _ = strconv.Atoi(q.Get("per_page"))
	if formBool(q.Get("all")) {
		if !user.IsAdministrator() {
			s.writeError(w, r, apperr.New(apperr.KindForbidden, "list jobs", "only administrators can list all jobs"))
			return
		}
	} else {
		id := user.ID
		opts.UserID = &id
	}

	page, err := s.Jobs.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":     jobViews(page.Jobs),
		"total":    page.Total,
		"page":     page.Page,
		"per_page": page.PerPage,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, user model.User, id int64) {
	job, err := s.Jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.UserID != user.ID && !user.IsAdministrator() {
		s.writeError(w, r, apperr.New(apperr.KindForbidden, "get job", "job %d belongs to another user", id))
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request, user model.User, id int64) {
	job, err := s.Jobs.Release(r.Context(), id, user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, user model.User, id int64) {
	job, err := s.Jobs.Cancel(r.Context(), id, user)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

type jobIDsRequest struct {
	JobIDs []int64 `json:"job_ids"`
}

func (s *Server) handleBulkRelease(w http.ResponseWriter, r *http.Request, user model.User) {
	var body jobIDsRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body.JobIDs) == 0 {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "bulk release", "no jobs selected"))
		return
	}
	res := s.Jobs.BulkRelease(r.Context(), body.JobIDs, user)
	failed := map[string]errorBody{}
	for id, err := range res.Failed {
		kind := apperr.KindOf(err)
		msg := err.Error()
		if kind == "" {
			s.log().WithError(err).WithField("job", id).Error("bulk release")
			msg = "internal error"
		}
		failed[strconv.FormatInt(id, 10)] = errorBody{Error: msg, Kind: string(kind)}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"released": jobViews(res.Released),
		"failed":   failed,
	})
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request, user model.User) {
	entries, err := s.Jobs.ListQueue(r.Context(), user, model.QueueStatus(strings.TrimSpace(r.URL.Query().Get("status"))))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]queueView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newQueueView(e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

type settingsRequest struct {
	Pages     int    `json:"pages"`
	Copies    int    `json:"copies"`
	ColorMode string `json:"color_mode"`
	Duplex    bool   `json:"duplex"`
	PaperSize string `json:"paper_size"`
	Priority  string `json:"priority"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, user model.User, id int64) {
	var body settingsRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Copies == 0 {
		body.Copies = 1
	}
	job, err := s.Jobs.ClaimQueueEntry(r.Context(), id, user, model.JobSettings{
		Pages:     body.Pages,
		Copies:    body.Copies,
		ColorMode: model.ColorMode(body.ColorMode),
		Duplex:    body.Duplex,
		PaperSize: body.PaperSize,
		Priority:  model.Priority(body.Priority),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobView(job))
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, user model.User) {
	period, err := s.Ledger.Current(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuotaView(period, user))
}

// decodeJSON fills v from the request body. An empty body leaves v as is.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return apperr.Wrap(apperr.KindValidation, "decode request", err)
	}
	return nil
}
