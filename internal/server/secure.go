package server

import (
	"net/http"
	"strconv"
	"time"

	"printgate/internal/model"
	"printgate/internal/secure"
)

func (s *Server) handleSecureSubmit(w http.ResponseWriter, r *http.Request, user model.User) {
	req, file, err := submitRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()

	sub, err := s.Secure.SubmitSecure(r.Context(), user, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id":     sub.JobID,
		"print_code": sub.PrintCode,
		"expires_at": sub.Expires,
	})
}

type authenticateRequest struct {
	Method    string `json:"method"`
	Username  string `json:"username"`
	PIN       string `json:"pin"`
	Card      string `json:"card_id"`
	PrintCode string `json:"print_code"`
	PrinterID *int64 `json:"printer_id"`
}

type userView struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Balance  string `json:"balance"`
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var body authenticateRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Secure.Authenticate(r.Context(), secure.Method(body.Method), secure.Credentials{
		Username:  body.Username,
		PIN:       body.PIN,
		Card:      body.Card,
		PrintCode: body.PrintCode,
	}, body.PrinterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":       userView{ID: res.User.ID, Username: res.User.Username, Balance: res.User.Balance.StringFixed(2)},
		"jobs":       jobViews(res.Jobs),
		"token":      res.Token,
		"expires_at": res.Expires,
	})
}

type secureReleaseRequest struct {
	Token  string  `json:"token"`
	JobIDs []int64 `json:"job_ids"`
}

type releasedView struct {
	JobID    int64  `json:"job_id"`
	FileName string `json:"file_name"`
	Cost     string `json:"cost"`
}

func (s *Server) handleSecureRelease(w http.ResponseWriter, r *http.Request) {
	var body secureReleaseRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.Secure.ReleaseSelected(r.Context(), body.Token, body.JobIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	released := make([]releasedView, 0, len(res.Released))
	for _, j := range res.Released {
		released = append(released, releasedView{JobID: j.JobID, FileName: j.FileName, Cost: j.Cost.StringFixed(2)})
	}
	skipped := map[string]string{}
	for id, reason := range res.Skipped {
		skipped[strconv.FormatInt(id, 10)] = reason
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"released":   released,
		"skipped":    skipped,
		"total_cost": res.TotalCost.StringFixed(2),
	})
}

type panelMethodView struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request, printerID int64) {
	panel, err := s.Secure.PanelConfig(r.Context(), printerID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	methods := make([]panelMethodView, 0, len(panel.Methods))
	for _, m := range panel.Methods {
		methods = append(methods, panelMethodView{Type: string(m.Type), Name: m.Name, Description: m.Description, Enabled: m.Enabled})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"printer_id":      panel.PrinterID,
		"printer_name":    panel.PrinterName,
		"methods":         methods,
		"code_length":     panel.CodeLength,
		"session_timeout": int(panel.SessionTimeout / time.Second),
	})
}
