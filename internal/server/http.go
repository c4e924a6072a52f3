// Package server exposes job submission, release and secure printing as a
// JSON API over HTTP.
package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"printgate/internal/jobs"
	"printgate/internal/quota"
	"printgate/internal/secure"
	"printgate/internal/store"
)

type Server struct {
	Store  *store.Store
	Jobs   *jobs.Service
	Ledger *quota.Ledger
	Secure *secure.Authenticator
	Log    *logrus.Entry
	// MaxRequestSize caps request bodies in bytes. Zero means no cap.
	MaxRequestSize int64
}

func (s *Server) log() *logrus.Entry {
	if s.Log != nil {
		return s.Log
	}
	return logrus.WithField("component", "http")
}

func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestSize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestSize)
		}
		parts := splitPath(r.URL.Path)
		switch {
		case len(parts) == 0 || parts[0] != "api":
			http.NotFound(w, r)
		case len(parts) == 2 && parts[1] == "health":
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		case len(parts) >= 2 && parts[1] == "jobs":
			s.routeJobs(w, r, parts[2:])
		case len(parts) >= 2 && parts[1] == "queue":
			s.routeQueue(w, r, parts[2:])
		case len(parts) == 2 && parts[1] == "quota":
			s.withUser(w, r, http.MethodGet, s.handleQuota)
		case len(parts) >= 2 && parts[1] == "secure":
			s.routeSecure(w, r, parts[2:])
		default:
			http.NotFound(w, r)
		}
	})
}

func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		s.withUser(w, r, http.MethodPost, s.handleSubmit)
	case len(rest) == 0:
		s.withUser(w, r, http.MethodGet, s.handleListJobs)
	case len(rest) == 1 && rest[0] == "release":
		s.withUser(w, r, http.MethodPost, s.handleBulkRelease)
	default:
		id, ok := parseID(rest[0])
		if !ok {
			http.NotFound(w, r)
			return
		}
		switch {
		case len(rest) == 1:
			s.withUser(w, r, http.MethodGet, s.jobHandler(id, s.handleGetJob))
		case len(rest) == 2 && rest[1] == "release":
			s.withUser(w, r, http.MethodPost, s.jobHandler(id, s.handleRelease))
		case len(rest) == 2 && rest[1] == "cancel":
			s.withUser(w, r, http.MethodPost, s.jobHandler(id, s.handleCancel))
		default:
			http.NotFound(w, r)
		}
	}
}

func (s *Server) routeQueue(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0:
		s.withUser(w, r, http.MethodGet, s.handleListQueue)
	case len(rest) == 2 && rest[1] == "claim":
		id, ok := parseID(rest[0])
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.withUser(w, r, http.MethodPost, s.jobHandler(id, s.handleClaim))
	default:
		http.NotFound(w, r)
	}
}

// Printer-side routes authenticate with the credentials in the body, not
// with HTTP auth, except for submission which needs an owner.
func (s *Server) routeSecure(w http.ResponseWriter, r *http.Request, rest []string) {
	if s.Secure == nil {
		http.NotFound(w, r)
		return
	}
	switch {
	case len(rest) == 1 && rest[0] == "submit":
		s.withUser(w, r, http.MethodPost, s.handleSecureSubmit)
	case len(rest) == 1 && rest[0] == "authenticate":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		s.handleAuthenticate(w, r)
	case len(rest) == 1 && rest[0] == "release":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		s.handleSecureRelease(w, r)
	case len(rest) == 2 && rest[0] == "panel":
		id, ok := parseID(rest[1])
		if !ok {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		s.handlePanel(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed"})
	return false
}

func splitPath(p string) []string {
	out := []string{}
	for _, part := range strings.Split(p, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseID(v string) (int64, bool) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
