package server

import (
	"database/sql"
	"net/http"

	"printgate/internal/model"
)

const authRealm = "printgate"

type userHandler func(w http.ResponseWriter, r *http.Request, user model.User)

// withUser checks the method, authenticates the caller with HTTP Basic auth
// and hands the user to h. Inactive accounts are rejected.
func (s *Server) withUser(w http.ResponseWriter, r *http.Request, method string, h userHandler) {
	if !allowMethod(w, r, method) {
		return
	}
	user, ok := s.authenticateBasic(r)
	if !ok {
		setAuthChallenge(w)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Kind: "auth_failure"})
		return
	}
	if !user.Active {
		writeJSON(w, http.StatusForbidden, errorBody{Error: "account disabled", Kind: "forbidden"})
		return
	}
	h(w, r, user)
}

func (s *Server) authenticateBasic(r *http.Request) (model.User, bool) {
	username, pass, ok := r.BasicAuth()
	if !ok || username == "" {
		return model.User{}, false
	}
	var result model.User
	err := s.Store.WithTx(r.Context(), true, func(tx *sql.Tx) error {
		u, err := s.Store.VerifyUser(r.Context(), tx, username, pass)
		if err != nil {
			return err
		}
		result = u
		return nil
	})
	if err != nil {
		return model.User{}, false
	}
	return result, true
}

func setAuthChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+authRealm+`"`)
}
