package server

import (
	"net/http"
	"time"

	"github.com/cyclopcam/materialsearch/server/auth"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingJSON struct {
		Time int64 `json:"time"`
	}
	ping := &pingJSON{
		Time: time.Now().Unix(),
	}
	www.SendJSON(w, ping)
}

func (s *Server) httpAuthLogin(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.auth.Login(w, r)
}

func (s *Server) httpAuthLogout(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.auth.Logout(w, r)
}

func (s *Server) httpCleanCache(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	s.Searcher.CleanCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}
