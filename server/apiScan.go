package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/cyclopcam/materialsearch/server/auth"
	"github.com/cyclopcam/materialsearch/server/embed"
	"github.com/cyclopcam/materialsearch/server/scanner"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Interval between status pushes on the websocket, when nothing has changed
const statusPushInterval = 2 * time.Second

func (s *Server) httpScan(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	type response struct {
		Status string `json:"status"`
	}
	if s.Scanner.IsScanning() {
		www.SendJSON(w, &response{Status: "already scanning"})
		return
	}
	go func() {
		if err := s.Scanner.Scan(s.ctx, false); err != nil && !errors.Is(err, scanner.ErrAlreadyScanning) && !errors.Is(err, context.Canceled) {
			s.Log.Errorf("Scan failed: %v", err)
		}
	}()
	www.SendJSON(w, &response{Status: "start scanning"})
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	www.CacheNever(w)
	www.SendJSON(w, s.Scanner.Status())
}

// httpStatusWebSocket pushes the scanner status whenever it changes, and every statusPushInterval
func (s *Server) httpStatusWebSocket(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("Status websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	updates, unsubscribe := s.Scanner.Subscribe()
	defer unsubscribe()

	// We never expect messages from the client, but we need to read to detect a close
	closed := make(chan bool)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	status := s.Scanner.Status()
	for {
		if err := c.WriteJSON(&status); err != nil {
			s.Log.Debugf("Status websocket write failed: %v", err)
			return
		}
		select {
		case <-closed:
			return
		case <-s.ctx.Done():
			return
		case status = <-updates:
		case <-ticker.C:
			status = s.Scanner.Status()
		}
	}
}

func (s *Server) httpModels(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	type modelJSON struct {
		Name    string `json:"name"`
		Path    string `json:"path"`
		Current bool   `json:"current"`
	}
	current := s.embedder.Model()
	models := map[string]modelJSON{}
	for name, path := range s.Config.CustomModels {
		if _, err := os.Stat(path); err == nil {
			models[name] = modelJSON{
				Name:    name,
				Path:    path,
				Current: name == current,
			}
		}
	}
	www.SendJSON(w, models)
}

func (s *Server) httpChangeModel(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	name := www.QueryValue(r, "model")
	if _, ok := s.Config.ModelPath(name); !ok {
		www.PanicBadRequestf("Invalid model name '%v'", name)
	}
	if err := s.embedder.SetModel(r.Context(), name); err != nil {
		if errors.Is(err, embed.ErrUnknownModel) {
			www.PanicBadRequestf("%v", err)
		}
		www.PanicServerErrorf("Failed to load model %v: %v", name, err)
	}
	s.Searcher.CleanCache(r.Context())
	s.Log.Infof("Changed model to %v", name)

	type response struct {
		Success bool   `json:"success"`
		Model   string `json:"model"`
	}
	www.SendJSON(w, &response{Success: true, Model: name})
}
