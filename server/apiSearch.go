package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"image"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cyclopcam/materialsearch/pkg/imgproc"
	"github.com/cyclopcam/materialsearch/server/auth"
	"github.com/cyclopcam/materialsearch/server/search"
	"github.com/cyclopcam/materialsearch/server/storage"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

const maxUploadBytes = 32 * 1024 * 1024

var uploadLimiter = httprate.Limit(30, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))

func (s *Server) httpUpload(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	uploadLimiter(http.HandlerFunc(s.upload)).ServeHTTP(w, r)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	f, _, err := r.FormFile("file")
	if err != nil {
		www.PanicBadRequestf("No file uploaded: %v", err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	www.Check(err)
	if _, err := imgproc.Decode(raw); err != nil {
		www.PanicBadRequestf("Invalid image: %v", err)
	}

	h := sha256.Sum256(raw)
	hash := hex.EncodeToString(h[:])
	name := storage.UploadName(hash)
	www.Check(storage.WriteFile(s.storage, name, bytes.NewReader(raw)))

	prev := s.uploads.set(ensureUploadSessionID(w, r), hash)
	if prev != "" && prev != hash && !s.uploads.isReferenced(prev) {
		if err := s.storage.DeleteFile(storage.UploadName(prev)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.Log.Warnf("Failed to delete previous upload %v: %v", prev, err)
		}
	}
	s.Log.Debugf("Uploaded %v (%v bytes)", name, len(raw))

	type response struct {
		Data     string `json:"data"`
		Status   string `json:"status"`
		FilePath string `json:"file_path"`
	}
	www.SendJSON(w, &response{
		Data:     "file uploaded successfully",
		Status:   "success",
		FilePath: name,
	})
}

func (s *Server) httpMatch(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	req := search.Request{}
	www.ReadJSON(w, r, &req, 1024*1024)

	var upload image.Image
	if req.NeedsUpload() {
		upload, req.UploadHash = s.takeUpload(r)
	}

	res, err := s.Searcher.Match(r.Context(), &req, upload)
	if errors.Is(err, search.ErrUnsupportedSearchType) || errors.Is(err, search.ErrNoUpload) {
		www.PanicBadRequestf("%v", err)
	} else if errors.Is(err, search.ErrImageNotFound) {
		www.PanicNotFound()
	}
	www.Check(err)
	www.SendJSON(w, res.Items())
}

// takeUpload consumes the session's upload, returning the decoded image and its hash.
// Returns nil if the session has no upload.
func (s *Server) takeUpload(r *http.Request) (image.Image, string) {
	sessionID := uploadSessionID(r)
	if sessionID == "" {
		return nil, ""
	}
	hash := s.uploads.take(sessionID)
	if hash == "" {
		return nil, ""
	}
	name := storage.UploadName(hash)
	raw, err := storage.ReadFile(s.storage, name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ""
	}
	www.Check(err)
	if !s.uploads.isReferenced(hash) {
		if err := s.storage.DeleteFile(name); err != nil {
			s.Log.Warnf("Failed to delete upload %v: %v", name, err)
		}
	}
	img, err := imgproc.Decode(raw)
	if err != nil {
		www.PanicBadRequestf("Invalid image: %v", err)
	}
	return img, hash
}
