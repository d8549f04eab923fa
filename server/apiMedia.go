package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/materialsearch/pkg/imgproc"
	"github.com/cyclopcam/materialsearch/pkg/rando"
	"github.com/cyclopcam/materialsearch/pkg/videox"
	"github.com/cyclopcam/materialsearch/server/auth"
	"github.com/cyclopcam/materialsearch/server/search"
	"github.com/cyclopcam/materialsearch/server/storage"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

const (
	thumbnailWidth   = 640
	thumbnailHeight  = 480
	thumbnailQuality = 60
)

func contentTypeOf(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// serveLocalFile serves a file from the asset library, with support for range requests
func serveLocalFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		www.PanicNotFound()
	}
	www.Check(err)
	defer f.Close()
	st, err := f.Stat()
	www.Check(err)
	w.Header().Set("Content-Type", contentTypeOf(path))
	http.ServeContent(w, r, filepath.Base(path), st.ModTime(), f)
}

func (s *Server) httpGetImage(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	id := www.ParseID(params.ByName("id"))
	path, err := s.MediaDB.ImagePathByID(id)
	www.Check(err)
	if path == "" {
		www.PanicNotFound()
	}
	if www.QueryValue(r, "thumbnail") != "" && strings.ToLower(filepath.Ext(path)) != ".gif" {
		thumb, err := imgproc.Thumbnail(path, thumbnailWidth, thumbnailHeight, thumbnailQuality)
		if errors.Is(err, os.ErrNotExist) {
			www.PanicNotFound()
		}
		www.Check(err)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", filepath.Base(path)))
		w.Write(thumb)
		return
	}
	serveLocalFile(w, r, path)
}

// videoPathOrPanic decodes the :path parameter, and refuses any path that is not an indexed video.
// Without this check, the endpoint would serve arbitrary files.
func (s *Server) videoPathOrPanic(params httprouter.Params) string {
	path, err := search.DecodeVideoPath(params.ByName("path"))
	if err != nil {
		www.PanicBadRequestf("Invalid video path: %v", err)
	}
	exists, err := s.MediaDB.IsVideoExist(path)
	www.Check(err)
	if !exists {
		www.PanicNotFound()
	}
	return path
}

func (s *Server) httpGetVideo(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	path := s.videoPathOrPanic(params)
	serveLocalFile(w, r, path)
}

func (s *Server) httpDownloadVideoClip(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials) {
	path := s.videoPathOrPanic(params)
	start, err1 := strconv.Atoi(params.ByName("start"))
	end, err2 := strconv.Atoi(params.ByName("end"))
	if err1 != nil || err2 != nil {
		www.PanicBadRequestf("Invalid clip range %v..%v", params.ByName("start"), params.ByName("end"))
	}
	start, end = videox.ClipBounds(start, end, s.Config.VideoExtensionLength)
	if end <= start {
		www.PanicBadRequestf("Invalid clip range %v..%v", start, end)
	}

	name, err := s.ensureClip(path, start, end)
	www.Check(err)

	var reader io.ReadCloser
	if s.storageCache != nil {
		// The blob store can't seek, so serve from our local copy
		file, err := s.storageCache.Open(name)
		www.Check(err)
		reader = file
	} else {
		file, err := s.storage.ReadFile(name)
		www.Check(err)
		reader = file.Reader
	}
	defer reader.Close()

	downloadName := fmt.Sprintf("%v_%v_%v", start, end, filepath.Base(path))
	w.Header().Set("Content-Type", contentTypeOf(path))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName))
	if seeker, ok := reader.(io.ReadSeeker); ok {
		http.ServeContent(w, r, downloadName, time.Time{}, seeker)
	} else {
		io.Copy(w, reader)
	}
}

// ensureClip cuts the clip with ffmpeg, unless it is already in storage.
// Concurrent requests for the same clip share a single cut.
func (s *Server) ensureClip(path string, start, end int) (string, error) {
	name := storage.ClipName(path, start, end)
	_, err, _ := s.clipGroup.Do(name, func() (any, error) {
		if exists, err := storage.Exists(s.storage, name); err != nil || exists {
			return nil, err
		}
		if err := os.MkdirAll(s.Config.ClipDir(), 0755); err != nil {
			return nil, err
		}
		tmp := filepath.Join(s.Config.ClipDir(), rando.StrongRandomHex(8)+filepath.Ext(path))
		defer os.Remove(tmp)
		s.Log.Infof("Cutting clip %v..%v of %v", start, end, path)
		if err := videox.CutClip(s.ctx, path, tmp, start, end); err != nil {
			return nil, err
		}
		f, err := os.Open(tmp)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return nil, storage.WriteFile(s.storage, name, f)
	})
	return name, err
}
