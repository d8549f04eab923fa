package server

import (
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cyclopcam/materialsearch/server/auth"
	"github.com/cyclopcam/staticfiles"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

//go:embed www
var staticWWW embed.FS

type authenticatedHandler func(w http.ResponseWriter, r *http.Request, params httprouter.Params, cred *auth.Credentials)

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := os.Getenv("MATERIALSEARCH_LOG_REQUESTS") == "1"
	router := httprouter.New()

	// protected creates an HTTP handler that is accessible only with authentication
	protected := func(method, route string, handle authenticatedHandler) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP (protected) %v %v", method, r.URL.Path)
			}
			cred := s.auth.AuthenticateRequest(w, r)
			if cred == nil {
				return
			}
			handle(w, r, params, cred)
		})
	}

	// unprotected creates an HTTP handler that is accessible without authentication
	unprotected := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP (unprotected) %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	unprotected("GET", "/api/ping", s.httpPing)
	unprotected("POST", "/api/login", s.httpAuthLogin)
	unprotected("GET", "/api/logout", s.httpAuthLogout)
	unprotected("POST", "/api/logout", s.httpAuthLogout)

	protected("GET", "/api/scan", s.httpScan)
	protected("GET", "/api/status", s.httpStatus)
	protected("GET", "/api/ws/status", s.httpStatusWebSocket)
	protected("GET", "/api/models", s.httpModels)
	protected("GET", "/api/change_model", s.httpChangeModel)
	protected("GET", "/api/clean_cache", s.httpCleanCache)
	protected("POST", "/api/clean_cache", s.httpCleanCache)
	protected("POST", "/api/upload", s.httpUpload)
	protected("POST", "/api/match", s.httpMatch)
	protected("GET", "/api/get_image/:id", s.httpGetImage)
	protected("GET", "/api/get_video/:path", s.httpGetVideo)
	protected("GET", "/api/download_video_clip/:path/:start/:end", s.httpDownloadVideoClip)

	isImmutable := true
	var fsys fs.FS
	fsysRoot := "www"
	fsys = staticWWW
	if s.HotReloadWWW {
		relRoot := "server/www"
		absRoot, err := filepath.Abs(relRoot)
		if err != nil {
			s.Log.Errorf("Failed to resolve static file directory %v: %v", relRoot, err)
			return errors.New("Failed to resolve static file directory for hot reload")
		}
		s.Log.Infof("Serving static files from %v, with hot reload", absRoot)
		fsys = os.DirFS(absRoot)
		fsysRoot = ""
		isImmutable = false
	}

	static, err := staticfiles.NewCachedStaticFileServer(fsys, fsysRoot, []string{"/api/"}, s.Log, isImmutable, nil)
	if err != nil {
		return err
	}
	// The UI itself requires a login, but the login page and its assets do not
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (r.URL.Path == "/" || r.URL.Path == "/index.html") && s.auth.GetCredentials(r) == nil {
			http.Redirect(w, r, "/login.html", http.StatusFound)
			return
		}
		static.ServeHTTP(w, r)
	})

	s.httpRouter = router
	return nil
}
