package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/cyclopcam/materialsearch/pkg/rando"
)

const UploadCookie = "materialsearch-upload"

// Forget upload sessions that have been idle for this long
const uploadSessionTTL = 24 * time.Hour

type uploadSession struct {
	hash     string
	lastUsed time.Time
}

// uploadSessions maps a browser session to its most recent query image.
// This works whether or not login is enabled.
type uploadSessions struct {
	lock     sync.Mutex
	sessions map[string]*uploadSession
}

func newUploadSessions() *uploadSessions {
	return &uploadSessions{
		sessions: map[string]*uploadSession{},
	}
}

// set records the upload, and returns the hash of the previous upload in this session
func (u *uploadSessions) set(sessionID, hash string) string {
	u.lock.Lock()
	defer u.lock.Unlock()
	now := time.Now()
	for id, s := range u.sessions {
		if now.Sub(s.lastUsed) > uploadSessionTTL {
			delete(u.sessions, id)
		}
	}
	prev := ""
	if s := u.sessions[sessionID]; s != nil {
		prev = s.hash
	}
	u.sessions[sessionID] = &uploadSession{hash: hash, lastUsed: now}
	return prev
}

// take consumes the upload of the session, returning "" if there is none
func (u *uploadSessions) take(sessionID string) string {
	u.lock.Lock()
	defer u.lock.Unlock()
	s := u.sessions[sessionID]
	if s == nil {
		return ""
	}
	delete(u.sessions, sessionID)
	return s.hash
}

// isReferenced is true if any session still holds this upload
func (u *uploadSessions) isReferenced(hash string) bool {
	u.lock.Lock()
	defer u.lock.Unlock()
	for _, s := range u.sessions {
		if s.hash == hash {
			return true
		}
	}
	return false
}

// Returns the upload session ID of the request, or "" if it has none
func uploadSessionID(r *http.Request) string {
	if cookie, _ := r.Cookie(UploadCookie); cookie != nil {
		return cookie.Value
	}
	return ""
}

// Returns the upload session ID of the request, creating a new session if necessary
func ensureUploadSessionID(w http.ResponseWriter, r *http.Request) string {
	if id := uploadSessionID(r); id != "" {
		return id
	}
	id := rando.StrongRandomAlphaNumChars(20)
	http.SetCookie(w, &http.Cookie{
		Name:     UploadCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}
