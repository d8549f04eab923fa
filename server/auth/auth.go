package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/pkg/rando"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"gorm.io/gorm"
)

const SessionCookie = "materialsearch-session"

// As of Chrome 104, max cookie duration is 400 days
const sessionDuration = 399 * 24 * time.Hour

type Credentials struct {
	UserID     int64
	Username   string
	Anonymous  bool   // Login is disabled
	SessionKey string // Hashed session token, if authenticated via cookie
}

type AuthServer struct {
	db      *gorm.DB
	log     logs.Log
	enabled bool
	limiter func(http.Handler) http.Handler
}

// If enabled is false, then every request is authenticated as the anonymous user
func NewAuthServer(db *gorm.DB, log logs.Log, enabled bool) *AuthServer {
	return &AuthServer{
		db:      db,
		log:     log,
		enabled: enabled,
		limiter: httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
}

// SetUser creates the user, or replaces its password if it already exists
func (a *AuthServer) SetUser(username, password string) error {
	user := AuthUser{}
	if err := a.db.Where("username = ?", username).Find(&user).Error; err != nil {
		return err
	}
	hash := HashPassword(password)
	if user.ID != 0 {
		if VerifyHash(password, user.Password) {
			return nil
		}
		a.log.Infof("Updating password of user %v", username)
		return a.db.Model(&user).Update("password", hash).Error
	}
	a.log.Infof("Creating user %v", username)
	user = AuthUser{
		Username:  username,
		Password:  hash,
		CreatedAt: dbh.MakeIntTime(time.Now()),
	}
	return a.db.Create(&user).Error
}

// GetCredentials returns nil if the request is not authenticated
func (a *AuthServer) GetCredentials(r *http.Request) *Credentials {
	if !a.enabled {
		return &Credentials{Anonymous: true}
	}
	if cookie, _ := r.Cookie(SessionCookie); cookie != nil && cookie.Value != "" {
		key := HashSessionToken(cookie.Value)
		session := AuthSession{}
		a.db.Where("key = ?", key).Find(&session)
		if session.AuthUserID != 0 && (session.ExpiresAt.IsZero() || session.ExpiresAt.Get().After(time.Now())) {
			user := AuthUser{}
			a.db.Find(&user, session.AuthUserID)
			if user.ID != 0 {
				return &Credentials{
					UserID:     user.ID,
					Username:   user.Username,
					SessionKey: key,
				}
			}
		}
	}
	if username, password, ok := r.BasicAuth(); ok {
		if user := a.verifyPassword(username, password); user != nil {
			return &Credentials{
				UserID:   user.ID,
				Username: user.Username,
			}
		}
	}
	return nil
}

// If authorization fails, sends a 401 to 'w', and returns nil
func (a *AuthServer) AuthenticateRequest(w http.ResponseWriter, r *http.Request) *Credentials {
	cred := a.GetCredentials(r)
	if cred == nil {
		www.SendError(w, "Unauthorized", http.StatusUnauthorized)
	}
	return cred
}

func (a *AuthServer) verifyPassword(username, password string) *AuthUser {
	user := AuthUser{}
	a.db.Where("username = ?", username).Find(&user)
	if user.ID == 0 || !VerifyHash(password, user.Password) {
		return nil
	}
	return &user
}

type loginJSON struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login accepts a JSON body or an HTML form.
// Forms are redirected to "/" on success, or back to the login page on failure.
func (a *AuthServer) Login(w http.ResponseWriter, r *http.Request) {
	a.limiter(http.HandlerFunc(a.login)).ServeHTTP(w, r)
}

func (a *AuthServer) login(w http.ResponseWriter, r *http.Request) {
	isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
	creds := loginJSON{}
	if isJSON {
		www.ReadJSON(w, r, &creds, 64*1024)
	} else {
		creds.Username = r.FormValue("username")
		creds.Password = r.FormValue("password")
	}

	user := a.verifyPassword(creds.Username, creds.Password)
	if user == nil {
		a.log.Infof("Login failed for %v from %v", creds.Username, r.RemoteAddr)
		if isJSON {
			www.SendError(w, "Invalid username or password", http.StatusUnauthorized)
		} else {
			http.Redirect(w, r, "/login.html", http.StatusFound)
		}
		return
	}

	now := time.Now().UTC()
	expiresAt := now.Add(sessionDuration)
	token := rando.StrongRandomAlphaNumChars(30)
	session := AuthSession{
		Key:        HashSessionToken(token),
		AuthUserID: user.ID,
		CreatedAt:  dbh.MakeIntTime(now),
		ExpiresAt:  dbh.MakeIntTime(expiresAt),
	}
	if err := a.db.Create(&session).Error; err != nil {
		a.log.Errorf("Error creating session: %v", err)
		www.SendError(w, "Error creating session", http.StatusInternalServerError)
		return
	}
	a.PurgeExpiredSessions()
	a.log.Infof("Login succeeded for %v from %v", user.Username, r.RemoteAddr)

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	if isJSON {
		www.SendOK(w)
	} else {
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func (a *AuthServer) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, _ := r.Cookie(SessionCookie); cookie != nil {
		a.db.Where("key = ?", HashSessionToken(cookie.Value)).Delete(&AuthSession{})
	}
	http.SetCookie(w, &http.Cookie{
		Name:   SessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	if r.Method == http.MethodGet {
		http.Redirect(w, r, "/login.html", http.StatusFound)
	} else {
		www.SendOK(w)
	}
}

func (a *AuthServer) PurgeExpiredSessions() {
	if err := a.db.Where("expires_at < ?", time.Now().UnixMilli()).Delete(&AuthSession{}).Error; err != nil {
		a.log.Warnf("PurgeExpiredSessions failed: %v", err)
	}
}
