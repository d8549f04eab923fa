package auth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/materialsearch/server/mediadb"
	"github.com/stretchr/testify/require"
)

func createTestAuth(t *testing.T, enabled bool) *AuthServer {
	t.Helper()
	os.Remove("test-auth.sqlite")
	log := logs.NewTestingLog(t)
	db, err := mediadb.NewMediaDB(log, dbh.MakeSqliteConfig("test-auth.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
		os.Remove("test-auth.sqlite")
	})
	a := NewAuthServer(db.DB(), log, enabled)
	require.NoError(t, a.SetUser("admin", "hunter22"))
	return a
}

func TestPasswordHash(t *testing.T) {
	h := HashPassword("secret")
	require.True(t, VerifyHash("secret", h))
	require.False(t, VerifyHash("Secret", h))
	require.False(t, VerifyHash("secret", "garbage"))
	require.NotEqual(t, h, HashPassword("secret"))
	require.Equal(t, HashSessionToken("abc"), HashSessionToken("abc"))
}

func TestDisabled(t *testing.T) {
	a := createTestAuth(t, false)
	r := httptest.NewRequest("GET", "/api/status", nil)
	cred := a.GetCredentials(r)
	require.NotNil(t, cred)
	require.True(t, cred.Anonymous)
}

func TestBasicAuth(t *testing.T) {
	a := createTestAuth(t, true)
	r := httptest.NewRequest("GET", "/api/status", nil)
	require.Nil(t, a.GetCredentials(r))

	r.SetBasicAuth("admin", "wrong")
	require.Nil(t, a.GetCredentials(r))

	r.SetBasicAuth("admin", "hunter22")
	cred := a.GetCredentials(r)
	require.NotNil(t, cred)
	require.Equal(t, "admin", cred.Username)

	// Changing the password invalidates the old one
	require.NoError(t, a.SetUser("admin", "hunter33"))
	require.Nil(t, a.GetCredentials(r))
}

func TestLoginLogout(t *testing.T) {
	a := createTestAuth(t, true)

	// Form login with the wrong password goes back to the login page
	form := url.Values{"username": {"admin"}, "password": {"nope"}}
	r := httptest.NewRequest("POST", "/api/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	a.Login(w, r)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/login.html", w.Header().Get("Location"))

	// JSON login with the wrong password is a 401
	r = httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"username":"admin","password":"nope"}`))
	r.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	a.Login(w, r)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	form.Set("password", "hunter22")
	r = httptest.NewRequest("POST", "/api/login", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	a.Login(w, r)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "/", w.Header().Get("Location"))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, SessionCookie, cookies[0].Name)

	r = httptest.NewRequest("GET", "/api/status", nil)
	r.AddCookie(cookies[0])
	cred := a.GetCredentials(r)
	require.NotNil(t, cred)
	require.Equal(t, "admin", cred.Username)
	require.NotEmpty(t, cred.SessionKey)

	r = httptest.NewRequest("POST", "/api/logout", nil)
	r.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	a.Logout(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	r = httptest.NewRequest("GET", "/api/status", nil)
	r.AddCookie(cookies[0])
	require.Nil(t, a.GetCredentials(r))
}

func TestLoginRateLimit(t *testing.T) {
	a := createTestAuth(t, true)
	codes := map[int]int{}
	for i := 0; i < 12; i++ {
		r := httptest.NewRequest("POST", "/api/login", strings.NewReader(`{"username":"admin","password":"nope"}`))
		r.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		a.Login(w, r)
		codes[w.Code]++
	}
	require.Equal(t, 10, codes[http.StatusUnauthorized])
	require.Equal(t, 2, codes[http.StatusTooManyRequests])
}
