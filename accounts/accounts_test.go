package accounts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/cache"
	"github.com/freundallein/acm/backend/chassis/httpx"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/chassis/storage/storagetest"
	"github.com/freundallein/acm/backend/notification"
)

type fixture struct {
	store *storagetest.MemoryStore
	cache *cache.MemoryCache
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	store := storagetest.NewMemoryStore(storage.RetryPolicy{MaxAttempts: 3, Step: 1})
	require.NoError(t, store.SaveTemplate(context.Background(), &storage.EmailTemplate{
		Code: notification.TemplateOTP, Subject: "code", HTML: "{{.code}}",
	}))
	c := cache.NewMemoryCache()
	svc := NewService(store, NewOTPs(c, "otp-secret"), NewTokens("jwt-secret", 15*time.Minute, time.Hour, c), notification.New(store))
	return &fixture{store: store, cache: c, svc: svc}
}

// lastCode pops the newest queued OTP from the outbox.
func (f *fixture) lastCode(t *testing.T) string {
	var code string
	for {
		n, err := f.store.SelectNotification(context.Background())
		if err != nil {
			break
		}
		code = n.Context["code"]
	}
	require.NotEmpty(t, code)
	return code
}

func TestSignupVerifyFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	token, err := f.svc.StartSignup(ctx, &Signup{Email: " Ali@Example.com ", Password: "password1", FirstName: "Ali"})
	require.NoError(t, err)
	code := f.lastCode(t)

	_, err = f.svc.Verify(ctx, IntentLogin, token, code)
	assert.True(t, apperr.Is(err, apperr.AccInvalidOTP), "wrong intent")

	token, err = f.svc.StartSignup(ctx, &Signup{Email: "ali@example.com", Password: "password1"})
	require.NoError(t, err)
	code = f.lastCode(t)

	session, err := f.svc.Verify(ctx, IntentSignup, token, code)
	require.NoError(t, err)
	assert.Equal(t, "ali@example.com", session.User.Email)
	assert.Equal(t, "Ali", session.User.FirstName)
	assert.True(t, session.User.IsEmailVerified)

	_, err = f.svc.Verify(ctx, IntentSignup, token, code)
	assert.True(t, apperr.Is(err, apperr.AccInvalidOTP), "single use")

	_, err = f.svc.StartSignup(ctx, &Signup{Email: "ALI@example.com", Password: "password1"})
	assert.True(t, apperr.Is(err, apperr.AccEmailTaken))
}

func TestStartLoginErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartLogin(ctx, "nobody@example.com")
	assert.True(t, apperr.Is(err, apperr.AccInvalidCredentials))

	require.NoError(t, f.store.CreateUser(ctx, &storage.User{Email: "off@example.com"}))
	_, err = f.svc.StartLogin(ctx, "off@example.com")
	assert.True(t, apperr.Is(err, apperr.AccAccountDisabled))
}

func TestOTPRateLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	otps := NewOTPs(f.cache, "s")
	for i := 0; i < 3; i++ {
		_, _, err := otps.Create(ctx, "a@b.co", IntentLogin, 1)
		require.NoError(t, err)
	}
	_, _, err := otps.Create(ctx, "a@b.co", IntentLogin, 1)
	appErr, ok := apperr.From(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, appErr.Status)

	now := time.Now().Add(2 * time.Hour)
	f.cache.SetClock(func() time.Time { return now })
	_, _, err = otps.Create(ctx, "a@b.co", IntentLogin, 1)
	assert.NoError(t, err)
}

func TestOTPWrongCodeKeepsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	otps := NewOTPs(f.cache, "s")
	token, code, err := otps.Create(ctx, "a@b.co", IntentLogin, 7)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	record, err := otps.Verify(ctx, token, "not-it")
	require.NoError(t, err)
	assert.Nil(t, record)

	record, err = otps.Verify(ctx, token, code)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, int64(7), record.UserID)
}

func TestOTPConsumedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	otps := NewOTPs(f.cache, "s")
	token, code, err := otps.Create(ctx, "a@b.co", IntentLogin, 7)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := otps.Verify(ctx, token, code)
			assert.NoError(t, err)
			if record != nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := &storage.User{Email: "a@b.co", IsActive: true, IsStaff: true}
	require.NoError(t, f.store.CreateUser(ctx, user))

	session, err := f.svc.Login(user)
	require.NoError(t, err)

	principal, err := f.svc.Tokens().ParseAccess(session.Access)
	require.NoError(t, err)
	assert.Equal(t, user.ID, principal.UserID)
	assert.True(t, principal.Staff)

	_, err = f.svc.Tokens().ParseAccess(session.Refresh)
	assert.Error(t, err, "refresh is not an access token")

	_, err = f.svc.Refresh(ctx, "")
	assert.True(t, apperr.Is(err, apperr.AccNoRefresh))

	rotated, err := f.svc.Refresh(ctx, session.Refresh)
	require.NoError(t, err)
	assert.NotEqual(t, session.Refresh, rotated.Refresh)

	_, err = f.svc.Refresh(ctx, session.Refresh)
	assert.True(t, apperr.Is(err, apperr.AccInvalidRefresh), "old refresh is blacklisted")

	f.svc.Logout(ctx, rotated.Refresh)
	_, err = f.svc.Refresh(ctx, rotated.Refresh)
	assert.True(t, apperr.Is(err, apperr.AccInvalidRefresh))
}

func TestSaveExtraPutResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handle := "tourist"
	score := 3800
	extra, err := f.svc.SaveExtra(ctx, 1, &ExtraPatch{CodeforcesHandle: &handle, CodeforcesScore: &score}, true)
	require.NoError(t, err)
	assert.Equal(t, "tourist", extra.CodeforcesHandle)

	achievements := "ICPC"
	extra, err = f.svc.SaveExtra(ctx, 1, &ExtraPatch{Achievements: &achievements}, false)
	require.NoError(t, err)
	assert.Equal(t, "", extra.CodeforcesHandle)
	assert.Equal(t, "ICPC", extra.Achievements)
}

func TestUpsertExternalKeepsNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateUser(ctx, &storage.User{Email: "a@b.co", FirstName: "Old", IsActive: true}))

	user, err := f.svc.UpsertExternal(ctx, &ExternalUser{Email: "A@b.co", FirstName: "New", LastName: "Last", Verified: true})
	require.NoError(t, err)
	assert.Equal(t, "Old", user.FirstName)
	assert.Equal(t, "Last", user.LastName)
	assert.True(t, user.IsEmailVerified)
}

func TestCodeforcesIDToken(t *testing.T) {
	cf := NewCodeforces(&OAuthConfig{ClientID: "id", ClientSecret: "secret", RedirectURI: "x", Issuer: "https://codeforces.com"})
	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
		require.NoError(t, err)
		return token
	}

	profile, err := cf.VerifyIDToken(sign(jwt.MapClaims{"iss": "https://codeforces.com", "sub": "42", "handle": "tourist", "rating": 3800.0}))
	require.NoError(t, err)
	assert.Equal(t, "tourist", profile.Handle)
	assert.Equal(t, 3800, profile.Rating)
	assert.Equal(t, "tourist+cf@users.noreply.codeforces.com", profile.Email())

	_, err = cf.VerifyIDToken(sign(jwt.MapClaims{"iss": "https://evil.example", "handle": "x"}))
	assert.Error(t, err)
}

func TestPickEmail(t *testing.T) {
	email, verified := pickEmail([]githubEmail{{Email: "a@x.co", Verified: true}, {Email: "p@x.co", Primary: true}})
	assert.Equal(t, "p@x.co", email)
	assert.False(t, verified)

	email, verified = pickEmail([]githubEmail{{Email: "a@x.co"}, {Email: "v@x.co", Verified: true}})
	assert.Equal(t, "v@x.co", email)
	assert.True(t, verified)
}

func TestGitHubIdentify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/token":
			w.Write([]byte(`{"access_token":"gh","token_type":"bearer"}`))
		case "/user":
			assert.Equal(t, "Bearer gh", r.Header.Get("Authorization"))
			w.Write([]byte(`{"id":7,"login":"octo","name":"Octo Cat Jr"}`))
		case "/user/emails":
			w.Write([]byte(`[{"email":"octo@github.com","primary":true,"verified":true}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gh := NewGitHub(&OAuthConfig{ClientID: "id", ClientSecret: "s", RedirectURI: "r", AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", APIURL: srv.URL})
	ext, err := gh.Identify(context.Background(), "code")
	require.NoError(t, err)
	assert.Equal(t, &ExternalUser{Email: "octo@github.com", FirstName: "Octo", LastName: "Cat Jr", Verified: true}, ext)
}

func newRouter(f *fixture) http.Handler {
	h := NewHandler(f.svc, NewGitHub(&OAuthConfig{}), NewCodeforces(&OAuthConfig{}), HandlerConfig{
		RefreshCookie: CookieConfig{Name: "refresh_token", Path: "/api/accounts/"},
		StateCookie:   "oauth_state",
	})
	r := mux.NewRouter()
	h.Register(r.PathPrefix("/api/accounts").Subrouter())
	return httpx.Authenticate(f.svc.Tokens())(r)
}

func TestLoginOverHTTP(t *testing.T) {
	f := newFixture(t)
	router := newRouter(f)
	require.NoError(t, f.store.CreateUser(context.Background(), &storage.User{Email: "a@b.co", IsActive: true}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/accounts/login/start/", strings.NewReader(`{"email":"a@b.co"}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var started map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	body := `{"token":"` + started["otp_token"] + `","code":"` + f.lastCode(t) + `"}`
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/accounts/login/verify/", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var verified struct {
		Access string `json:"access"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verified))
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)

	r := httptest.NewRequest(http.MethodGet, "/api/accounts/me/", nil)
	r.Header.Set("Authorization", "Bearer "+verified.Access)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"is_email_verified":true`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/accounts/token/refresh/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	r = httptest.NewRequest(http.MethodPost, "/api/accounts/token/refresh/", nil)
	r.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOAuthCallbackRejectsBadState(t *testing.T) {
	router := newRouter(newFixture(t))
	r := httptest.NewRequest(http.MethodGet, "/api/accounts/oauth/github/callback/?code=c&state=a", nil)
	r.AddCookie(&http.Cookie{Name: "oauth_state", Value: "b"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "login=error&reason=invalid_state")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/accounts/oauth/github/login/", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code, "unconfigured provider")
}
