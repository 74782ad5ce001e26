package accounts

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/httpx"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/storage"
)

const stateCookieMaxAge = 600

// CookieConfig ...
type CookieConfig struct {
	Name   string
	Path   string
	Domain string
	Secure bool
}

// HandlerConfig ...
type HandlerConfig struct {
	RefreshCookie    CookieConfig
	StateCookie      string
	FrontendRedirect string
}

// Handler serves /api/accounts.
type Handler struct {
	svc        *Service
	github     *GitHub
	codeforces *Codeforces
	cfg        HandlerConfig
}

// NewHandler ...
func NewHandler(svc *Service, github *GitHub, codeforces *Codeforces, cfg HandlerConfig) *Handler {
	if cfg.FrontendRedirect == "" {
		cfg.FrontendRedirect = "https://aut-icpc.ir/login/success"
	}
	return &Handler{svc: svc, github: github, codeforces: codeforces, cfg: cfg}
}

// Register mounts routes on a /api/accounts subrouter.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/signup/start/", h.signupStart).Methods(http.MethodPost)
	r.HandleFunc("/signup/verify/", h.verify(IntentSignup)).Methods(http.MethodPost)
	r.HandleFunc("/login/start/", h.loginStart).Methods(http.MethodPost)
	r.HandleFunc("/login/verify/", h.verify(IntentLogin)).Methods(http.MethodPost)
	r.HandleFunc("/token/refresh/", h.refresh).Methods(http.MethodPost)
	r.Handle("/logout/", httpx.RequireAuth(http.HandlerFunc(h.logout))).Methods(http.MethodPost)
	r.Handle("/me/", httpx.RequireAuth(http.HandlerFunc(h.me))).Methods(http.MethodGet)
	r.Handle("/me/", httpx.RequireAuth(http.HandlerFunc(h.updateMe))).Methods(http.MethodPatch)
	r.Handle("/me/extra/", httpx.RequireAuth(http.HandlerFunc(h.extra))).Methods(http.MethodGet)
	r.Handle("/me/extra/", httpx.RequireAuth(http.HandlerFunc(h.saveExtra(false)))).Methods(http.MethodPut)
	r.Handle("/me/extra/", httpx.RequireAuth(http.HandlerFunc(h.saveExtra(true)))).Methods(http.MethodPatch)
	r.HandleFunc("/oauth/github/login/", h.githubLogin).Methods(http.MethodGet)
	r.HandleFunc("/oauth/github/callback/", h.githubCallback).Methods(http.MethodGet)
	r.HandleFunc("/oauth/codeforces/login/", h.codeforcesLogin).Methods(http.MethodGet)
	r.HandleFunc("/oauth/codeforces/callback/", h.codeforcesCallback).Methods(http.MethodGet)
}

type userView struct {
	ID              int64  `json:"id"`
	Email           string `json:"email"`
	FirstName       string `json:"first_name"`
	LastName        string `json:"last_name"`
	PhoneNumber     string `json:"phone_number"`
	IsEmailVerified bool   `json:"is_email_verified"`
}

func viewOf(u *storage.User) *userView {
	return &userView{
		ID:              u.ID,
		Email:           u.Email,
		FirstName:       u.FirstName,
		LastName:        u.LastName,
		PhoneNumber:     u.PhoneNumber,
		IsEmailVerified: u.IsEmailVerified,
	}
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.RefreshCookie.Name,
		Value:    token,
		Path:     h.cfg.RefreshCookie.Path,
		Domain:   h.cfg.RefreshCookie.Domain,
		MaxAge:   int(h.svc.Tokens().RefreshTTL().Seconds()),
		Secure:   h.cfg.RefreshCookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Path:     h.cfg.RefreshCookie.Path,
		Domain:   h.cfg.RefreshCookie.Domain,
		MaxAge:   -1,
		Secure:   h.cfg.RefreshCookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (h *Handler) signupStart(w http.ResponseWriter, r *http.Request) {
	var payload Signup
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	token, err := h.svc.StartSignup(r.Context(), &payload)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"otp_token": token})
}

type loginPayload struct {
	Email string `json:"email" validate:"required,email"`
}

func (h *Handler) loginStart(w http.ResponseWriter, r *http.Request) {
	var payload loginPayload
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	token, err := h.svc.StartLogin(r.Context(), payload.Email)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"otp_token": token})
}

type verifyPayload struct {
	Token string `json:"token" validate:"required"`
	Code  string `json:"code" validate:"required"`
}

func (h *Handler) verify(intent string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload verifyPayload
		if err := httpx.Decode(r, &payload); err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		session, err := h.svc.Verify(r.Context(), intent, payload.Token, payload.Code)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		h.setRefreshCookie(w, session.Refresh)
		httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"access": session.Access,
			"user":   viewOf(session.User),
		})
	}
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.Refresh(r.Context(), cookieValue(r, h.cfg.RefreshCookie.Name))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	h.setRefreshCookie(w, session.Refresh)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"access": session.Access})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.svc.Logout(r.Context(), cookieValue(r, h.cfg.RefreshCookie.Name))
	h.clearCookie(w, h.cfg.RefreshCookie.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.store.GetUser(r.Context(), httpx.PrincipalFrom(r.Context()).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewOf(user))
}

func (h *Handler) updateMe(w http.ResponseWriter, r *http.Request) {
	var payload Profile
	if err := httpx.Decode(r, &payload); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	user, err := h.svc.UpdateProfile(r.Context(), httpx.PrincipalFrom(r.Context()).UserID, &payload)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewOf(user))
}

func (h *Handler) extra(w http.ResponseWriter, r *http.Request) {
	extra, err := h.svc.Extra(r.Context(), httpx.PrincipalFrom(r.Context()).UserID)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, extra)
}

func (h *Handler) saveExtra(partial bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload ExtraPatch
		if err := httpx.Decode(r, &payload); err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		extra, err := h.svc.SaveExtra(r.Context(), httpx.PrincipalFrom(r.Context()).UserID, &payload, partial)
		if err != nil {
			httpx.WriteError(w, r, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, extra)
	}
}

func (h *Handler) startOAuth(w http.ResponseWriter, r *http.Request, configured bool, authURL func(string) string) {
	if !configured {
		httpx.WriteError(w, r, apperr.BadRequest("OAuth provider is not configured"))
		return
	}
	state, err := RandomToken(24)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.StateCookie,
		Value:    state,
		Path:     h.cfg.RefreshCookie.Path,
		Domain:   h.cfg.RefreshCookie.Domain,
		MaxAge:   stateCookieMaxAge,
		Secure:   h.cfg.RefreshCookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL(state), http.StatusFound)
}

// checkState compares the callback state with the state cookie.
func (h *Handler) checkState(r *http.Request) (string, bool) {
	code := r.URL.Query().Get("code")
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	cookie := strings.TrimSpace(cookieValue(r, h.cfg.StateCookie))
	if code == "" || state == "" || cookie == "" {
		return "", false
	}
	return code, subtle.ConstantTimeCompare([]byte(state), []byte(cookie)) == 1
}

func (h *Handler) frontendRedirect(w http.ResponseWriter, r *http.Request, query url.Values) {
	h.clearCookie(w, h.cfg.StateCookie)
	target := h.cfg.FrontendRedirect
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	http.Redirect(w, r, target+sep+query.Encode(), http.StatusFound)
}

func (h *Handler) oauthFailed(w http.ResponseWriter, r *http.Request, provider string, err error) {
	log.WithContext(r.Context()).WithFields(map[string]interface{}{
		"event":    "oauth_failed",
		"provider": provider,
	}).Warn(err)
	h.frontendRedirect(w, r, url.Values{"login": {"error"}, "reason": {Reason(err)}})
}

func (h *Handler) githubLogin(w http.ResponseWriter, r *http.Request) {
	h.startOAuth(w, r, h.github.Configured(), h.github.AuthCodeURL)
}

func (h *Handler) githubCallback(w http.ResponseWriter, r *http.Request) {
	code, ok := h.checkState(r)
	if !ok {
		h.oauthFailed(w, r, "github", fail("invalid_state", nil))
		return
	}
	ext, err := h.github.Identify(r.Context(), code)
	if err != nil {
		h.oauthFailed(w, r, "github", err)
		return
	}
	user, err := h.svc.UpsertExternal(r.Context(), ext)
	if err != nil {
		h.oauthFailed(w, r, "github", err)
		return
	}
	h.finishOAuth(w, r, user, url.Values{"login": {"ok"}})
}

func (h *Handler) codeforcesLogin(w http.ResponseWriter, r *http.Request) {
	h.startOAuth(w, r, h.codeforces.Configured(), h.codeforces.AuthCodeURL)
}

func (h *Handler) codeforcesCallback(w http.ResponseWriter, r *http.Request) {
	code, ok := h.checkState(r)
	if !ok {
		h.oauthFailed(w, r, "codeforces", fail("invalid_state", nil))
		return
	}
	profile, err := h.codeforces.Identify(r.Context(), code)
	if err != nil {
		h.oauthFailed(w, r, "codeforces", err)
		return
	}
	user, err := h.svc.UpsertExternal(r.Context(), &ExternalUser{Email: profile.Email(), FirstName: profile.Handle})
	if err != nil {
		h.oauthFailed(w, r, "codeforces", err)
		return
	}
	if err := h.svc.MergeCodeforces(r.Context(), user.ID, profile); err != nil {
		h.oauthFailed(w, r, "codeforces", err)
		return
	}
	h.finishOAuth(w, r, user, url.Values{
		"login":    {"ok"},
		"provider": {"codeforces"},
		"handle":   {profile.Handle},
		"rating":   {fmt.Sprint(profile.Rating)},
	})
}

func (h *Handler) finishOAuth(w http.ResponseWriter, r *http.Request, user *storage.User, query url.Values) {
	session, err := h.svc.Login(user)
	if err != nil {
		h.oauthFailed(w, r, "session", err)
		return
	}
	h.setRefreshCookie(w, session.Refresh)
	h.frontendRedirect(w, r, query)
}
