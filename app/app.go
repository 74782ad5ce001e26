// Package app assembles the HTTP API from the domain services.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/freundallein/acm/backend/accounts"
	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/cache"
	"github.com/freundallein/acm/backend/chassis/config"
	"github.com/freundallein/acm/backend/chassis/httpx"
	"github.com/freundallein/acm/backend/chassis/metrics"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/competitions"
	"github.com/freundallein/acm/backend/notification"
	"github.com/freundallein/acm/backend/payment"
	"github.com/freundallein/acm/backend/presentations"
	"github.com/freundallein/acm/backend/uploads"
)

// Deps are the external systems the API talks to.
type Deps struct {
	Store   storage.Store
	Cache   cache.Cache
	Gateway payment.Gateway
	Rooms   presentations.Rooms
	// Uploads is optional; the upload route is not mounted without it.
	Uploads *uploads.S3Store
}

// Services - the wired domain services
type Services struct {
	Notifications *notification.Service
	Accounts      *accounts.Service
	Payments      *payment.Service
	Competitions  *competitions.Service
	Presentations *presentations.Service
}

// NewServices wires every domain service and registers the payment hooks.
func NewServices(cfg *config.AppConfig, deps *Deps) *Services {
	notify := notification.New(deps.Store)
	tokens := accounts.NewTokens(cfg.Auth.SecretKey,
		time.Duration(cfg.Auth.AccessTTL)*time.Second,
		time.Duration(cfg.Auth.RefreshTTL)*time.Second,
		deps.Cache)
	payments := payment.NewService(deps.Store, deps.Gateway)
	svc := &Services{
		Notifications: notify,
		Accounts:      accounts.NewService(deps.Store, accounts.NewOTPs(deps.Cache, cfg.Auth.OTPSecret), tokens, notify),
		Payments:      payments,
		Competitions: competitions.NewService(deps.Store, notify, payments, competitions.Config{
			SecretKey:     cfg.Auth.SecretKey,
			PublicBaseURL: cfg.Competition.PublicBaseURL,
		}),
		Presentations: presentations.NewService(deps.Store, notify, payments, deps.Rooms, cfg.Location()),
	}
	payments.Register(storage.TARGET_COMPETITION, svc.Competitions)
	payments.Register(storage.TARGET_COURSE, svc.Presentations)
	return svc
}

func notFound(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(w, r, apperr.NotFound("Not found."))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	httpx.WriteError(w, r, apperr.New(apperr.HTTPMethodNotAllowed, http.StatusMethodNotAllowed, "Method not allowed."))
}

// NewRouter mounts every API under /api plus /metrics and static files.
func NewRouter(cfg *config.AppConfig, deps *Deps, svc *Services) http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(notFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	router.Handle("/metrics", metrics.Handler())

	staticURL := "/" + strings.Trim(cfg.Server.StaticURL, "/") + "/"
	router.PathPrefix(staticURL).Handler(http.StripPrefix(staticURL, http.FileServer(http.Dir(cfg.Server.StaticRoot))))

	api := router.PathPrefix("/api").Subrouter()
	api.Use(
		httpx.Logging,
		httpx.Recover,
		metrics.Middleware,
		httpx.Timeout(time.Duration(cfg.Server.RequestTimeout)*time.Second),
		httpx.Authenticate(svc.Accounts.Tokens()),
		httpx.NewRateLimiter(float64(cfg.Auth.RequestsPerSecond), cfg.Auth.Burst).Handler,
	)

	accounts.NewHandler(svc.Accounts,
		accounts.NewGitHub(&accounts.OAuthConfig{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURI:  cfg.GitHub.RedirectURI,
			AuthURL:      cfg.GitHub.AuthURL,
			TokenURL:     cfg.GitHub.TokenURL,
			APIURL:       cfg.GitHub.APIURL,
		}),
		accounts.NewCodeforces(&accounts.OAuthConfig{
			ClientID:     cfg.Codeforces.ClientID,
			ClientSecret: cfg.Codeforces.ClientSecret,
			RedirectURI:  cfg.Codeforces.RedirectURI,
			AuthURL:      cfg.Codeforces.AuthURL,
			TokenURL:     cfg.Codeforces.TokenURL,
			Issuer:       cfg.Codeforces.Issuer,
		}),
		accounts.HandlerConfig{
			RefreshCookie: accounts.CookieConfig{
				Name:   cfg.Auth.Cookie.Name,
				Path:   cfg.Auth.Cookie.Path,
				Domain: cfg.Auth.Cookie.Domain,
				Secure: cfg.Auth.Cookie.Secure,
			},
			StateCookie:      cfg.Auth.StateCookie,
			FrontendRedirect: cfg.Auth.FrontendLoginRedirect,
		},
	).Register(api.PathPrefix("/accounts").Subrouter())
	competitions.NewHandler(svc.Competitions, cfg.Competition.ApprovalRedirectURL).
		Register(api.PathPrefix("/competitions").Subrouter())
	presentations.NewHandler(svc.Presentations).Register(api.PathPrefix("/presentations").Subrouter())
	payment.NewHandler(svc.Payments, cfg.Payment.FrontendReturn).Register(api.PathPrefix("/payment").Subrouter())
	notification.NewHandler(svc.Notifications).Register(api.PathPrefix("/notification").Subrouter())
	if deps.Uploads != nil {
		uploads.NewHandler(deps.Uploads).Register(api.PathPrefix("/uploads").Subrouter())
	}
	return router
}

// NewServer binds handler with the configured timeouts.
func NewServer(cfg *config.AppConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
}
