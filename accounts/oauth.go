package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// OAuthConfig ...
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURL      string
	TokenURL     string
	// APIURL is the GitHub REST root.
	APIURL string
	// Issuer is the expected Codeforces id_token issuer.
	Issuer string
}

// oauthError carries the reason reported back to the frontend.
type oauthError struct {
	reason string
	err    error
}

func (e *oauthError) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

// Reason returns the short failure reason of err.
func Reason(err error) string {
	var oe *oauthError
	if errors.As(err, &oe) {
		return oe.reason
	}
	return "internal"
}

func fail(reason string, err error) error {
	return &oauthError{reason: reason, err: err}
}

// GitHub - OAuth app client
type GitHub struct {
	conf   *oauth2.Config
	apiURL string
}

// NewGitHub ...
func NewGitHub(cfg *OAuthConfig) *GitHub {
	return &GitHub{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"read:user", "user:email"},
			Endpoint:     oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
		},
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
	}
}

// Configured reports whether client credentials are present.
func (g *GitHub) Configured() bool {
	return g.conf.ClientID != "" && g.conf.ClientSecret != "" && g.conf.RedirectURL != ""
}

// AuthCodeURL ...
func (g *GitHub) AuthCodeURL(state string) string {
	return g.conf.AuthCodeURL(state)
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// Identify exchanges code and loads the GitHub identity.
func (g *GitHub) Identify(ctx context.Context, code string) (*ExternalUser, error) {
	token, err := g.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fail("token_exchange", err)
	}
	client := g.conf.Client(ctx, token)

	var profile githubUser
	if err := getJSON(client, g.apiURL+"/user", &profile); err != nil {
		return nil, fail("user", err)
	}
	if profile.ID == 0 {
		return nil, fail("missing_github_id", nil)
	}

	email, verified := "", false
	var emails []githubEmail
	if err := getJSON(client, g.apiURL+"/user/emails", &emails); err == nil {
		email, verified = pickEmail(emails)
	}
	if email == "" {
		email = profile.Email
	}
	if email == "" {
		email = fmt.Sprintf("%d+oauth@users.noreply.github.com", profile.ID)
	}
	name := profile.Name
	if name == "" {
		name = profile.Login
	}
	first, last := splitName(name)
	return &ExternalUser{Email: email, FirstName: first, LastName: last, Verified: verified}, nil
}

// pickEmail prefers the primary address, then any verified one.
func pickEmail(emails []githubEmail) (string, bool) {
	for _, e := range emails {
		if e.Primary {
			return e.Email, e.Verified
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, true
		}
	}
	if len(emails) > 0 {
		return emails[0].Email, false
	}
	return "", false
}

func splitName(full string) (string, string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}

func getJSON(client *http.Client, url string, dst interface{}) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// CodeforcesProfile - claims of a verified Codeforces id_token
type CodeforcesProfile struct {
	Subject string
	Handle  string
	Rating  int
	Rank    string
	Avatar  string
}

// Email is the stable pseudo address used for Codeforces accounts.
func (p *CodeforcesProfile) Email() string {
	id := p.Handle
	if id == "" {
		id = p.Subject
	}
	if id == "" {
		id = "user"
	}
	return id + "+cf@users.noreply.codeforces.com"
}

// Codeforces - OpenID Connect client
type Codeforces struct {
	conf   *oauth2.Config
	issuer string
}

// NewCodeforces ...
func NewCodeforces(cfg *OAuthConfig) *Codeforces {
	return &Codeforces{
		conf: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       []string{"openid"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		issuer: cfg.Issuer,
	}
}

// Configured ...
func (c *Codeforces) Configured() bool {
	return c.conf.ClientID != "" && c.conf.ClientSecret != "" && c.conf.RedirectURL != ""
}

// AuthCodeURL ...
func (c *Codeforces) AuthCodeURL(state string) string {
	return c.conf.AuthCodeURL(state)
}

// Identify exchanges code and verifies the returned id_token.
func (c *Codeforces) Identify(ctx context.Context, code string) (*CodeforcesProfile, error) {
	token, err := c.conf.Exchange(ctx, code)
	if err != nil {
		return nil, fail("token_exchange", err)
	}
	idToken, _ := token.Extra("id_token").(string)
	if idToken == "" {
		return nil, fail("no_id_token", nil)
	}
	return c.VerifyIDToken(idToken)
}

// VerifyIDToken checks the HS256 signature with the client secret and the issuer.
func (c *Codeforces) VerifyIDToken(idToken string) (*CodeforcesProfile, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(idToken, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(c.conf.ClientSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(c.issuer))
	if err != nil {
		return nil, fail("id_token", err)
	}
	profile := &CodeforcesProfile{
		Subject: strings.TrimSpace(claimString(claims, "sub")),
		Handle:  strings.TrimSpace(claimString(claims, "handle")),
		Rank:    strings.TrimSpace(claimString(claims, "rank")),
		Avatar:  strings.TrimSpace(claimString(claims, "avatar")),
	}
	switch rating := claims["rating"].(type) {
	case float64:
		profile.Rating = int(rating)
	case string:
		profile.Rating, _ = strconv.Atoi(rating)
	}
	return profile, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
