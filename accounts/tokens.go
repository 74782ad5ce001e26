package accounts

import (
	"context"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/cache"
	"github.com/freundallein/acm/backend/chassis/httpx"
	"github.com/freundallein/acm/backend/chassis/storage"
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"
)

var errTokenType = errors.New("wrong token type")

// Claims carried by access and refresh tokens.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type"`
	Staff     bool   `json:"staff,omitempty"`
}

// UserID parses the subject.
func (c *Claims) UserID() (int64, error) {
	return strconv.ParseInt(c.Subject, 10, 64)
}

// Tokens signs HS256 tokens and keeps the refresh blacklist.
type Tokens struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	blacklist  cache.Cache
	now        func() time.Time
}

// NewTokens ...
func NewTokens(secret string, accessTTL time.Duration, refreshTTL time.Duration, blacklist cache.Cache) *Tokens {
	return &Tokens{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		blacklist:  blacklist,
		now:        time.Now,
	}
}

// RefreshTTL ...
func (t *Tokens) RefreshTTL() time.Duration {
	return t.refreshTTL
}

func (t *Tokens) sign(user *storage.User, tokenType string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TokenType: tokenType,
		Staff:     user.IsStaff,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Issue returns a fresh access/refresh pair.
func (t *Tokens) Issue(user *storage.User) (string, string, error) {
	access, err := t.sign(user, tokenAccess, t.accessTTL)
	if err != nil {
		return "", "", errors.Wrap(err, "sign access")
	}
	refresh, err := t.sign(user, tokenRefresh, t.refreshTTL)
	if err != nil {
		return "", "", errors.Wrap(err, "sign refresh")
	}
	return access, refresh, nil
}

func (t *Tokens) parse(token string, tokenType string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenType {
		return nil, errTokenType
	}
	return claims, nil
}

// ParseAccess implements httpx.Authenticator.
func (t *Tokens) ParseAccess(token string) (*httpx.Principal, error) {
	claims, err := t.parse(token, tokenAccess)
	if err != nil {
		return nil, err
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, err
	}
	return &httpx.Principal{UserID: id, Staff: claims.Staff}, nil
}

// ParseRefresh validates a refresh token that was not blacklisted.
func (t *Tokens) ParseRefresh(ctx context.Context, token string) (*Claims, error) {
	claims, err := t.parse(token, tokenRefresh)
	if err != nil {
		return nil, err
	}
	_, err = t.blacklist.Get(ctx, "jwt:blacklist:"+claims.ID)
	if err == nil {
		return nil, errors.New("token is blacklisted")
	}
	if !errors.Is(err, cache.ErrMiss) {
		return nil, err
	}
	return claims, nil
}

// Blacklist keeps the token id until the token would expire anyway.
func (t *Tokens) Blacklist(ctx context.Context, claims *Claims) error {
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(t.now())
	}
	if ttl <= 0 {
		return nil
	}
	return t.blacklist.Set(ctx, "jwt:blacklist:"+claims.ID, "1", ttl)
}
