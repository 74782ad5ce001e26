// Package accounts implements OTP signup/login, JWT sessions and user
// profiles.
package accounts

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/freundallein/acm/backend/chassis/apperr"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/notification"
)

// Signup - fields accepted by StartSignup
type Signup struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	PhoneNumber string `json:"phone_number"`
}

// Session - tokens issued after a successful verification
type Session struct {
	User    *storage.User
	Access  string
	Refresh string
}

// Service ...
type Service struct {
	store  storage.Store
	otps   *OTPs
	tokens *Tokens
	notify *notification.Service
}

// NewService ...
func NewService(store storage.Store, otps *OTPs, tokens *Tokens, notify *notification.Service) *Service {
	return &Service{store: store, otps: otps, tokens: tokens, notify: notify}
}

// Tokens ...
func (s *Service) Tokens() *Tokens {
	return s.tokens
}

func invalidOTP() error {
	return apperr.New(apperr.AccInvalidOTP, http.StatusBadRequest, "Invalid or expired OTP")
}

// StartSignup creates or refreshes an unverified account and sends a code.
func (s *Service) StartSignup(ctx context.Context, in *Signup) (string, error) {
	email := storage.NormalizeEmail(in.Email)
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hash password")
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if user.IsEmailVerified {
			return "", apperr.New(apperr.AccEmailTaken, http.StatusBadRequest, "Email already registered")
		}
		if in.FirstName != "" {
			user.FirstName = in.FirstName
		}
		if in.LastName != "" {
			user.LastName = in.LastName
		}
		if in.PhoneNumber != "" {
			user.PhoneNumber = in.PhoneNumber
		}
		user.PasswordHash = string(hash)
		user.IsActive = true
		if err := s.store.UpdateUser(ctx, user); err != nil {
			return "", err
		}
	case errors.Is(err, storage.ErrNotFound):
		user = &storage.User{
			Email:        email,
			PasswordHash: string(hash),
			FirstName:    in.FirstName,
			LastName:     in.LastName,
			PhoneNumber:  in.PhoneNumber,
			IsActive:     true,
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return "", err
		}
	default:
		return "", err
	}
	return s.sendOTP(ctx, user, IntentSignup)
}

// StartLogin sends a login code to an existing active account.
func (s *Service) StartLogin(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, storage.NormalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return "", apperr.New(apperr.AccInvalidCredentials, http.StatusUnauthorized, "Invalid credentials")
	}
	if err != nil {
		return "", err
	}
	if !user.IsActive {
		return "", apperr.New(apperr.AccAccountDisabled, http.StatusForbidden, "Account disabled")
	}
	return s.sendOTP(ctx, user, IntentLogin)
}

func (s *Service) sendOTP(ctx context.Context, user *storage.User, intent string) (string, error) {
	token, code, err := s.otps.Create(ctx, user.Email, intent, user.ID)
	if err != nil {
		return "", err
	}
	if _, err := s.notify.SendOTP(ctx, notification.ChannelEmail, user.Email, code); err != nil {
		return "", err
	}
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":  "otp_sent",
		"user":   user.ID,
		"intent": intent,
	}).Info("otp sent")
	return token, nil
}

// Verify checks the code for intent, marks the email verified and opens a session.
func (s *Service) Verify(ctx context.Context, intent string, token string, code string) (*Session, error) {
	record, err := s.otps.Verify(ctx, token, code)
	if err != nil {
		return nil, err
	}
	if record == nil || record.Intent != intent {
		return nil, invalidOTP()
	}
	user, err := s.store.GetUser(ctx, record.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalidOTP()
	}
	if err != nil {
		return nil, err
	}
	if !user.IsEmailVerified {
		user.IsEmailVerified = true
		if err := s.store.UpdateUser(ctx, user); err != nil {
			return nil, err
		}
	}
	return s.Login(user)
}

// Login issues tokens for user.
func (s *Service) Login(user *storage.User) (*Session, error) {
	access, refresh, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	return &Session{User: user, Access: access, Refresh: refresh}, nil
}

// Refresh rotates a refresh token.
func (s *Service) Refresh(ctx context.Context, refresh string) (*Session, error) {
	if refresh == "" {
		return nil, apperr.New(apperr.AccNoRefresh, http.StatusUnauthorized, "No refresh token")
	}
	invalid := apperr.New(apperr.AccInvalidRefresh, http.StatusUnauthorized, "Invalid refresh")
	claims, err := s.tokens.ParseRefresh(ctx, refresh)
	if err != nil {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"event": "refresh_rejected",
		}).Debug(err)
		return nil, invalid
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, invalid
	}
	user, err := s.store.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, invalid
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, invalid
	}
	if err := s.tokens.Blacklist(ctx, claims); err != nil {
		return nil, errors.Wrap(err, "blacklist refresh")
	}
	return s.Login(user)
}

// Logout blacklists refresh when it is still valid.
func (s *Service) Logout(ctx context.Context, refresh string) {
	if refresh == "" {
		return
	}
	claims, err := s.tokens.ParseRefresh(ctx, refresh)
	if err != nil {
		return
	}
	if err := s.tokens.Blacklist(ctx, claims); err != nil {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"event": "logout_blacklist",
		}).Error(err)
	}
}

// Profile - editable part of the user
type Profile struct {
	FirstName   *string `json:"first_name" validate:"omitempty,max=150"`
	LastName    *string `json:"last_name" validate:"omitempty,max=150"`
	PhoneNumber *string `json:"phone_number" validate:"omitempty,max=32"`
}

// UpdateProfile applies the fields present in p.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, p *Profile) (*storage.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.FirstName != nil {
		user.FirstName = *p.FirstName
	}
	if p.LastName != nil {
		user.LastName = *p.LastName
	}
	if p.PhoneNumber != nil {
		user.PhoneNumber = *p.PhoneNumber
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Extra returns the user's extra data, creating an empty record on first use.
func (s *Service) Extra(ctx context.Context, userID int64) (*storage.UserExtra, error) {
	extra, err := s.store.GetUserExtra(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		extra = &storage.UserExtra{UserID: userID, Answers: map[string]interface{}{}}
		if err := s.store.SaveUserExtra(ctx, extra); err != nil {
			return nil, err
		}
		return extra, nil
	}
	return extra, err
}

// ExtraPatch - fields of UserExtra a user may write
type ExtraPatch struct {
	CodeforcesHandle *string                `json:"codeforces_handle" validate:"omitempty,max=64"`
	CodeforcesScore  *int                   `json:"codeforces_score" validate:"omitempty,min=0"`
	Achievements     *string                `json:"achievements"`
	Answers          map[string]interface{} `json:"answers"`
}

// SaveExtra replaces (partial=false) or patches the extra data.
func (s *Service) SaveExtra(ctx context.Context, userID int64, patch *ExtraPatch, partial bool) (*storage.UserExtra, error) {
	extra, err := s.Extra(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !partial {
		extra.CodeforcesHandle = ""
		extra.CodeforcesScore = 0
		extra.Achievements = ""
		extra.Answers = map[string]interface{}{}
	}
	if patch.CodeforcesHandle != nil {
		extra.CodeforcesHandle = *patch.CodeforcesHandle
	}
	if patch.CodeforcesScore != nil {
		extra.CodeforcesScore = *patch.CodeforcesScore
	}
	if patch.Achievements != nil {
		extra.Achievements = *patch.Achievements
	}
	if patch.Answers != nil {
		extra.Answers = patch.Answers
	}
	if err := s.store.SaveUserExtra(ctx, extra); err != nil {
		return nil, err
	}
	return extra, nil
}

// ExternalUser - identity returned by an OAuth provider
type ExternalUser struct {
	Email     string
	FirstName string
	LastName  string
	Verified  bool
}

// UpsertExternal finds the account by email, filling blank names, or creates it.
func (s *Service) UpsertExternal(ctx context.Context, ext *ExternalUser) (*storage.User, error) {
	email := storage.NormalizeEmail(ext.Email)
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		user = &storage.User{
			Email:           email,
			FirstName:       ext.FirstName,
			LastName:        ext.LastName,
			IsActive:        true,
			IsEmailVerified: ext.Verified,
		}
		if err := s.store.CreateUser(ctx, user); err != nil {
			return nil, err
		}
		return user, nil
	}
	if err != nil {
		return nil, err
	}
	changed := false
	if user.FirstName == "" && ext.FirstName != "" {
		user.FirstName = ext.FirstName
		changed = true
	}
	if user.LastName == "" && ext.LastName != "" {
		user.LastName = ext.LastName
		changed = true
	}
	if ext.Verified && !user.IsEmailVerified {
		user.IsEmailVerified = true
		changed = true
	}
	if changed {
		if err := s.store.UpdateUser(ctx, user); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// MergeCodeforces records the Codeforces profile on the user's extra data.
func (s *Service) MergeCodeforces(ctx context.Context, userID int64, profile *CodeforcesProfile) error {
	extra, err := s.Extra(ctx, userID)
	if err != nil {
		return err
	}
	if profile.Handle != "" {
		extra.CodeforcesHandle = profile.Handle
	}
	extra.CodeforcesScore = profile.Rating
	if extra.Answers == nil {
		extra.Answers = map[string]interface{}{}
	}
	cf, _ := extra.Answers["codeforces"].(map[string]interface{})
	if cf == nil {
		cf = map[string]interface{}{}
	}
	cf["sub"] = profile.Subject
	cf["handle"] = profile.Handle
	cf["rating"] = profile.Rating
	cf["rank"] = profile.Rank
	cf["avatar"] = profile.Avatar
	extra.Answers["codeforces"] = cf
	return s.store.SaveUserExtra(ctx, extra)
}
