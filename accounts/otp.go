package accounts

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/apperr"
	"github.com/freundallein/acm/backend/chassis/cache"
)

// OTP intents.
const (
	IntentSignup = "signup"
	IntentLogin  = "login"
)

const (
	otpTTL        = 5 * time.Minute
	otpRateWindow = time.Hour
	otpMaxPerHour = 3
	otpDigits     = 6
)

// OTPRecord is what a one-time token resolves to.
type OTPRecord struct {
	Hash   string `json:"hash"`
	Email  string `json:"email"`
	Intent string `json:"intent"`
	UserID int64  `json:"user_id"`
}

// OTPs issues and checks one-time codes kept in the cache.
type OTPs struct {
	cache  cache.Cache
	secret []byte
}

// NewOTPs ...
func NewOTPs(c cache.Cache, secret string) *OTPs {
	return &OTPs{cache: c, secret: []byte(secret)}
}

func (o *OTPs) hash(code string) string {
	mac := hmac.New(sha256.New, o.secret)
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// Create returns an opaque token and the code to deliver.
func (o *OTPs) Create(ctx context.Context, email string, intent string, userID int64) (string, string, error) {
	count, err := o.cache.Incr(ctx, "otp:rate:"+email, otpRateWindow)
	if err != nil {
		return "", "", errors.Wrap(err, "otp rate")
	}
	if count > otpMaxPerHour {
		return "", "", apperr.New(apperr.AccOTPRateLimited, http.StatusTooManyRequests, "Too many OTP requests")
	}
	code, err := randomCode(otpDigits)
	if err != nil {
		return "", "", err
	}
	token, err := RandomToken(24)
	if err != nil {
		return "", "", err
	}
	bin, err := json.Marshal(&OTPRecord{Hash: o.hash(code), Email: email, Intent: intent, UserID: userID})
	if err != nil {
		return "", "", err
	}
	if err := o.cache.Set(ctx, "otp:"+token, string(bin), otpTTL); err != nil {
		return "", "", errors.Wrap(err, "store otp")
	}
	return token, code, nil
}

// Verify consumes the token when code matches. Unknown, expired and
// mismatching codes all yield nil.
func (o *OTPs) Verify(ctx context.Context, token string, code string) (*OTPRecord, error) {
	raw, err := o.cache.Get(ctx, "otp:"+token)
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load otp")
	}
	var record OTPRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, nil
	}
	if !hmac.Equal([]byte(record.Hash), []byte(o.hash(code))) {
		return nil, nil
	}
	consumed, err := o.cache.CompareAndDelete(ctx, "otp:"+token, raw)
	if err != nil {
		return nil, errors.Wrap(err, "consume otp")
	}
	if !consumed {
		return nil, nil
	}
	return &record, nil
}

func randomCode(digits int) (string, error) {
	buf := make([]byte, digits)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		buf[i] = byte('0' + n.Int64())
	}
	return string(buf), nil
}

// RandomToken returns n random bytes, url-safe base64 encoded.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
