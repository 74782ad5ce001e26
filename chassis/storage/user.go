package storage

import (
	"strings"
	"time"
)

// User is an account identified by a case-insensitive email.
type User struct {
	ID              int64     `json:"id"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	FirstName       string    `json:"first_name"`
	LastName        string    `json:"last_name"`
	PhoneNumber     string    `json:"phone_number"`
	IsActive        bool      `json:"is_active"`
	IsStaff         bool      `json:"is_staff"`
	IsEmailVerified bool      `json:"is_email_verified"`
	DateJoined      time.Time `json:"date_joined"`
}

// FullName ...
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// UserExtra holds questionnaire answers and external profile data.
type UserExtra struct {
	UserID           int64                  `json:"-"`
	CodeforcesHandle string                 `json:"codeforces_handle"`
	CodeforcesScore  int                    `json:"codeforces_score"`
	Achievements     string                 `json:"achievements"`
	Answers          map[string]interface{} `json:"answers"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
