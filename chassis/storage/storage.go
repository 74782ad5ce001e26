package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned on unique constraint violations.
	ErrDuplicate = errors.New("duplicated record")
	// ErrStaleResult is returned when a delivery result no longer matches its record.
	ErrStaleResult = errors.New("zero rows affected")
)

// HookErrorKey is the payment metadata key holding a failed hook's error
// until the hook succeeds.
const HookErrorKey = "hook_error"

type keep struct {
	error
}

func (k keep) Unwrap() error {
	return k.error
}

// Keep marks err, returned from an Atomic callback, as one that still
// commits the callback's writes. Atomic returns the unmarked error.
func Keep(err error) error {
	if err == nil {
		return nil
	}
	return keep{err}
}

// Kept reports whether err was marked with Keep.
func Kept(err error) bool {
	_, ok := err.(keep)
	return ok
}

// Unkeep strips the Keep marker from err.
func Unkeep(err error) error {
	if k, ok := err.(keep); ok {
		return k.error
	}
	return err
}

// Config - ...
type Config struct {
	DSN      string
	MaxConns int
	Retry    RetryPolicy
}

// Users - ...
type Users interface {
	CreateUser(ctx context.Context, user *User) error
	UpdateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserExtra(ctx context.Context, userID int64) (*UserExtra, error)
	SaveUserExtra(ctx context.Context, extra *UserExtra) error
}

// Competitions - ...
type Competitions interface {
	GetCompetition(ctx context.Context, id int64) (*Competition, error)
	GetCompetitionBySlug(ctx context.Context, slug string) (*Competition, error)
	GetFieldConfig(ctx context.Context, competitionID int64) (FieldConfig, error)
	HasActiveMembership(ctx context.Context, competitionID int64, email string) (bool, error)
	CreateTeamRequest(ctx context.Context, request *TeamRequest) error
	GetTeamRequest(ctx context.Context, id int64) (*TeamRequest, error)
	ListTeamRequestsBySubmitter(ctx context.Context, userID int64) ([]*TeamRequest, error)
	ListTeamRequestsByStatus(ctx context.Context, status TeamStatus) ([]*TeamRequest, error)
	UpdateTeamRequest(ctx context.Context, request *TeamRequest) error
	GetMemberByToken(ctx context.Context, requestID int64, tokenHash string) (*TeamMember, error)
	UpdateMember(ctx context.Context, member *TeamMember) error
}

// Presentations - ...
type Presentations interface {
	GetCourse(ctx context.Context, id int64) (*Course, error)
	GetCourseBySlug(ctx context.Context, slug string) (*Course, error)
	ListActiveChildren(ctx context.Context, courseID int64, ids []int64) ([]*Course, error)
	CountFinalSeats(ctx context.Context, courseID int64) (int, error)
	OwnedCourseIDs(ctx context.Context, userID int64) (map[int64]bool, error)
	HasCourseAccess(ctx context.Context, userID int64, courseID int64) (bool, error)
	GetRegistration(ctx context.Context, id int64) (*Registration, error)
	GetRegistrationByCourse(ctx context.Context, courseID int64, userID int64) (*Registration, error)
	CreateRegistration(ctx context.Context, reg *Registration) error
	UpdateRegistration(ctx context.Context, reg *Registration) error
	ReplaceRegistrationItems(ctx context.Context, regID int64, items []RegistrationItem) error
	ListRegistrationsByUser(ctx context.Context, userID int64) ([]*Registration, error)
	ListRegistrationsByStatus(ctx context.Context, status RegStatus) ([]*Registration, error)
}

// Payments - ...
type Payments interface {
	CreatePayment(ctx context.Context, payment *Payment) error
	UpdatePayment(ctx context.Context, payment *Payment) error
	ListPendingPayments(ctx context.Context, userID int64) ([]*Payment, error)
	ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]*Payment, error)
	ListHookFailedPayments(ctx context.Context, limit int) ([]*Payment, error)
	// LockPayment re-reads a payment, locking it for the running transaction.
	LockPayment(ctx context.Context, id int64) (*Payment, error)
	GetPaymentByAuthority(ctx context.Context, userID int64, authority string) (*Payment, error)
	LastPaymentByAuthority(ctx context.Context, authority string) (*Payment, error)
}

// Notifications - outbox of outbound emails
type Notifications interface {
	GetTemplate(ctx context.Context, code string) (*EmailTemplate, error)
	SaveTemplate(ctx context.Context, tpl *EmailTemplate) error
	Enqueue(ctx context.Context, notification *Notification) error
	GetNotification(ctx context.Context, id int64) (*Notification, error)
	SelectNotification(ctx context.Context) (*Notification, error)
	SetNotificationResult(ctx context.Context, result *Result) (*Notification, error)
	// RepairStaleNotifications returns the repaired count and the bulk jobs they belong to.
	RepairStaleNotifications(ctx context.Context, timeout int, batchSize int) (int, []int64, error)
	CleanOldNotifications(ctx context.Context, expiration int) (int, error)
	CreateBulkJob(ctx context.Context, job *BulkJob, recipients []BulkRecipient) error
	GetBulkJob(ctx context.Context, id int64) (*BulkJob, error)
	RefreshBulkJob(ctx context.Context, id int64) (*BulkJob, error)
}

// Store - every repository plus transactions
type Store interface {
	Users
	Competitions
	Presentations
	Payments
	Notifications
	// Atomic runs fn inside one transaction; fn must use the Store it receives.
	// Atomic on that Store opens a savepoint. An error rolls fn back unless
	// it is marked with Keep.
	Atomic(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close()
}
