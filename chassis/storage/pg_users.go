package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
)

const userColumns = `id, email, password_hash, first_name, last_name, phone_number,
	is_active, is_staff, is_email_verified, date_joined`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.PasswordHash,
		&u.FirstName,
		&u.LastName,
		&u.PhoneNumber,
		&u.IsActive,
		&u.IsStaff,
		&u.IsEmailVerified,
		&u.DateJoined,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser - ...
func (s *PGStore) CreateUser(ctx context.Context, user *User) error {
	if user.DateJoined.IsZero() {
		user.DateJoined = time.Now()
	}
	query := `
	insert into users(email, password_hash, first_name, last_name, phone_number,
		is_active, is_staff, is_email_verified, date_joined)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	returning id`
	err := s.db.QueryRow(ctx, query,
		NormalizeEmail(user.Email),
		user.PasswordHash,
		user.FirstName,
		user.LastName,
		user.PhoneNumber,
		user.IsActive,
		user.IsStaff,
		user.IsEmailVerified,
		user.DateJoined,
	).Scan(&user.ID)
	return translate(err, "create user %s", user.Email)
}

// UpdateUser - ...
func (s *PGStore) UpdateUser(ctx context.Context, user *User) error {
	query := `
	update users set
		email = $2,
		password_hash = $3,
		first_name = $4,
		last_name = $5,
		phone_number = $6,
		is_active = $7,
		is_staff = $8,
		is_email_verified = $9
	where id = $1`
	tag, err := s.db.Exec(ctx, query,
		user.ID,
		NormalizeEmail(user.Email),
		user.PasswordHash,
		user.FirstName,
		user.LastName,
		user.PhoneNumber,
		user.IsActive,
		user.IsStaff,
		user.IsEmailVerified,
	)
	if err != nil {
		return translate(err, "update user %d", user.ID)
	}
	if tag.RowsAffected() == 0 {
		return translate(pgx.ErrNoRows, "update user %d", user.ID)
	}
	return nil
}

// GetUser - ...
func (s *PGStore) GetUser(ctx context.Context, id int64) (*User, error) {
	user, err := scanUser(s.db.QueryRow(ctx, `select `+userColumns+` from users where id = $1`, id))
	return user, translate(err, "get user %d", id)
}

// GetUserByEmail - case-insensitive lookup
func (s *PGStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	query := `select ` + userColumns + ` from users where lower(email) = lower($1)`
	user, err := scanUser(s.db.QueryRow(ctx, query, NormalizeEmail(email)))
	return user, translate(err, "get user by email %s", email)
}

// GetUserExtra - get or create
func (s *PGStore) GetUserExtra(ctx context.Context, userID int64) (*UserExtra, error) {
	if _, err := s.db.Exec(ctx, `insert into user_extra(user_id) values ($1) on conflict do nothing`, userID); err != nil {
		return nil, translate(err, "create user extra %d", userID)
	}
	extra := &UserExtra{UserID: userID}
	query := `
	select codeforces_handle, codeforces_score, achievements, answers, updated_at
	from user_extra where user_id = $1`
	err := s.db.QueryRow(ctx, query, userID).Scan(
		&extra.CodeforcesHandle,
		&extra.CodeforcesScore,
		&extra.Achievements,
		&extra.Answers,
		&extra.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err, "get user extra %d", userID)
	}
	if extra.Answers == nil {
		extra.Answers = map[string]interface{}{}
	}
	return extra, nil
}

// SaveUserExtra - ...
func (s *PGStore) SaveUserExtra(ctx context.Context, extra *UserExtra) error {
	if extra.Answers == nil {
		extra.Answers = map[string]interface{}{}
	}
	query := `
	insert into user_extra(user_id, codeforces_handle, codeforces_score, achievements, answers, updated_at)
	values ($1, $2, $3, $4, $5, now())
	on conflict (user_id) do update set
		codeforces_handle = excluded.codeforces_handle,
		codeforces_score = excluded.codeforces_score,
		achievements = excluded.achievements,
		answers = excluded.answers,
		updated_at = now()
	returning updated_at`
	err := s.db.QueryRow(ctx, query,
		extra.UserID,
		extra.CodeforcesHandle,
		extra.CodeforcesScore,
		extra.Achievements,
		extra.Answers,
	).Scan(&extra.UpdatedAt)
	return translate(err, "save user extra %d", extra.UserID)
}
