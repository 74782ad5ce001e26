package storage

import (
	"context"

	"github.com/jackc/pgx/v4"
)

const competitionColumns = `id, name, slug, description, min_team_size, max_team_size,
	signup_fee, requires_backoffice_approval, is_active, created_at`

const requestColumns = `id, competition_id, submitter_id, team_name, status, payment_link, created_at`

const memberColumns = `id, request_id, user_id, first_name, last_name, email, phone_number,
	national_id, student_card_image, national_id_image, tshirt_size, university_name,
	student_number, approval_status, approval_token_hash, approval_token_expires_at, approval_at`

func scanCompetition(row pgx.Row) (*Competition, error) {
	var c Competition
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Slug,
		&c.Description,
		&c.MinTeamSize,
		&c.MaxTeamSize,
		&c.SignupFee,
		&c.RequiresBackofficeApproval,
		&c.IsActive,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRequest(row pgx.Row) (*TeamRequest, error) {
	var r TeamRequest
	err := row.Scan(&r.ID, &r.CompetitionID, &r.SubmitterID, &r.TeamName, &r.Status, &r.PaymentLink, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func scanMember(row pgx.Row) (*TeamMember, error) {
	var m TeamMember
	err := row.Scan(
		&m.ID,
		&m.RequestID,
		&m.UserID,
		&m.FirstName,
		&m.LastName,
		&m.Email,
		&m.PhoneNumber,
		&m.NationalID,
		&m.StudentCardImage,
		&m.NationalIDImage,
		&m.TshirtSize,
		&m.UniversityName,
		&m.StudentNumber,
		&m.ApprovalStatus,
		&m.TokenHash,
		&m.TokenExpiresAt,
		&m.ApprovalAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetCompetition - ...
func (s *PGStore) GetCompetition(ctx context.Context, id int64) (*Competition, error) {
	query := `select ` + competitionColumns + ` from competitions where id = $1`
	c, err := scanCompetition(s.db.QueryRow(ctx, query, id))
	return c, translate(err, "get competition %d", id)
}

// GetCompetitionBySlug - active competitions only
func (s *PGStore) GetCompetitionBySlug(ctx context.Context, slug string) (*Competition, error) {
	query := `select ` + competitionColumns + ` from competitions where slug = $1 and is_active`
	c, err := scanCompetition(s.db.QueryRow(ctx, query, slug))
	return c, translate(err, "get competition %s", slug)
}

// GetFieldConfig - ErrNotFound when the competition has no configuration
func (s *PGStore) GetFieldConfig(ctx context.Context, competitionID int64) (FieldConfig, error) {
	var raw map[string]string
	query := `select fields from competition_field_configs where competition_id = $1`
	if err := s.db.QueryRow(ctx, query, competitionID).Scan(&raw); err != nil {
		return nil, translate(err, "get field config %d", competitionID)
	}
	cfg := DefaultFieldConfig()
	for field, req := range raw {
		cfg[field] = Requirement(req)
	}
	return cfg, nil
}

// HasActiveMembership - ...
func (s *PGStore) HasActiveMembership(ctx context.Context, competitionID int64, email string) (bool, error) {
	statuses := make([]string, 0, len(BlockingTeamStatuses))
	for _, status := range BlockingTeamStatuses {
		statuses = append(statuses, string(status))
	}
	query := `
	select exists (
		select 1 from team_members m
		join team_requests r on r.id = m.request_id
		where r.competition_id = $1
			and lower(m.email) = lower($2)
			and r.status = any($3)
	)`
	var exists bool
	err := s.db.QueryRow(ctx, query, competitionID, email, statuses).Scan(&exists)
	return exists, translate(err, "check membership %s", email)
}

// CreateTeamRequest - inserts the request with its members
func (s *PGStore) CreateTeamRequest(ctx context.Context, request *TeamRequest) error {
	query := `
	insert into team_requests(competition_id, submitter_id, team_name, status, payment_link)
	values ($1, $2, $3, $4, $5)
	returning id, created_at`
	err := s.db.QueryRow(ctx, query,
		request.CompetitionID,
		request.SubmitterID,
		request.TeamName,
		request.Status,
		request.PaymentLink,
	).Scan(&request.ID, &request.CreatedAt)
	if err != nil {
		return translate(err, "create team request")
	}
	memberQuery := `
	insert into team_members(request_id, user_id, first_name, last_name, email, phone_number,
		national_id, student_card_image, national_id_image, tshirt_size, university_name,
		student_number, approval_status, approval_token_hash, approval_token_expires_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	returning id`
	for _, m := range request.Members {
		m.RequestID = request.ID
		err := s.db.QueryRow(ctx, memberQuery,
			m.RequestID,
			m.UserID,
			m.FirstName,
			m.LastName,
			m.Email,
			m.PhoneNumber,
			m.NationalID,
			m.StudentCardImage,
			m.NationalIDImage,
			m.TshirtSize,
			m.UniversityName,
			m.StudentNumber,
			m.ApprovalStatus,
			m.TokenHash,
			m.TokenExpiresAt,
		).Scan(&m.ID)
		if err != nil {
			return translate(err, "create team member %s", m.Email)
		}
	}
	return nil
}

func (s *PGStore) loadMembers(ctx context.Context, request *TeamRequest) error {
	rows, err := s.db.Query(ctx, `select `+memberColumns+` from team_members where request_id = $1 order by id`, request.ID)
	if err != nil {
		return translate(err, "list members %d", request.ID)
	}
	defer rows.Close()
	request.Members = nil
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return translate(err, "scan member")
		}
		request.Members = append(request.Members, m)
	}
	return translate(rows.Err(), "list members %d", request.ID)
}

// GetTeamRequest - ...
func (s *PGStore) GetTeamRequest(ctx context.Context, id int64) (*TeamRequest, error) {
	request, err := scanRequest(s.db.QueryRow(ctx, `select `+requestColumns+` from team_requests where id = $1`, id))
	if err != nil {
		return nil, translate(err, "get team request %d", id)
	}
	if err := s.loadMembers(ctx, request); err != nil {
		return nil, err
	}
	return request, nil
}

func (s *PGStore) listRequests(ctx context.Context, query string, arg interface{}) ([]*TeamRequest, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, translate(err, "list team requests")
	}
	var requests []*TeamRequest
	for rows.Next() {
		request, err := scanRequest(rows)
		if err != nil {
			rows.Close()
			return nil, translate(err, "scan team request")
		}
		requests = append(requests, request)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list team requests")
	}
	for _, request := range requests {
		if err := s.loadMembers(ctx, request); err != nil {
			return nil, err
		}
	}
	return requests, nil
}

// ListTeamRequestsBySubmitter - newest first
func (s *PGStore) ListTeamRequestsBySubmitter(ctx context.Context, userID int64) ([]*TeamRequest, error) {
	query := `select ` + requestColumns + ` from team_requests where submitter_id = $1 order by created_at desc, id desc`
	return s.listRequests(ctx, query, userID)
}

// ListTeamRequestsByStatus - oldest first
func (s *PGStore) ListTeamRequestsByStatus(ctx context.Context, status TeamStatus) ([]*TeamRequest, error) {
	query := `select ` + requestColumns + ` from team_requests where status = $1 order by created_at, id`
	return s.listRequests(ctx, query, status)
}

// UpdateTeamRequest - persists status and payment link
func (s *PGStore) UpdateTeamRequest(ctx context.Context, request *TeamRequest) error {
	query := `update team_requests set status = $2, payment_link = $3, updated_at = now() where id = $1`
	tag, err := s.db.Exec(ctx, query, request.ID, request.Status, request.PaymentLink)
	if err != nil {
		return translate(err, "update team request %d", request.ID)
	}
	if tag.RowsAffected() == 0 {
		return translate(pgx.ErrNoRows, "update team request %d", request.ID)
	}
	return nil
}

// GetMemberByToken - ...
func (s *PGStore) GetMemberByToken(ctx context.Context, requestID int64, tokenHash string) (*TeamMember, error) {
	query := `select ` + memberColumns + ` from team_members
	where request_id = $1 and approval_token_hash = $2 and approval_token_hash <> ''
	for update`
	m, err := scanMember(s.db.QueryRow(ctx, query, requestID, tokenHash))
	return m, translate(err, "get member by token for request %d", requestID)
}

// UpdateMember - persists the approval decision
func (s *PGStore) UpdateMember(ctx context.Context, member *TeamMember) error {
	query := `
	update team_members set
		approval_status = $2,
		approval_token_hash = $3,
		approval_at = $4
	where id = $1`
	_, err := s.db.Exec(ctx, query, member.ID, member.ApprovalStatus, member.TokenHash, member.ApprovalAt)
	return translate(err, "update member %d", member.ID)
}
