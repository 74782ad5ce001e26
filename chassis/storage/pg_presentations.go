package storage

import (
	"context"

	"github.com/jackc/pgx/v4"
)

const courseColumns = `c.id, c.name, c.subtitle, c.description, c.start_date, c.online, c.onsite,
	c.classes_count, c.capacity, c.price, c.requires_approval, c.slug, c.is_active`

const registrationColumns = `id, course_id, user_id, status, resume_url, rejection_reason,
	payment_link, submitted_at, decided_at`

func scanCourse(row pgx.Row) (*Course, error) {
	var c Course
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Subtitle,
		&c.Description,
		&c.StartDate,
		&c.Online,
		&c.Onsite,
		&c.ClassesCount,
		&c.Capacity,
		&c.Price,
		&c.RequiresApproval,
		&c.Slug,
		&c.IsActive,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanRegistration(row pgx.Row) (*Registration, error) {
	var r Registration
	err := row.Scan(
		&r.ID,
		&r.CourseID,
		&r.UserID,
		&r.Status,
		&r.ResumeURL,
		&r.RejectionReason,
		&r.PaymentLink,
		&r.SubmittedAt,
		&r.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PGStore) loadCourseRelations(ctx context.Context, course *Course) error {
	rows, err := s.db.Query(ctx, `
	select p.id, p.full_name, p.bio, p.email, p.website
	from presenters p join course_presenters cp on cp.presenter_id = p.id
	where cp.course_id = $1 order by p.full_name`, course.ID)
	if err != nil {
		return translate(err, "list presenters %d", course.ID)
	}
	course.Presenters = []*Presenter{}
	for rows.Next() {
		var p Presenter
		if err := rows.Scan(&p.ID, &p.FullName, &p.Bio, &p.Email, &p.Website); err != nil {
			rows.Close()
			return translate(err, "scan presenter")
		}
		course.Presenters = append(course.Presenters, &p)
	}
	rows.Close()

	rows, err = s.db.Query(ctx, `
	select id, weekday, to_char(start_time, 'HH24:MI:SS'), to_char(end_time, 'HH24:MI:SS')
	from schedule_rules where course_id = $1 order by weekday, start_time`, course.ID)
	if err != nil {
		return translate(err, "list schedule %d", course.ID)
	}
	course.Schedule = []ScheduleRule{}
	for rows.Next() {
		var rule ScheduleRule
		if err := rows.Scan(&rule.ID, &rule.Weekday, &rule.StartTime, &rule.EndTime); err != nil {
			rows.Close()
			return translate(err, "scan schedule rule")
		}
		course.Schedule = append(course.Schedule, rule)
	}
	rows.Close()

	rows, err = s.db.Query(ctx, `select child_id from course_children where parent_id = $1 order by child_id`, course.ID)
	if err != nil {
		return translate(err, "list children %d", course.ID)
	}
	defer rows.Close()
	course.ChildIDs = []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return translate(err, "scan child")
		}
		course.ChildIDs = append(course.ChildIDs, id)
	}
	return translate(rows.Err(), "list children %d", course.ID)
}

func (s *PGStore) getCourse(ctx context.Context, where string, arg interface{}) (*Course, error) {
	query := `select ` + courseColumns + ` from courses c where ` + where + ` and c.is_active`
	course, err := scanCourse(s.db.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, translate(err, "get course %v", arg)
	}
	if err := s.loadCourseRelations(ctx, course); err != nil {
		return nil, err
	}
	return course, nil
}

// GetCourse - active courses only
func (s *PGStore) GetCourse(ctx context.Context, id int64) (*Course, error) {
	return s.getCourse(ctx, "c.id = $1", id)
}

// GetCourseBySlug - active courses only
func (s *PGStore) GetCourseBySlug(ctx context.Context, slug string) (*Course, error) {
	return s.getCourse(ctx, "c.slug = $1", slug)
}

// ListActiveChildren - children of courseID among ids
func (s *PGStore) ListActiveChildren(ctx context.Context, courseID int64, ids []int64) ([]*Course, error) {
	if len(ids) == 0 {
		return []*Course{}, nil
	}
	query := `
	select ` + courseColumns + `
	from courses c join course_children cc on cc.child_id = c.id
	where cc.parent_id = $1 and c.is_active and c.id = any($2)
	order by c.id`
	rows, err := s.db.Query(ctx, query, courseID, ids)
	if err != nil {
		return nil, translate(err, "list children of %d", courseID)
	}
	defer rows.Close()
	children := []*Course{}
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, translate(err, "scan child course")
		}
		children = append(children, c)
	}
	return children, translate(rows.Err(), "list children of %d", courseID)
}

// CountFinalSeats - finalized registrations of the course plus finalized child items
func (s *PGStore) CountFinalSeats(ctx context.Context, courseID int64) (int, error) {
	query := `
	select
		(select count(*) from registrations where course_id = $1 and status = 'FINAL') +
		(select count(*) from registration_items i
			join registrations r on r.id = i.registration_id
			where i.child_course_id = $1 and r.status = 'FINAL')`
	var used int
	err := s.db.QueryRow(ctx, query, courseID).Scan(&used)
	return used, translate(err, "count seats %d", courseID)
}

// OwnedCourseIDs - courses the user holds through any finalized registration
func (s *PGStore) OwnedCourseIDs(ctx context.Context, userID int64) (map[int64]bool, error) {
	query := `
	select course_id from registrations where user_id = $1 and status = 'FINAL'
	union
	select i.child_course_id from registration_items i
		join registrations r on r.id = i.registration_id
		where r.user_id = $1 and r.status = 'FINAL'`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, translate(err, "owned courses %d", userID)
	}
	defer rows.Close()
	owned := map[int64]bool{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, translate(err, "scan owned course")
		}
		owned[id] = true
	}
	return owned, translate(rows.Err(), "owned courses %d", userID)
}

// HasCourseAccess - direct, as a selected child or through a finalized parent
func (s *PGStore) HasCourseAccess(ctx context.Context, userID int64, courseID int64) (bool, error) {
	query := `
	select exists (
		select 1 from registrations r
		where r.user_id = $1 and r.status = 'FINAL' and r.course_id = $2
	) or exists (
		select 1 from registrations r
		join registration_items i on i.registration_id = r.id
		where r.user_id = $1 and r.status = 'FINAL' and i.child_course_id = $2
	) or exists (
		select 1 from registrations r
		join course_children cc on cc.parent_id = r.course_id
		where r.user_id = $1 and r.status = 'FINAL' and cc.child_id = $2
	)`
	var ok bool
	err := s.db.QueryRow(ctx, query, userID, courseID).Scan(&ok)
	return ok, translate(err, "course access %d/%d", userID, courseID)
}

func (s *PGStore) loadItems(ctx context.Context, reg *Registration) error {
	rows, err := s.db.Query(ctx, `select child_course_id, price from registration_items where registration_id = $1 order by id`, reg.ID)
	if err != nil {
		return translate(err, "list items %d", reg.ID)
	}
	defer rows.Close()
	reg.Items = []RegistrationItem{}
	for rows.Next() {
		var item RegistrationItem
		if err := rows.Scan(&item.ChildCourseID, &item.Price); err != nil {
			return translate(err, "scan item")
		}
		reg.Items = append(reg.Items, item)
	}
	return translate(rows.Err(), "list items %d", reg.ID)
}

// GetRegistration - ...
func (s *PGStore) GetRegistration(ctx context.Context, id int64) (*Registration, error) {
	query := `select ` + registrationColumns + ` from registrations where id = $1 for update`
	reg, err := scanRegistration(s.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, translate(err, "get registration %d", id)
	}
	return reg, s.loadItems(ctx, reg)
}

// GetRegistrationByCourse - ...
func (s *PGStore) GetRegistrationByCourse(ctx context.Context, courseID int64, userID int64) (*Registration, error) {
	query := `select ` + registrationColumns + ` from registrations where course_id = $1 and user_id = $2 for update`
	reg, err := scanRegistration(s.db.QueryRow(ctx, query, courseID, userID))
	if err != nil {
		return nil, translate(err, "get registration %d/%d", courseID, userID)
	}
	return reg, s.loadItems(ctx, reg)
}

// CreateRegistration - ...
func (s *PGStore) CreateRegistration(ctx context.Context, reg *Registration) error {
	query := `
	insert into registrations(course_id, user_id, status, resume_url, rejection_reason,
		payment_link, submitted_at, decided_at)
	values ($1, $2, $3, $4, $5, $6, $7, $8)
	returning id`
	err := s.db.QueryRow(ctx, query,
		reg.CourseID,
		reg.UserID,
		reg.Status,
		reg.ResumeURL,
		reg.RejectionReason,
		reg.PaymentLink,
		reg.SubmittedAt,
		reg.DecidedAt,
	).Scan(&reg.ID)
	return translate(err, "create registration")
}

// UpdateRegistration - ...
func (s *PGStore) UpdateRegistration(ctx context.Context, reg *Registration) error {
	query := `
	update registrations set
		status = $2,
		resume_url = $3,
		rejection_reason = $4,
		payment_link = $5,
		submitted_at = $6,
		decided_at = $7
	where id = $1`
	_, err := s.db.Exec(ctx, query,
		reg.ID,
		reg.Status,
		reg.ResumeURL,
		reg.RejectionReason,
		reg.PaymentLink,
		reg.SubmittedAt,
		reg.DecidedAt,
	)
	return translate(err, "update registration %d", reg.ID)
}

// ReplaceRegistrationItems - ...
func (s *PGStore) ReplaceRegistrationItems(ctx context.Context, regID int64, items []RegistrationItem) error {
	if _, err := s.db.Exec(ctx, `delete from registration_items where registration_id = $1`, regID); err != nil {
		return translate(err, "clear items %d", regID)
	}
	for _, item := range items {
		query := `insert into registration_items(registration_id, child_course_id, price) values ($1, $2, $3)`
		if _, err := s.db.Exec(ctx, query, regID, item.ChildCourseID, item.Price); err != nil {
			return translate(err, "insert item %d/%d", regID, item.ChildCourseID)
		}
	}
	return nil
}

func (s *PGStore) listRegistrations(ctx context.Context, query string, arg interface{}) ([]*Registration, error) {
	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, translate(err, "list registrations")
	}
	regs := []*Registration{}
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			rows.Close()
			return nil, translate(err, "scan registration")
		}
		regs = append(regs, reg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list registrations")
	}
	for _, reg := range regs {
		if err := s.loadItems(ctx, reg); err != nil {
			return nil, err
		}
	}
	return regs, nil
}

// ListRegistrationsByUser - newest first
func (s *PGStore) ListRegistrationsByUser(ctx context.Context, userID int64) ([]*Registration, error) {
	query := `select ` + registrationColumns + ` from registrations where user_id = $1 order by submitted_at desc, id desc`
	return s.listRegistrations(ctx, query, userID)
}

// ListRegistrationsByStatus - oldest first
func (s *PGStore) ListRegistrationsByStatus(ctx context.Context, status RegStatus) ([]*Registration, error) {
	query := `select ` + registrationColumns + ` from registrations where status = $1 order by submitted_at, id`
	return s.listRegistrations(ctx, query, status)
}
