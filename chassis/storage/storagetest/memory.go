// Package storagetest provides an in-memory storage.Store for tests.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/storage"
)

type tables struct {
	users         map[int64]*storage.User
	extras        map[int64]*storage.UserExtra
	competitions  map[int64]*storage.Competition
	fieldConfigs  map[int64]storage.FieldConfig
	requests      map[int64]*storage.TeamRequest
	courses       map[int64]*storage.Course
	registrations map[int64]*storage.Registration
	payments      map[int64]*storage.Payment
	templates     map[string]*storage.EmailTemplate
	notifications map[int64]*storage.Notification
	delayed       map[int64]time.Time
	jobs          map[int64]*storage.BulkJob
}

func newTables() tables {
	return tables{
		users:         map[int64]*storage.User{},
		extras:        map[int64]*storage.UserExtra{},
		competitions:  map[int64]*storage.Competition{},
		fieldConfigs:  map[int64]storage.FieldConfig{},
		requests:      map[int64]*storage.TeamRequest{},
		courses:       map[int64]*storage.Course{},
		registrations: map[int64]*storage.Registration{},
		payments:      map[int64]*storage.Payment{},
		templates:     map[string]*storage.EmailTemplate{},
		notifications: map[int64]*storage.Notification{},
		delayed:       map[int64]time.Time{},
		jobs:          map[int64]*storage.BulkJob{},
	}
}

// clone deep-copies every row so a snapshot is unaffected by later writes.
func (t *tables) clone() tables {
	c := newTables()
	for id, u := range t.users {
		copied := *u
		c.users[id] = &copied
	}
	for id, e := range t.extras {
		copied := *e
		copied.Answers = copyAnswers(e.Answers)
		c.extras[id] = &copied
	}
	for id, comp := range t.competitions {
		copied := *comp
		c.competitions[id] = &copied
	}
	for id, cfg := range t.fieldConfigs {
		copied := storage.FieldConfig{}
		for field, req := range cfg {
			copied[field] = req
		}
		c.fieldConfigs[id] = copied
	}
	for id, r := range t.requests {
		c.requests[id] = copyRequest(r)
	}
	for id, course := range t.courses {
		c.courses[id] = copyCourse(course)
	}
	for id, r := range t.registrations {
		c.registrations[id] = copyRegistration(r)
	}
	for id, p := range t.payments {
		c.payments[id] = copyPayment(p)
	}
	for code, tpl := range t.templates {
		copied := *tpl
		c.templates[code] = &copied
	}
	for id, n := range t.notifications {
		c.notifications[id] = copyNotification(n)
	}
	for id, due := range t.delayed {
		c.delayed[id] = due
	}
	for id, job := range t.jobs {
		copied := *job
		c.jobs[id] = &copied
	}
	return c
}

// MemoryStore - in-process storage.Store
type MemoryStore struct {
	mu    sync.Mutex
	tx    sync.Mutex
	retry storage.RetryPolicy
	now   func() time.Time
	seq   int64
	tables
}

// NewMemoryStore ...
func NewMemoryStore(retry storage.RetryPolicy) *MemoryStore {
	return &MemoryStore{
		retry:  retry,
		now:    time.Now,
		tables: newTables(),
	}
}

// SetClock replaces the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) nextID() int64 {
	s.seq++
	return s.seq
}

func notFound(format string, args ...interface{}) error {
	return errors.Wrapf(storage.ErrNotFound, format, args...)
}

// Atomic runs transactions one at a time. An error restores every table
// to its state at begin, unless the error is marked with storage.Keep.
// Ids handed out inside a rolled back transaction are not reused.
func (s *MemoryStore) Atomic(ctx context.Context, fn func(storage.Store) error) error {
	s.tx.Lock()
	defer s.tx.Unlock()
	return storage.Unkeep(s.savepoint(fn))
}

func (s *MemoryStore) savepoint(fn func(storage.Store) error) error {
	s.mu.Lock()
	snapshot := s.tables.clone()
	s.mu.Unlock()
	err := fn(&memoryTx{s})
	if err != nil && !storage.Kept(err) {
		s.mu.Lock()
		s.tables = snapshot
		s.mu.Unlock()
	}
	return err
}

// memoryTx is the Store handed to Atomic callbacks; its Atomic opens a
// savepoint instead of waiting for the running transaction.
type memoryTx struct {
	*MemoryStore
}

// Atomic ...
func (t *memoryTx) Atomic(ctx context.Context, fn func(storage.Store) error) error {
	return t.savepoint(fn)
}

// Ping ...
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close ...
func (s *MemoryStore) Close() {}

// Users

// CreateUser ...
func (s *MemoryStore) CreateUser(ctx context.Context, user *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := storage.NormalizeEmail(user.Email)
	for _, u := range s.users {
		if u.Email == email {
			return errors.Wrapf(storage.ErrDuplicate, "create user %s", email)
		}
	}
	if user.DateJoined.IsZero() {
		user.DateJoined = s.now()
	}
	user.ID = s.nextID()
	user.Email = email
	stored := *user
	s.users[user.ID] = &stored
	return nil
}

// UpdateUser ...
func (s *MemoryStore) UpdateUser(ctx context.Context, user *storage.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return notFound("update user %d", user.ID)
	}
	stored := *user
	stored.Email = storage.NormalizeEmail(user.Email)
	s.users[user.ID] = &stored
	return nil
}

// GetUser ...
func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, notFound("get user %d", id)
	}
	user := *u
	return &user, nil
}

// GetUserByEmail ...
func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = storage.NormalizeEmail(email)
	for _, u := range s.users {
		if u.Email == email {
			user := *u
			return &user, nil
		}
	}
	return nil, notFound("get user by email %s", email)
}

// GetUserExtra ...
func (s *MemoryStore) GetUserExtra(ctx context.Context, userID int64) (*storage.UserExtra, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	extra, ok := s.extras[userID]
	if !ok {
		extra = &storage.UserExtra{UserID: userID, Answers: map[string]interface{}{}, UpdatedAt: s.now()}
		s.extras[userID] = extra
	}
	copied := *extra
	copied.Answers = copyAnswers(extra.Answers)
	return &copied, nil
}

// SaveUserExtra ...
func (s *MemoryStore) SaveUserExtra(ctx context.Context, extra *storage.UserExtra) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	extra.UpdatedAt = s.now()
	stored := *extra
	stored.Answers = copyAnswers(extra.Answers)
	s.extras[extra.UserID] = &stored
	return nil
}

func copyAnswers(answers map[string]interface{}) map[string]interface{} {
	copied := make(map[string]interface{}, len(answers))
	for k, v := range answers {
		copied[k] = v
	}
	return copied
}

// Competitions

// AddCompetition registers a competition with its field configuration; a nil cfg leaves it unconfigured.
func (s *MemoryStore) AddCompetition(c *storage.Competition, cfg storage.FieldConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	stored := *c
	s.competitions[c.ID] = &stored
	if cfg != nil {
		s.fieldConfigs[c.ID] = cfg
	}
}

// GetCompetition ...
func (s *MemoryStore) GetCompetition(ctx context.Context, id int64) (*storage.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.competitions[id]
	if !ok {
		return nil, notFound("get competition %d", id)
	}
	copied := *c
	return &copied, nil
}

// GetCompetitionBySlug ...
func (s *MemoryStore) GetCompetitionBySlug(ctx context.Context, slug string) (*storage.Competition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.competitions {
		if c.Slug == slug && c.IsActive {
			copied := *c
			return &copied, nil
		}
	}
	return nil, notFound("get competition %s", slug)
}

// GetFieldConfig ...
func (s *MemoryStore) GetFieldConfig(ctx context.Context, competitionID int64) (storage.FieldConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.fieldConfigs[competitionID]
	if !ok {
		return nil, notFound("get field config %d", competitionID)
	}
	cfg := storage.DefaultFieldConfig()
	for field, req := range raw {
		cfg[field] = req
	}
	return cfg, nil
}

// HasActiveMembership ...
func (s *MemoryStore) HasActiveMembership(ctx context.Context, competitionID int64, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = storage.NormalizeEmail(email)
	for _, r := range s.requests {
		if r.CompetitionID != competitionID || !blocking(r.Status) {
			continue
		}
		for _, m := range r.Members {
			if storage.NormalizeEmail(m.Email) == email {
				return true, nil
			}
		}
	}
	return false, nil
}

func blocking(status storage.TeamStatus) bool {
	for _, s := range storage.BlockingTeamStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func copyRequest(r *storage.TeamRequest) *storage.TeamRequest {
	copied := *r
	copied.Members = make([]*storage.TeamMember, 0, len(r.Members))
	for _, m := range r.Members {
		member := *m
		copied.Members = append(copied.Members, &member)
	}
	return &copied
}

// CreateTeamRequest ...
func (s *MemoryStore) CreateTeamRequest(ctx context.Context, request *storage.TeamRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	request.ID = s.nextID()
	request.CreatedAt = s.now()
	for _, m := range request.Members {
		m.ID = s.nextID()
		m.RequestID = request.ID
	}
	s.requests[request.ID] = copyRequest(request)
	return nil
}

// GetTeamRequest ...
func (s *MemoryStore) GetTeamRequest(ctx context.Context, id int64) (*storage.TeamRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, notFound("get team request %d", id)
	}
	return copyRequest(r), nil
}

func (s *MemoryStore) filterRequests(match func(*storage.TeamRequest) bool, newestFirst bool) []*storage.TeamRequest {
	requests := []*storage.TeamRequest{}
	for _, r := range s.requests {
		if match(r) {
			requests = append(requests, copyRequest(r))
		}
	}
	sort.Slice(requests, func(i, j int) bool {
		if newestFirst {
			return requests[i].ID > requests[j].ID
		}
		return requests[i].ID < requests[j].ID
	})
	return requests
}

// ListTeamRequestsBySubmitter ...
func (s *MemoryStore) ListTeamRequestsBySubmitter(ctx context.Context, userID int64) ([]*storage.TeamRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterRequests(func(r *storage.TeamRequest) bool { return r.SubmitterID == userID }, true), nil
}

// ListTeamRequestsByStatus ...
func (s *MemoryStore) ListTeamRequestsByStatus(ctx context.Context, status storage.TeamStatus) ([]*storage.TeamRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterRequests(func(r *storage.TeamRequest) bool { return r.Status == status }, false), nil
}

// UpdateTeamRequest ...
func (s *MemoryStore) UpdateTeamRequest(ctx context.Context, request *storage.TeamRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[request.ID]
	if !ok {
		return notFound("update team request %d", request.ID)
	}
	r.Status = request.Status
	r.PaymentLink = request.PaymentLink
	return nil
}

// GetMemberByToken ...
func (s *MemoryStore) GetMemberByToken(ctx context.Context, requestID int64, tokenHash string) (*storage.TeamMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.requests[requestID]; ok && tokenHash != "" {
		for _, m := range r.Members {
			if m.TokenHash == tokenHash {
				member := *m
				return &member, nil
			}
		}
	}
	return nil, notFound("get member by token for request %d", requestID)
}

// UpdateMember ...
func (s *MemoryStore) UpdateMember(ctx context.Context, member *storage.TeamMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.requests[member.RequestID]; ok {
		for _, m := range r.Members {
			if m.ID == member.ID {
				m.ApprovalStatus = member.ApprovalStatus
				m.TokenHash = member.TokenHash
				m.ApprovalAt = member.ApprovalAt
				return nil
			}
		}
	}
	return notFound("update member %d", member.ID)
}

// Presentations

// AddCourse registers a course with its presenters, schedule and children.
func (s *MemoryStore) AddCourse(c *storage.Course) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextID()
	}
	s.courses[c.ID] = copyCourse(c)
}

func copyCourse(c *storage.Course) *storage.Course {
	copied := *c
	copied.Presenters = append([]*storage.Presenter{}, c.Presenters...)
	copied.Schedule = append([]storage.ScheduleRule{}, c.Schedule...)
	copied.ChildIDs = append([]int64{}, c.ChildIDs...)
	return &copied
}

func copyRegistration(r *storage.Registration) *storage.Registration {
	copied := *r
	copied.Items = append([]storage.RegistrationItem{}, r.Items...)
	return &copied
}

// GetCourse ...
func (s *MemoryStore) GetCourse(ctx context.Context, id int64) (*storage.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.courses[id]
	if !ok || !c.IsActive {
		return nil, notFound("get course %d", id)
	}
	return copyCourse(c), nil
}

// GetCourseBySlug ...
func (s *MemoryStore) GetCourseBySlug(ctx context.Context, slug string) (*storage.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.courses {
		if c.Slug == slug && c.IsActive {
			return copyCourse(c), nil
		}
	}
	return nil, notFound("get course %s", slug)
}

// ListActiveChildren ...
func (s *MemoryStore) ListActiveChildren(ctx context.Context, courseID int64, ids []int64) ([]*storage.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	children := []*storage.Course{}
	parent, ok := s.courses[courseID]
	if !ok {
		return children, nil
	}
	wanted := map[int64]bool{}
	for _, id := range ids {
		wanted[id] = true
	}
	for _, id := range parent.ChildIDs {
		child, ok := s.courses[id]
		if ok && child.IsActive && wanted[id] {
			children = append(children, copyCourse(child))
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	return children, nil
}

// CountFinalSeats ...
func (s *MemoryStore) CountFinalSeats(ctx context.Context, courseID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := 0
	for _, r := range s.registrations {
		if r.Status != storage.REG_FINAL {
			continue
		}
		if r.CourseID == courseID {
			used++
		}
		for _, item := range r.Items {
			if item.ChildCourseID == courseID {
				used++
			}
		}
	}
	return used, nil
}

// OwnedCourseIDs ...
func (s *MemoryStore) OwnedCourseIDs(ctx context.Context, userID int64) (map[int64]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := map[int64]bool{}
	for _, r := range s.registrations {
		if r.UserID != userID || r.Status != storage.REG_FINAL {
			continue
		}
		owned[r.CourseID] = true
		for _, item := range r.Items {
			owned[item.ChildCourseID] = true
		}
	}
	return owned, nil
}

// HasCourseAccess ...
func (s *MemoryStore) HasCourseAccess(ctx context.Context, userID int64, courseID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.registrations {
		if r.UserID != userID || r.Status != storage.REG_FINAL {
			continue
		}
		if r.CourseID == courseID {
			return true, nil
		}
		for _, item := range r.Items {
			if item.ChildCourseID == courseID {
				return true, nil
			}
		}
		if parent, ok := s.courses[r.CourseID]; ok {
			for _, id := range parent.ChildIDs {
				if id == courseID {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// GetRegistration ...
func (s *MemoryStore) GetRegistration(ctx context.Context, id int64) (*storage.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registrations[id]
	if !ok {
		return nil, notFound("get registration %d", id)
	}
	return copyRegistration(r), nil
}

// GetRegistrationByCourse ...
func (s *MemoryStore) GetRegistrationByCourse(ctx context.Context, courseID int64, userID int64) (*storage.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.registrations {
		if r.CourseID == courseID && r.UserID == userID {
			return copyRegistration(r), nil
		}
	}
	return nil, notFound("get registration %d/%d", courseID, userID)
}

// CreateRegistration ...
func (s *MemoryStore) CreateRegistration(ctx context.Context, reg *storage.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.registrations {
		if r.CourseID == reg.CourseID && r.UserID == reg.UserID {
			return errors.Wrapf(storage.ErrDuplicate, "create registration %d/%d", reg.CourseID, reg.UserID)
		}
	}
	reg.ID = s.nextID()
	s.registrations[reg.ID] = copyRegistration(reg)
	return nil
}

// UpdateRegistration ...
func (s *MemoryStore) UpdateRegistration(ctx context.Context, reg *storage.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.registrations[reg.ID]
	if !ok {
		return notFound("update registration %d", reg.ID)
	}
	items := stored.Items
	updated := copyRegistration(reg)
	updated.Items = items
	s.registrations[reg.ID] = updated
	return nil
}

// ReplaceRegistrationItems ...
func (s *MemoryStore) ReplaceRegistrationItems(ctx context.Context, regID int64, items []storage.RegistrationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.registrations[regID]
	if !ok {
		return notFound("replace items %d", regID)
	}
	stored.Items = append([]storage.RegistrationItem{}, items...)
	return nil
}

func (s *MemoryStore) filterRegistrations(match func(*storage.Registration) bool, newestFirst bool) []*storage.Registration {
	regs := []*storage.Registration{}
	for _, r := range s.registrations {
		if match(r) {
			regs = append(regs, copyRegistration(r))
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if newestFirst {
			return regs[i].ID > regs[j].ID
		}
		return regs[i].ID < regs[j].ID
	})
	return regs
}

// ListRegistrationsByUser ...
func (s *MemoryStore) ListRegistrationsByUser(ctx context.Context, userID int64) ([]*storage.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterRegistrations(func(r *storage.Registration) bool { return r.UserID == userID }, true), nil
}

// ListRegistrationsByStatus ...
func (s *MemoryStore) ListRegistrationsByStatus(ctx context.Context, status storage.RegStatus) ([]*storage.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterRegistrations(func(r *storage.Registration) bool { return r.Status == status }, false), nil
}

// Payments

func copyPayment(p *storage.Payment) *storage.Payment {
	copied := *p
	copied.Metadata = copyAnswers(p.Metadata)
	return &copied
}

// CreatePayment ...
func (s *MemoryStore) CreatePayment(ctx context.Context, p *storage.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Currency == "" {
		p.Currency = "IRR"
	}
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.ID = s.nextID()
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt
	s.payments[p.ID] = copyPayment(p)
	return nil
}

// UpdatePayment ...
func (s *MemoryStore) UpdatePayment(ctx context.Context, p *storage.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.payments[p.ID]
	if !ok {
		return notFound("update payment %d", p.ID)
	}
	p.UpdatedAt = s.now()
	updated := copyPayment(p)
	updated.CreatedAt = stored.CreatedAt
	s.payments[p.ID] = updated
	return nil
}

func (s *MemoryStore) filterPayments(match func(*storage.Payment) bool) []*storage.Payment {
	payments := []*storage.Payment{}
	for _, p := range s.payments {
		if match(p) {
			payments = append(payments, copyPayment(p))
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].ID < payments[j].ID })
	return payments
}

// ListPendingPayments ...
func (s *MemoryStore) ListPendingPayments(ctx context.Context, userID int64) ([]*storage.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterPayments(func(p *storage.Payment) bool {
		return p.UserID == userID && p.Status == storage.PAYMENT_PENDING
	}), nil
}

// ListStalePendingPayments ...
func (s *MemoryStore) ListStalePendingPayments(ctx context.Context, before time.Time, limit int) ([]*storage.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payments := s.filterPayments(func(p *storage.Payment) bool {
		return p.Status == storage.PAYMENT_PENDING && p.Authority != "" && p.CreatedAt.Before(before)
	})
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

// ListHookFailedPayments ...
func (s *MemoryStore) ListHookFailedPayments(ctx context.Context, limit int) ([]*storage.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payments := s.filterPayments(func(p *storage.Payment) bool {
		if p.Status != storage.PAYMENT_SUCCESSFUL && p.Status != storage.PAYMENT_FAILED {
			return false
		}
		_, failed := p.Metadata[storage.HookErrorKey]
		return failed
	})
	if limit > 0 && len(payments) > limit {
		payments = payments[:limit]
	}
	return payments, nil
}

// LockPayment ...
func (s *MemoryStore) LockPayment(ctx context.Context, id int64) (*storage.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, notFound("lock payment %d", id)
	}
	return copyPayment(p), nil
}

// GetPaymentByAuthority ...
func (s *MemoryStore) GetPaymentByAuthority(ctx context.Context, userID int64, authority string) (*storage.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payments := s.filterPayments(func(p *storage.Payment) bool {
		return p.UserID == userID && p.Authority == authority
	})
	if len(payments) == 0 {
		return nil, notFound("get payment %s", authority)
	}
	return payments[len(payments)-1], nil
}

// LastPaymentByAuthority ...
func (s *MemoryStore) LastPaymentByAuthority(ctx context.Context, authority string) (*storage.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payments := s.filterPayments(func(p *storage.Payment) bool { return p.Authority == authority })
	if len(payments) == 0 {
		return nil, notFound("get payment %s", authority)
	}
	return payments[len(payments)-1], nil
}

// Notifications

// GetTemplate ...
func (s *MemoryStore) GetTemplate(ctx context.Context, code string) (*storage.EmailTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[code]
	if !ok {
		return nil, notFound("get template %s", code)
	}
	copied := *t
	return &copied, nil
}

// SaveTemplate ...
func (s *MemoryStore) SaveTemplate(ctx context.Context, t *storage.EmailTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.templates[t.Code]; ok {
		t.ID = existing.ID
	} else {
		t.ID = s.nextID()
	}
	copied := *t
	s.templates[t.Code] = &copied
	return nil
}

func copyNotification(n *storage.Notification) *storage.Notification {
	copied := *n
	copied.Context = make(map[string]string, len(n.Context))
	for k, v := range n.Context {
		copied.Context[k] = v
	}
	return &copied
}

func (s *MemoryStore) enqueue(n *storage.Notification) {
	if n.Channel == "" {
		n.Channel = "email"
	}
	if n.Context == nil {
		n.Context = map[string]string{}
	}
	n.ID = s.nextID()
	n.State = storage.SCHEDULED
	n.CreatedDt = s.now()
	n.UpdatedDt = n.CreatedDt
	s.notifications[n.ID] = copyNotification(n)
	s.delayed[n.ID] = n.CreatedDt
}

// Enqueue ...
func (s *MemoryStore) Enqueue(ctx context.Context, n *storage.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueue(n)
	return nil
}

// GetNotification ...
func (s *MemoryStore) GetNotification(ctx context.Context, id int64) (*storage.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, notFound("get notification %d", id)
	}
	return copyNotification(n), nil
}

// SelectNotification ...
func (s *MemoryStore) SelectNotification(ctx context.Context) (*storage.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var selected *storage.Notification
	for _, n := range s.notifications {
		if n.State != storage.SCHEDULED && n.State != storage.ERROR {
			continue
		}
		if due, ok := s.delayed[n.ID]; ok && due.After(now) {
			continue
		}
		if selected == nil || n.ID < selected.ID {
			selected = n
		}
	}
	if selected == nil {
		return nil, notFound("select notification")
	}
	selected.State = storage.ACQUIRED
	selected.Attempts++
	selected.UpdatedDt = now
	delete(s.delayed, selected.ID)
	return copyNotification(selected), nil
}

func (s *MemoryStore) fail(n *storage.Notification, message string, now time.Time) {
	n.Error = message
	n.UpdatedDt = now
	if n.Attempts < s.retry.MaxAttempts {
		n.State = storage.ERROR
		s.delayed[n.ID] = now.Add(time.Duration(s.retry.Delay(n.Attempts)) * time.Second)
		return
	}
	n.State = storage.CRITICAL_ERROR
	delete(s.delayed, n.ID)
}

// SetNotificationResult ...
func (s *MemoryStore) SetNotificationResult(ctx context.Context, result *storage.Result) (*storage.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[result.ID]
	if !ok || n.State != storage.ACQUIRED || n.Attempts != result.Attempt {
		return nil, storage.ErrStaleResult
	}
	now := s.now()
	if result.Error == "" {
		n.State = storage.SUCCESS
		n.Error = ""
		n.UpdatedDt = now
		n.SentAt = &now
	} else {
		s.fail(n, result.Error, now)
	}
	return copyNotification(n), nil
}

// RepairStaleNotifications ...
func (s *MemoryStore) RepairStaleNotifications(ctx context.Context, timeout int, batchSize int) (int, []int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	threshold := now.Add(-time.Duration(timeout) * time.Second)
	stale := []*storage.Notification{}
	for _, n := range s.notifications {
		if n.State == storage.ACQUIRED && n.UpdatedDt.Before(threshold) {
			stale = append(stale, n)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })
	if len(stale) > batchSize {
		stale = stale[:batchSize]
	}
	jobIDs := []int64{}
	seen := map[int64]bool{}
	for _, n := range stale {
		s.fail(n, "stale delivery", now)
		if n.JobID != nil && !seen[*n.JobID] {
			seen[*n.JobID] = true
			jobIDs = append(jobIDs, *n.JobID)
		}
	}
	return len(stale), jobIDs, nil
}

// CleanOldNotifications ...
func (s *MemoryStore) CleanOldNotifications(ctx context.Context, expiration int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threshold := s.now().Add(-time.Duration(expiration) * time.Second)
	cleaned := 0
	for id, n := range s.notifications {
		if n.State != storage.SUCCESS || !n.UpdatedDt.Before(threshold) {
			continue
		}
		if n.JobID != nil {
			if job, ok := s.jobs[*n.JobID]; ok && job.Status != "done" {
				continue
			}
		}
		delete(s.notifications, id)
		cleaned++
	}
	return cleaned, nil
}

// CreateBulkJob ...
func (s *MemoryStore) CreateBulkJob(ctx context.Context, job *storage.BulkJob, recipients []storage.BulkRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.JobType == "" {
		job.JobType = "generic"
	}
	job.ID = s.nextID()
	job.Total = len(recipients)
	job.Status = "queued"
	job.CreatedAt = s.now()
	copied := *job
	s.jobs[job.ID] = &copied
	for _, r := range recipients {
		jobID := job.ID
		s.enqueue(&storage.Notification{To: r.To, Template: job.Template, Context: r.Context, JobID: &jobID})
	}
	return nil
}

// GetBulkJob ...
func (s *MemoryStore) GetBulkJob(ctx context.Context, id int64) (*storage.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound("get bulk job %d", id)
	}
	copied := *job
	return &copied, nil
}

// RefreshBulkJob ...
func (s *MemoryStore) RefreshBulkJob(ctx context.Context, id int64) (*storage.BulkJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound("refresh bulk job %d", id)
	}
	sent, failed, pending := 0, 0, 0
	for _, n := range s.notifications {
		if n.JobID == nil || *n.JobID != id {
			continue
		}
		switch {
		case n.State == storage.SUCCESS:
			sent++
		case n.State == storage.CRITICAL_ERROR:
			failed++
		case n.State.Pending():
			pending++
		}
	}
	now := s.now()
	job.Sent = sent
	job.Failed = failed
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	if pending == 0 {
		job.Status = "done"
		if job.FinishedAt == nil {
			job.FinishedAt = &now
		}
	} else {
		job.Status = "running"
		job.FinishedAt = nil
	}
	copied := *job
	return &copied, nil
}
