// Package presentations handles course registrations, their review and
// access to online classes.
package presentations

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/freundallein/acm/backend/chassis/apperr"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/storage"
	"github.com/freundallein/acm/backend/notification"
	"github.com/freundallein/acm/backend/payment"
)

// Email template codes.
const (
	TemplateSubmitted = "COURSE_REQUEST_SUBMITTED"
	TemplateApproved  = "COURSE_REQUEST_APPROVED"
	TemplateRejected  = "COURSE_REQUEST_REJECTED"
	TemplateFinal     = "COURSE_REQUEST_FINAL"
)

const (
	shiftWindow  = 15 * time.Minute
	sessionsDays = 7
)

// Service ...
type Service struct {
	store    storage.Store
	notify   *notification.Service
	payments payment.Initiator
	rooms    Rooms
	loc      *time.Location
	now      func() time.Time
}

// NewService ...
func NewService(store storage.Store, notify *notification.Service, payments payment.Initiator, rooms Rooms, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, notify: notify, payments: payments, rooms: rooms, loc: loc, now: time.Now}
}

func (s *Service) email(ctx context.Context, tx storage.Store, to string, code string, data map[string]string) error {
	_, err := s.notify.WithRepo(tx).StatusChange(ctx, to, code, data)
	return errors.Wrapf(err, "email %s", code)
}

// isFull reports whether no seat is left on course.
func isFull(ctx context.Context, tx storage.Store, course *storage.Course) (bool, error) {
	used, err := tx.CountFinalSeats(ctx, course.ID)
	if err != nil {
		return false, err
	}
	return course.Capacity-used <= 0, nil
}

// Submission - a registration as submitted
type Submission struct {
	CourseID     int64                  `json:"course_id" validate:"required"`
	ChildIDs     []int64                `json:"child_ids"`
	ExtraAnswers map[string]interface{} `json:"extra_answers"`
	ResumeURL    string                 `json:"resume_url" validate:"omitempty,url"`
}

func dedup(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Submit registers user on a course and selected children. Full courses
// put the registration on the waitlist (RESERVED) instead of refusing it.
func (s *Service) Submit(ctx context.Context, user *storage.User, in *Submission) (*storage.Registration, error) {
	if user == nil || !user.IsEmailVerified {
		return nil, apperr.EmailNotVerified()
	}
	var result *storage.Registration
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		course, err := tx.GetCourse(ctx, in.CourseID)
		if err != nil {
			return err
		}
		childIDs := dedup(in.ChildIDs)
		children, err := tx.ListActiveChildren(ctx, course.ID, childIDs)
		if err != nil {
			return err
		}
		if len(children) != len(childIDs) {
			return apperr.New(apperr.RegChildInvalidSelection, http.StatusBadRequest, "One or more selected child presentations are invalid.")
		}

		owned, err := tx.OwnedCourseIDs(ctx, user.ID)
		if err != nil {
			return err
		}
		if owned[course.ID] {
			return apperr.New(apperr.RegAlreadyOwned, http.StatusConflict, "You already own this presentation.")
		}
		var ownedNames []string
		for _, c := range children {
			if owned[c.ID] {
				ownedNames = append(ownedNames, c.Name)
			}
		}
		if len(ownedNames) > 0 {
			return apperr.Newf(apperr.RegChildAlreadyOwned, http.StatusConflict,
				"You already own these selected child presentations: %s", strings.Join(ownedNames, ", "))
		}

		parentFull, err := isFull(ctx, tx, course)
		if err != nil {
			return err
		}
		var fullNames []string
		childApproval := false
		for _, c := range children {
			full, err := isFull(ctx, tx, c)
			if err != nil {
				return err
			}
			if full {
				fullNames = append(fullNames, c.Name)
			}
			childApproval = childApproval || c.RequiresApproval
		}
		waitlisted := parentFull || len(fullNames) > 0

		reg, err := tx.GetRegistrationByCourse(ctx, course.ID, user.ID)
		created := errors.Is(err, storage.ErrNotFound)
		if err != nil && !created {
			return err
		}
		if created {
			reg = &storage.Registration{CourseID: course.ID, UserID: user.ID}
		} else if reg.Status == storage.REG_FINAL {
			return apperr.New(apperr.RegAlreadyFinalOrApproved, http.StatusConflict,
				"You already have an approved registration for this presentation.")
		}
		if in.ResumeURL != "" {
			reg.ResumeURL = in.ResumeURL
		}
		reg.SubmittedAt = s.now()
		reg.RejectionReason = ""
		reg.Status = storage.REG_QUEUED
		if waitlisted {
			reg.Status = storage.REG_RESERVED
		}
		if created {
			err = tx.CreateRegistration(ctx, reg)
		} else {
			err = tx.UpdateRegistration(ctx, reg)
		}
		if err != nil {
			return errors.Wrap(err, "save registration")
		}

		if len(in.ExtraAnswers) > 0 {
			if err := mergeAnswers(ctx, tx, user.ID, in.ExtraAnswers); err != nil {
				return err
			}
		}

		reg.Items = make([]storage.RegistrationItem, 0, len(children))
		for _, c := range children {
			reg.Items = append(reg.Items, storage.RegistrationItem{ChildCourseID: c.ID, Price: c.Price})
		}
		if err := tx.ReplaceRegistrationItems(ctx, reg.ID, reg.Items); err != nil {
			return err
		}

		err = s.email(ctx, tx, user.Email, TemplateSubmitted, map[string]string{
			"course":              course.Name,
			"status":              string(reg.Status),
			"waitlisted_children": strings.Join(fullNames, ", "),
		})
		if err != nil {
			return err
		}

		needsApproval := course.RequiresApproval || childApproval || waitlisted
		if !needsApproval && reg.Status == storage.REG_QUEUED {
			if err := s.progress(ctx, tx, reg, course, user); err != nil {
				return err
			}
		}
		result = reg
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":        "registration_submitted",
		"registration": result.ID,
		"status":       result.Status,
	}).Info("registration submitted")
	return result, nil
}

// mergeAnswers folds extra answers into the user's extra data, mirroring
// the Codeforces keys into their columns.
func mergeAnswers(ctx context.Context, tx storage.Store, userID int64, answers map[string]interface{}) error {
	extra, err := tx.GetUserExtra(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		extra, err = &storage.UserExtra{UserID: userID}, nil
	}
	if err != nil {
		return err
	}
	if extra.Answers == nil {
		extra.Answers = map[string]interface{}{}
	}
	for k, v := range answers {
		extra.Answers[k] = v
	}
	if v, ok := answers["codeforces_score"]; ok {
		if score, ok := toInt(v); ok {
			extra.CodeforcesScore = score
		}
	}
	if v, ok := answers["codeforces_handle"]; ok {
		handle := fmt.Sprint(v)
		if len(handle) > 64 {
			handle = handle[:64]
		}
		extra.CodeforcesHandle = handle
	}
	return tx.SaveUserExtra(ctx, extra)
}

// toInt accepts JSON numbers and numeric strings.
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		return parsed, err == nil
	}
	return 0, false
}

// progress finalizes free registrations and opens payment for the rest.
func (s *Service) progress(ctx context.Context, tx storage.Store, reg *storage.Registration, course *storage.Course, user *storage.User) error {
	if reg.Total(course.Price) <= 0 {
		reg.PaymentLink = ""
		return s.finalize(ctx, tx, reg, course, user)
	}
	return s.approve(ctx, tx, reg, course, user)
}

func description(reg *storage.Registration, course *storage.Course, children map[int64]string) string {
	if len(reg.Items) == 0 {
		return course.Slug
	}
	slugs := make([]string, 0, len(reg.Items))
	for _, item := range reg.Items {
		slugs = append(slugs, children[item.ChildCourseID])
	}
	return fmt.Sprintf("%s + [%s]", course.Slug, strings.Join(slugs, ", "))
}

// approve opens a payment for the parent and children together.
func (s *Service) approve(ctx context.Context, tx storage.Store, reg *storage.Registration, course *storage.Course, user *storage.User) error {
	ids := []string{strconv.FormatInt(course.ID, 10)}
	childIDs := make([]int64, 0, len(reg.Items))
	for _, item := range reg.Items {
		ids = append(ids, strconv.FormatInt(item.ChildCourseID, 10))
		childIDs = append(childIDs, item.ChildCourseID)
	}
	children, err := tx.ListActiveChildren(ctx, course.ID, childIDs)
	if err != nil {
		return err
	}
	slugs := make(map[int64]string, len(children))
	for _, c := range children {
		slugs[c.ID] = c.Slug
	}
	started, err := s.payments.Initiate(ctx, tx, user, &payment.Target{
		Type:        storage.TARGET_COURSE,
		ID:          strings.Join(ids, ","),
		Amount:      reg.Total(course.Price),
		Description: description(reg, course, slugs),
		Metadata: map[string]interface{}{
			"reg_id":           reg.ID,
			"parent_course_id": course.ID,
			"child_course_ids": childIDs,
		},
	})
	if err != nil {
		return err
	}
	now := s.now()
	reg.Status = storage.REG_APPROVED
	reg.PaymentLink = started.URL
	reg.DecidedAt = &now
	if err := tx.UpdateRegistration(ctx, reg); err != nil {
		return err
	}
	return s.email(ctx, tx, user.Email, TemplateApproved, map[string]string{
		"course":       course.Name,
		"payment_link": reg.PaymentLink,
	})
}

func (s *Service) finalize(ctx context.Context, tx storage.Store, reg *storage.Registration, course *storage.Course, user *storage.User) error {
	now := s.now()
	reg.Status = storage.REG_FINAL
	reg.DecidedAt = &now
	if err := tx.UpdateRegistration(ctx, reg); err != nil {
		return err
	}
	return s.email(ctx, tx, user.Email, TemplateFinal, map[string]string{"course": course.Name})
}

// load fetches a registration with its course and owner.
func load(ctx context.Context, tx storage.Store, regID int64) (*storage.Registration, *storage.Course, *storage.User, error) {
	reg, err := tx.GetRegistration(ctx, regID)
	if err != nil {
		return nil, nil, nil, err
	}
	course, err := tx.GetCourse(ctx, reg.CourseID)
	if err != nil {
		return nil, nil, nil, err
	}
	user, err := tx.GetUser(ctx, reg.UserID)
	if err != nil {
		return nil, nil, nil, err
	}
	return reg, course, user, nil
}

// Approve opens the payment of a reviewed registration.
func (s *Service) Approve(ctx context.Context, regID int64) (*storage.Registration, error) {
	var reg *storage.Registration
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		r, course, user, err := load(ctx, tx, regID)
		if err != nil {
			return err
		}
		if r.Status == storage.REG_FINAL {
			return apperr.New(apperr.RegAlreadyFinalOrApproved, http.StatusConflict,
				"You already have an approved registration for this presentation.")
		}
		reg = r
		return s.approve(ctx, tx, r, course, user)
	})
	return reg, err
}

// Reject refuses a registration; reason is mandatory and mailed to the user.
func (s *Service) Reject(ctx context.Context, regID int64, reason string) (*storage.Registration, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.New(apperr.RegRejectionReasonRequired, http.StatusBadRequest, "rejection_reason must be set before rejecting")
	}
	var reg *storage.Registration
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		r, course, user, err := load(ctx, tx, regID)
		if err != nil {
			return err
		}
		now := s.now()
		r.Status = storage.REG_REJECTED
		r.RejectionReason = reason
		r.DecidedAt = &now
		if err := tx.UpdateRegistration(ctx, r); err != nil {
			return err
		}
		reg = r
		return s.email(ctx, tx, user.Email, TemplateRejected, map[string]string{
			"course": course.Name,
			"reason": reason,
		})
	})
	return reg, err
}

// MarkFinal confirms a registration without payment.
func (s *Service) MarkFinal(ctx context.Context, regID int64) (*storage.Registration, error) {
	var reg *storage.Registration
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		r, course, user, err := load(ctx, tx, regID)
		if err != nil {
			return err
		}
		reg = r
		return s.finalize(ctx, tx, r, course, user)
	})
	return reg, err
}

// PaymentSucceeded implements payment.Hook: the registration named by
// metadata reg_id becomes FINAL.
func (s *Service) PaymentSucceeded(ctx context.Context, tx storage.Store, p *storage.Payment) error {
	raw, ok := p.Metadata["reg_id"]
	if !ok {
		return nil
	}
	regID, ok := toInt(raw)
	if !ok {
		return fmt.Errorf("payment %d: bad reg_id %v", p.ID, raw)
	}
	reg, course, user, err := load(ctx, tx, int64(regID))
	if err != nil {
		return err
	}
	if reg.UserID != p.UserID {
		return fmt.Errorf("payment %d: registration %d belongs to another user", p.ID, reg.ID)
	}
	return s.finalize(ctx, tx, reg, course, user)
}

// PaymentFailed implements payment.Hook; the registration keeps its
// payment link so the user can retry.
func (s *Service) PaymentFailed(ctx context.Context, tx storage.Store, p *storage.Payment) error {
	return nil
}

func weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// clock parses a schedule time of day on the date of day.
func clock(day time.Time, value string) (time.Time, error) {
	layout := "15:04:05"
	if strings.Count(value, ":") == 1 {
		layout = "15:04"
	}
	parsed, err := time.Parse(layout, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "schedule time %q", value)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), parsed.Hour(), parsed.Minute(), parsed.Second(), 0, day.Location()), nil
}

// inShift reports whether now falls in a slot of today's schedule,
// widened by window on both sides.
func inShift(schedule []storage.ScheduleRule, now time.Time, window time.Duration) bool {
	for _, rule := range schedule {
		if rule.Weekday != weekday(now) {
			continue
		}
		start, err := clock(now, rule.StartTime)
		if err != nil {
			continue
		}
		end, err := clock(now, rule.EndTime)
		if err != nil {
			continue
		}
		if !now.Before(start.Add(-window)) && !now.After(end.Add(window)) {
			return true
		}
	}
	return false
}

// ClassLink returns the user's login URL for the course's online class.
func (s *Service) ClassLink(ctx context.Context, user *storage.User, course *storage.Course) (string, error) {
	access, err := s.store.HasCourseAccess(ctx, user.ID, course.ID)
	if err != nil {
		return "", err
	}
	if !access || !inShift(course.Schedule, s.now().In(s.loc), shiftWindow) {
		return "", apperr.New(apperr.RegNoAccess, http.StatusBadRequest,
			"You are not registered for this presentation or it's not within the scheduled time window.")
	}
	url, err := s.rooms.LoginURL(ctx, user.Email, user.FullName())
	if err != nil {
		return "", errors.Wrapf(err, "class link for course %d", course.ID)
	}
	return url, nil
}

// Session - one upcoming class
type Session struct {
	Date      string    `json:"date"`
	Weekday   int       `json:"weekday"`
	StartTime string    `json:"start_time"`
	EndTime   string    `json:"end_time"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	Live      bool      `json:"live"`
}

// Sessions lists the course's classes over the coming week that have not
// ended yet.
func (s *Service) Sessions(ctx context.Context, userID int64, course *storage.Course) ([]Session, error) {
	access, err := s.store.HasCourseAccess(ctx, userID, course.ID)
	if err != nil {
		return nil, err
	}
	if !access {
		return nil, apperr.New(apperr.RegNoAccess, http.StatusBadRequest, "User's not registered for this course")
	}
	now := s.now().In(s.loc)
	sessions := []Session{}
	for i := 0; i < sessionsDays; i++ {
		day := now.AddDate(0, 0, i)
		for _, rule := range course.Schedule {
			if rule.Weekday != weekday(day) {
				continue
			}
			start, err := clock(day, rule.StartTime)
			if err != nil {
				return nil, err
			}
			end, err := clock(day, rule.EndTime)
			if err != nil {
				return nil, err
			}
			if end.Before(now) {
				continue
			}
			sessions = append(sessions, Session{
				Date:      day.Format("2006-01-02"),
				Weekday:   rule.Weekday,
				StartTime: rule.StartTime,
				EndTime:   rule.EndTime,
				StartsAt:  start,
				EndsAt:    end,
				Live:      inShift([]storage.ScheduleRule{rule}, now, shiftWindow),
			})
		}
	}
	return sessions, nil
}
