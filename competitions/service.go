// Package competitions handles team sign-ups: member approval by emailed
// token, backoffice review and payment.
package competitions

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
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
	TemplateMemberApproval       = "COMPETITION_MEMBER_APPROVAL"
	TemplateSubmitted            = "COMPETITION_REQUEST_SUBMITTED"
	TemplatePendingInvestigation = "COMPETITION_REQUEST_PENDING_INVESTIGATION"
	TemplatePendingPayment       = "COMPETITION_REQUEST_PENDING_PAYMENT"
	TemplateRejected             = "COMPETITION_REQUEST_REJECTED"
	TemplateCancelled            = "COMPETITION_REQUEST_CANCELLED"
	TemplateFinal                = "COMPETITION_REQUEST_FINAL"
	TemplatePaymentRejected      = "COMPETITION_PAYMENT_REJECTED"
)

const approvalTokenTTL = 24 * time.Hour

// unconfiguredFields are required when a competition has no field configuration.
var unconfiguredFields = []string{
	"first_name", "last_name", "email", "phone_number",
	"national_id", "student_card_image", "national_id_image", "tshirt_size",
}

// Participant - one team member as submitted
type Participant struct {
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Email            string `json:"email" validate:"required,email"`
	PhoneNumber      string `json:"phone_number"`
	NationalID       string `json:"national_id"`
	StudentCardImage string `json:"student_card_image" validate:"omitempty,url"`
	NationalIDImage  string `json:"national_id_image" validate:"omitempty,url"`
	TshirtSize       string `json:"tshirt_size"`
	StudentNumber    string `json:"student_number"`
	UniversityName   string `json:"university_name"`
}

func (p *Participant) value(field string) string {
	switch field {
	case "first_name":
		return p.FirstName
	case "last_name":
		return p.LastName
	case "email":
		return p.Email
	case "phone_number":
		return p.PhoneNumber
	case "national_id":
		return p.NationalID
	case "student_card_image":
		return p.StudentCardImage
	case "national_id_image":
		return p.NationalIDImage
	case "tshirt_size":
		return p.TshirtSize
	case "student_number":
		return p.StudentNumber
	case "university_name":
		return p.UniversityName
	}
	return ""
}

// Validate checks p against cfg; a nil cfg requires every validated field.
func Validate(cfg storage.FieldConfig, p *Participant) error {
	fields := unconfiguredFields
	if cfg != nil {
		fields = storage.ParticipantFields
	}
	for _, field := range fields {
		mode := storage.REQUIRED
		if cfg != nil {
			mode = cfg[field]
		}
		present := strings.TrimSpace(p.value(field)) != ""
		if mode == storage.HIDDEN && present {
			return apperr.Newf(apperr.CompFieldInvalid, http.StatusBadRequest, "%s: Field not allowed for this competition", field)
		}
		if mode == storage.REQUIRED && !present {
			return apperr.Newf(apperr.CompFieldInvalid, http.StatusBadRequest, "%s: Field is required", field)
		}
	}
	return nil
}

// Config ...
type Config struct {
	SecretKey     string
	PublicBaseURL string
}

// Service ...
type Service struct {
	store    storage.Store
	notify   *notification.Service
	payments payment.Initiator
	cfg      Config
	now      func() time.Time
}

// NewService ...
func NewService(store storage.Store, notify *notification.Service, payments payment.Initiator, cfg Config) *Service {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Service{store: store, notify: notify, payments: payments, cfg: cfg, now: time.Now}
}

func (s *Service) hashToken(token string) string {
	mac := hmac.New(sha256.New, []byte(s.cfg.SecretKey))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ActionLink is the emailed approval URL.
func (s *Service) ActionLink(requestID int64, token string) string {
	return fmt.Sprintf("%s/api/competitions/approve?rid=%d&token=%s", s.cfg.PublicBaseURL, requestID, url.QueryEscape(token))
}

func (s *Service) email(ctx context.Context, tx storage.Store, to string, code string, data map[string]string) error {
	_, err := s.notify.WithRepo(tx).StatusChange(ctx, to, code, data)
	return errors.Wrapf(err, "email %s", code)
}

// Submission - a team request as submitted
type Submission struct {
	CompetitionID int64         `json:"competition_id" validate:"required"`
	TeamName      string        `json:"team_name" validate:"max=255"`
	Participants  []Participant `json:"participants" validate:"required,min=1,dive"`
}

// Submit validates the team and creates the request with pending members.
func (s *Service) Submit(ctx context.Context, submitter *storage.User, in *Submission) (*storage.TeamRequest, error) {
	if submitter == nil || !submitter.IsEmailVerified {
		return nil, apperr.EmailNotVerified()
	}
	var created *storage.TeamRequest
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		competition, err := tx.GetCompetition(ctx, in.CompetitionID)
		if err != nil {
			return err
		}
		if !competition.IsActive {
			return apperr.NotFound("Not found.")
		}
		n := len(in.Participants)
		if n < competition.MinTeamSize || n > competition.MaxTeamSize {
			return apperr.Newf(apperr.CompTeamSizeInvalid, http.StatusBadRequest,
				"Team size must be between %d and %d", competition.MinTeamSize, competition.MaxTeamSize)
		}
		cfg, err := tx.GetFieldConfig(ctx, competition.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		seen := map[string]bool{}
		for i := range in.Participants {
			p := &in.Participants[i]
			if err := Validate(cfg, p); err != nil {
				return err
			}
			email := storage.NormalizeEmail(p.Email)
			if seen[email] {
				return apperr.New(apperr.CompDuplicateParticipantEmail, http.StatusBadRequest, "Duplicate participant email in payload")
			}
			seen[email] = true
			active, err := tx.HasActiveMembership(ctx, competition.ID, email)
			if err != nil {
				return err
			}
			if active {
				return apperr.Newf(apperr.CompParticipantAlreadyActive, http.StatusConflict,
					"%s is already on another active team for this competition", email)
			}
		}

		expires := s.now().Add(approvalTokenTTL)
		request := &storage.TeamRequest{
			CompetitionID: competition.ID,
			SubmitterID:   submitter.ID,
			TeamName:      in.TeamName,
			Status:        storage.PENDING_APPROVAL,
		}
		tokens := make([]string, len(in.Participants))
		for i, p := range in.Participants {
			token, err := newToken()
			if err != nil {
				return err
			}
			tokens[i] = token
			member := &storage.TeamMember{
				FirstName:        p.FirstName,
				LastName:         p.LastName,
				Email:            p.Email,
				PhoneNumber:      p.PhoneNumber,
				NationalID:       p.NationalID,
				StudentCardImage: p.StudentCardImage,
				NationalIDImage:  p.NationalIDImage,
				TshirtSize:       p.TshirtSize,
				StudentNumber:    p.StudentNumber,
				UniversityName:   p.UniversityName,
				ApprovalStatus:   storage.APPROVAL_PENDING,
				TokenHash:        s.hashToken(token),
				TokenExpiresAt:   &expires,
			}
			if storage.NormalizeEmail(p.Email) == storage.NormalizeEmail(submitter.Email) {
				id := submitter.ID
				member.UserID = &id
			}
			request.Members = append(request.Members, member)
		}
		if err := tx.CreateTeamRequest(ctx, request); err != nil {
			return errors.Wrap(err, "create team request")
		}

		for i, m := range request.Members {
			err := s.email(ctx, tx, m.Email, TemplateMemberApproval, map[string]string{
				"competition": competition.Name,
				"team_name":   request.TeamName,
				"action_link": s.ActionLink(request.ID, tokens[i]),
				"first_name":  m.FirstName,
				"last_name":   m.LastName,
			})
			if err != nil {
				return err
			}
		}
		err = s.email(ctx, tx, submitter.Email, TemplateSubmitted, map[string]string{
			"competition": competition.Name,
			"team_name":   request.TeamName,
		})
		if err != nil {
			return err
		}
		created = request
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"event":   "team_request_submitted",
		"request": created.ID,
		"members": len(created.Members),
	}).Info("team request submitted")
	return created, nil
}

// Decide records a member's answer and advances the request once every
// member has answered.
func (s *Service) Decide(ctx context.Context, requestID int64, token string, accept bool) (*storage.TeamMember, error) {
	var decided *storage.TeamMember
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		member, err := tx.GetMemberByToken(ctx, requestID, s.hashToken(token))
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.New(apperr.CompInvalidOrExpiredToken, http.StatusBadRequest, "Invalid or expired token")
		}
		if err != nil {
			return err
		}
		decided = member
		if member.ApprovalStatus != storage.APPROVAL_PENDING {
			return nil
		}
		now := s.now()
		if member.TokenExpiresAt != nil && member.TokenExpiresAt.Before(now) {
			return apperr.New(apperr.CompTokenExpired, http.StatusBadRequest, "Token expired")
		}
		member.ApprovalStatus = storage.APPROVAL_REJECTED
		if accept {
			member.ApprovalStatus = storage.APPROVAL_APPROVED
		}
		member.ApprovalAt = &now
		member.TokenHash = ""
		if err := tx.UpdateMember(ctx, member); err != nil {
			return err
		}
		return s.advance(ctx, tx, requestID)
	})
	if err != nil {
		return nil, err
	}
	return decided, nil
}

func (s *Service) advance(ctx context.Context, tx storage.Store, requestID int64) error {
	request, err := tx.GetTeamRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if request.Status != storage.PENDING_APPROVAL {
		return nil
	}
	competition, err := tx.GetCompetition(ctx, request.CompetitionID)
	if err != nil {
		return err
	}
	submitter, err := tx.GetUser(ctx, request.SubmitterID)
	if err != nil {
		return err
	}
	pending := false
	for _, m := range request.Members {
		switch m.ApprovalStatus {
		case storage.APPROVAL_REJECTED:
			request.Status = storage.REJECTED
			if err := tx.UpdateTeamRequest(ctx, request); err != nil {
				return err
			}
			return s.email(ctx, tx, submitter.Email, TemplateRejected, map[string]string{"competition": competition.Name})
		case storage.APPROVAL_PENDING:
			pending = true
		}
	}
	if pending {
		return nil
	}
	if competition.RequiresBackofficeApproval {
		request.Status = storage.PENDING_INVESTIGATION
		if err := tx.UpdateTeamRequest(ctx, request); err != nil {
			return err
		}
		return s.email(ctx, tx, submitter.Email, TemplatePendingInvestigation, map[string]string{"competition": competition.Name})
	}
	return s.requestPayment(ctx, tx, request, competition, submitter)
}

func (s *Service) requestPayment(ctx context.Context, tx storage.Store, request *storage.TeamRequest, competition *storage.Competition, submitter *storage.User) error {
	started, err := s.payments.Initiate(ctx, tx, submitter, &payment.Target{
		Type:        storage.TARGET_COMPETITION,
		ID:          strconv.FormatInt(request.ID, 10),
		Amount:      competition.SignupFee,
		Description: fmt.Sprintf("Competition %s #%d", competition.Name, request.ID),
	})
	if err != nil {
		return apperr.Newf(apperr.CompPaymentInitFailed, http.StatusConflict, "Payment initiate failed: %s", err)
	}
	request.PaymentLink = started.URL
	request.Status = storage.PENDING_PAYMENT
	if err := tx.UpdateTeamRequest(ctx, request); err != nil {
		return err
	}
	return s.email(ctx, tx, submitter.Email, TemplatePendingPayment, map[string]string{
		"competition": competition.Name,
		"link":        request.PaymentLink,
	})
}

// Cancel withdraws a pending request of an approval-mode competition.
func (s *Service) Cancel(ctx context.Context, userID int64, requestID int64) (*storage.TeamRequest, error) {
	var request *storage.TeamRequest
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		var err error
		request, err = tx.GetTeamRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if request.SubmitterID != userID {
			return apperr.New(apperr.CompOnlySubmitterCanCancel, http.StatusForbidden, "Only submitter can cancel")
		}
		competition, err := tx.GetCompetition(ctx, request.CompetitionID)
		if err != nil {
			return err
		}
		if !competition.RequiresBackofficeApproval {
			return apperr.New(apperr.CompCancellationNotApplicable, http.StatusBadRequest,
				"Cancellation is only applicable for approval-mode competitions")
		}
		if request.Status != storage.PENDING_APPROVAL && request.Status != storage.PENDING_INVESTIGATION {
			return apperr.New(apperr.CompCancellationNotAllowed, http.StatusConflict, "Only pending requests can be cancelled")
		}
		request.Status = storage.CANCELLED
		if err := tx.UpdateTeamRequest(ctx, request); err != nil {
			return err
		}
		submitter, err := tx.GetUser(ctx, request.SubmitterID)
		if err != nil {
			return err
		}
		return s.email(ctx, tx, submitter.Email, TemplateCancelled, map[string]string{"competition": competition.Name})
	})
	if err != nil {
		return nil, err
	}
	return request, nil
}

// load fetches a request with its competition and submitter.
func load(ctx context.Context, tx storage.Store, requestID int64) (*storage.TeamRequest, *storage.Competition, *storage.User, error) {
	request, err := tx.GetTeamRequest(ctx, requestID)
	if err != nil {
		return nil, nil, nil, err
	}
	competition, err := tx.GetCompetition(ctx, request.CompetitionID)
	if err != nil {
		return nil, nil, nil, err
	}
	submitter, err := tx.GetUser(ctx, request.SubmitterID)
	if err != nil {
		return nil, nil, nil, err
	}
	return request, competition, submitter, nil
}

// BackofficeApprove opens the payment of an investigated request.
func (s *Service) BackofficeApprove(ctx context.Context, requestID int64) (*storage.TeamRequest, error) {
	var request *storage.TeamRequest
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		r, competition, submitter, err := load(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.Status != storage.PENDING_INVESTIGATION {
			return apperr.New(apperr.CompNotInInvestigationState, http.StatusConflict, "Request not in investigation state")
		}
		request = r
		return s.requestPayment(ctx, tx, r, competition, submitter)
	})
	return request, err
}

// BackofficeReject rejects a pending request and notifies every member.
func (s *Service) BackofficeReject(ctx context.Context, requestID int64, reason string) (*storage.TeamRequest, error) {
	var request *storage.TeamRequest
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		r, competition, _, err := load(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if r.Status != storage.PENDING_INVESTIGATION && r.Status != storage.PENDING_APPROVAL {
			return apperr.New(apperr.CompBackofficeRejectInvalidState, http.StatusConflict, "Request not in a rejectable state")
		}
		r.Status = storage.REJECTED
		if err := tx.UpdateTeamRequest(ctx, r); err != nil {
			return err
		}
		request = r
		for _, m := range r.Members {
			err := s.email(ctx, tx, m.Email, TemplateRejected, map[string]string{
				"competition": competition.Name,
				"reason":      reason,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return request, err
}

// MarkFinal confirms the team and notifies every member.
func (s *Service) MarkFinal(ctx context.Context, requestID int64) (*storage.TeamRequest, error) {
	var request *storage.TeamRequest
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		var err error
		request, err = s.markFinal(ctx, tx, requestID)
		return err
	})
	return request, err
}

func (s *Service) markFinal(ctx context.Context, tx storage.Store, requestID int64) (*storage.TeamRequest, error) {
	request, competition, _, err := load(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	request.Status = storage.FINAL
	if err := tx.UpdateTeamRequest(ctx, request); err != nil {
		return nil, err
	}
	for _, m := range request.Members {
		if err := s.email(ctx, tx, m.Email, TemplateFinal, map[string]string{"competition": competition.Name}); err != nil {
			return nil, err
		}
	}
	return request, nil
}

// MarkPaymentRejected records a failed payment and notifies the submitter.
func (s *Service) MarkPaymentRejected(ctx context.Context, requestID int64) (*storage.TeamRequest, error) {
	var request *storage.TeamRequest
	err := s.store.Atomic(ctx, func(tx storage.Store) error {
		var err error
		request, err = s.markPaymentRejected(ctx, tx, requestID)
		return err
	})
	return request, err
}

func (s *Service) markPaymentRejected(ctx context.Context, tx storage.Store, requestID int64) (*storage.TeamRequest, error) {
	request, competition, submitter, err := load(ctx, tx, requestID)
	if err != nil {
		return nil, err
	}
	request.Status = storage.PAYMENT_REJECTED
	if err := tx.UpdateTeamRequest(ctx, request); err != nil {
		return nil, err
	}
	err = s.email(ctx, tx, submitter.Email, TemplatePaymentRejected, map[string]string{"competition": competition.Name})
	return request, err
}

// PaymentSucceeded implements payment.Hook.
func (s *Service) PaymentSucceeded(ctx context.Context, tx storage.Store, p *storage.Payment) error {
	id, err := strconv.ParseInt(p.TargetID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "competition payment %d target", p.ID)
	}
	_, err = s.markFinal(ctx, tx, id)
	return err
}

// PaymentFailed implements payment.Hook.
func (s *Service) PaymentFailed(ctx context.Context, tx storage.Store, p *storage.Payment) error {
	id, err := strconv.ParseInt(p.TargetID, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "competition payment %d target", p.ID)
	}
	_, err = s.markPaymentRejected(ctx, tx, id)
	return err
}
