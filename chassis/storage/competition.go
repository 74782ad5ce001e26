package storage

import "time"

// Requirement of a participant field.
type Requirement string

const (
	REQUIRED Requirement = "REQ"
	OPTIONAL Requirement = "OPT"
	HIDDEN   Requirement = "HID"
)

// TeamStatus of a team request.
type TeamStatus string

const (
	PENDING_APPROVAL      TeamStatus = "PENDING_APPROVAL"
	PENDING_INVESTIGATION TeamStatus = "PENDING_INVESTIGATION"
	PENDING_PAYMENT       TeamStatus = "PENDING_PAYMENT"
	FINAL                 TeamStatus = "FINAL"
	PAYMENT_REJECTED      TeamStatus = "PAYMENT_REJECTED"
	REJECTED              TeamStatus = "REJECTED"
	CANCELLED             TeamStatus = "CANCELLED"
)

// BlockingTeamStatuses keep a participant from joining another team.
var BlockingTeamStatuses = []TeamStatus{PENDING_APPROVAL, PENDING_INVESTIGATION, PENDING_PAYMENT, FINAL}

// Approval of a team member.
type Approval string

const (
	APPROVAL_PENDING  Approval = "PENDING"
	APPROVAL_APPROVED Approval = "APPROVED"
	APPROVAL_REJECTED Approval = "REJECTED"
)

// Competition ...
type Competition struct {
	ID                         int64     `json:"id"`
	Name                       string    `json:"name"`
	Slug                       string    `json:"slug"`
	Description                string    `json:"description"`
	MinTeamSize                int       `json:"min_team_size"`
	MaxTeamSize                int       `json:"max_team_size"`
	SignupFee                  int64     `json:"signup_fee"`
	RequiresBackofficeApproval bool      `json:"requires_backoffice_approval"`
	IsActive                   bool      `json:"is_active"`
	CreatedAt                  time.Time `json:"created_at"`
}

// FieldConfig maps participant field name to its requirement.
type FieldConfig map[string]Requirement

// ParticipantFields lists every configurable participant field.
var ParticipantFields = []string{
	"first_name", "last_name", "national_id", "student_number", "student_card_image",
	"national_id_image", "tshirt_size", "phone_number", "email", "university_name",
}

// DefaultFieldConfig is applied to newly configured competitions.
func DefaultFieldConfig() FieldConfig {
	cfg := FieldConfig{}
	for _, field := range ParticipantFields {
		cfg[field] = OPTIONAL
	}
	for _, field := range []string{"first_name", "last_name", "phone_number", "email"} {
		cfg[field] = REQUIRED
	}
	return cfg
}

// TeamRequest ...
type TeamRequest struct {
	ID            int64         `json:"id"`
	CompetitionID int64         `json:"competition"`
	SubmitterID   int64         `json:"submitter"`
	TeamName      string        `json:"team_name"`
	Status        TeamStatus    `json:"status"`
	PaymentLink   string        `json:"payment_link"`
	CreatedAt     time.Time     `json:"created_at"`
	Members       []*TeamMember `json:"members"`
}

// TeamMember ...
type TeamMember struct {
	ID               int64      `json:"id"`
	RequestID        int64      `json:"-"`
	UserID           *int64     `json:"-"`
	FirstName        string     `json:"first_name"`
	LastName         string     `json:"last_name"`
	Email            string     `json:"email"`
	PhoneNumber      string     `json:"phone_number"`
	NationalID       string     `json:"national_id"`
	StudentCardImage string     `json:"student_card_image"`
	NationalIDImage  string     `json:"national_id_image"`
	TshirtSize       string     `json:"tshirt_size"`
	UniversityName   string     `json:"university_name"`
	StudentNumber    string     `json:"student_number"`
	ApprovalStatus   Approval   `json:"approval_status"`
	TokenHash        string     `json:"-"`
	TokenExpiresAt   *time.Time `json:"-"`
	ApprovalAt       *time.Time `json:"approval_at"`
}
