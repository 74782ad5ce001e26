package storage

import "time"

// RegStatus of a course registration.
type RegStatus string

const (
	REG_SUBMITTED RegStatus = "SUBMITTED"
	REG_RESERVED  RegStatus = "RESERVED"
	REG_QUEUED    RegStatus = "QUEUED"
	REG_APPROVED  RegStatus = "APPROVED"
	REG_FINAL     RegStatus = "FINAL"
	REG_REJECTED  RegStatus = "REJECTED"
	REG_CANCELLED RegStatus = "CANCELLED"
)

// Presenter ...
type Presenter struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Bio      string `json:"bio"`
	Email    string `json:"email"`
	Website  string `json:"website"`
}

// ScheduleRule is a weekly slot; Weekday is 0 for Monday.
type ScheduleRule struct {
	ID        int64  `json:"id"`
	Weekday   int    `json:"weekday"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

// Course ...
type Course struct {
	ID               int64          `json:"id"`
	Name             string         `json:"name"`
	Subtitle         string         `json:"subtitle"`
	Description      string         `json:"description"`
	StartDate        *time.Time     `json:"start_date"`
	Online           bool           `json:"online"`
	Onsite           bool           `json:"onsite"`
	ClassesCount     int            `json:"classes_count"`
	Capacity         int            `json:"capacity"`
	Price            int64          `json:"price"`
	RequiresApproval bool           `json:"requires_approval"`
	Slug             string         `json:"slug"`
	IsActive         bool           `json:"is_active"`
	Presenters       []*Presenter   `json:"presenters"`
	Schedule         []ScheduleRule `json:"schedule"`
	ChildIDs         []int64        `json:"children"`
}

// Registration ...
type Registration struct {
	ID              int64              `json:"id"`
	CourseID        int64              `json:"course"`
	UserID          int64              `json:"-"`
	Status          RegStatus          `json:"status"`
	ResumeURL       string             `json:"resume_url"`
	RejectionReason string             `json:"rejection_reason"`
	PaymentLink     string             `json:"payment_link"`
	SubmittedAt     time.Time          `json:"submitted_at"`
	DecidedAt       *time.Time         `json:"decided_at"`
	Items           []RegistrationItem `json:"items"`
}

// RegistrationItem is a selected child course with its price at submission.
type RegistrationItem struct {
	ChildCourseID int64 `json:"child_course"`
	Price         int64 `json:"price"`
}

// Total is the parent price plus every item.
func (r *Registration) Total(parentPrice int64) int64 {
	total := parentPrice
	for _, item := range r.Items {
		total += item.Price
	}
	return total
}
