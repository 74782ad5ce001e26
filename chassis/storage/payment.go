package storage

import "time"

// PaymentStatus ...
type PaymentStatus string

const (
	PAYMENT_PENDING           PaymentStatus = "PENDING"
	PAYMENT_SUCCESSFUL        PaymentStatus = "SUCCESSFUL"
	PAYMENT_FAILED            PaymentStatus = "FAILED"
	PAYMENT_PG_INITIATE_ERROR PaymentStatus = "PG_INITIATE_ERROR"
)

// TargetType is what a payment pays for.
type TargetType string

const (
	TARGET_COURSE      TargetType = "COURSE"
	TARGET_COMPETITION TargetType = "COMPETITION"
)

// Payment ...
type Payment struct {
	ID              int64                  `json:"id"`
	UserID          int64                  `json:"-"`
	TargetType      TargetType             `json:"target_type"`
	TargetID        string                 `json:"target_id"`
	Amount          int64                  `json:"amount"`
	Currency        string                 `json:"currency"`
	Status          PaymentStatus          `json:"status"`
	Authority       string                 `json:"authority"`
	RefID           string                 `json:"ref_id"`
	CardPan         string                 `json:"card_pan"`
	CardHash        string                 `json:"-"`
	ZarinpalCode    string                 `json:"zarinpal_code"`
	ZarinpalMessage string                 `json:"zarinpal_message"`
	Description     string                 `json:"description"`
	Metadata        map[string]interface{} `json:"metadata"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}
